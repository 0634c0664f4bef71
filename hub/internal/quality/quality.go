// Package quality validates user content against the configured policy,
// publishes the outcome to the quality broadcast groups and summarizes a
// user's runs into reports.
package quality

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/amurg-ai/conduit/hub/internal/broadcast"
	"github.com/amurg-ai/conduit/hub/internal/store"
	"github.com/amurg-ai/conduit/pkg/protocol"
)

// ErrNoContent is returned when a validation request carries no content.
var ErrNoContent = errors.New("content is required")

// Publisher fans a message out to a group. *broadcast.Manager implements it.
type Publisher interface {
	Publish(ctx context.Context, group string, msg any) broadcast.PublishResult
}

// RunLister lists a user's runs. store.Store implements it.
type RunLister interface {
	ListRunsByUser(ctx context.Context, userID string, since time.Time, limit int) ([]store.Run, error)
}

// Options configures the Service.
type Options struct {
	// ContentSchema is an inline JSON schema; SchemaFile is read when it is empty.
	ContentSchema string
	SchemaFile    string
	MinLength     int
	MaxLength     int
	ReportWindow  time.Duration
}

// Issue is one policy violation.
type Issue struct {
	Path     string `json:"path,omitempty"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

// Result is the outcome of one validation.
type Result struct {
	Valid     bool      `json:"valid"`
	Score     float64   `json:"score"`
	Length    int       `json:"length"`
	Issues    []Issue   `json:"issues,omitempty"`
	Severity  string    `json:"severity,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Report summarizes a user's runs over a window.
type Report struct {
	UserID         string         `json:"user_id"`
	From           time.Time      `json:"from"`
	To             time.Time      `json:"to"`
	Total          int            `json:"total_runs"`
	Completed      int            `json:"completed"`
	Failed         int            `json:"failed"`
	InProgress     int            `json:"in_progress"`
	SuccessRate    float64        `json:"success_rate"`
	FailureReasons map[string]int `json:"failure_reasons,omitempty"`
	Threads        int            `json:"threads"`
}

const reportRunLimit = 1000

// Service implements the quality extension handlers.
type Service struct {
	schema    *jsonschema.Schema
	opts      Options
	publisher Publisher
	runs      RunLister
	logger    *slog.Logger
	now       func() time.Time
}

// New compiles the content schema, if any, and returns a Service.
func New(opts Options, publisher Publisher, runs RunLister, logger *slog.Logger) (*Service, error) {
	src := opts.ContentSchema
	if src == "" && opts.SchemaFile != "" {
		b, err := os.ReadFile(opts.SchemaFile)
		if err != nil {
			return nil, fmt.Errorf("read content schema: %w", err)
		}
		src = string(b)
	}
	s := &Service{
		opts:      opts,
		publisher: publisher,
		runs:      runs,
		logger:    logger.With("component", "quality"),
		now:       time.Now,
	}
	if src != "" {
		schema, err := jsonschema.CompileString("content.json", src)
		if err != nil {
			return nil, fmt.Errorf("compile content schema: %w", err)
		}
		s.schema = schema
	}
	if s.opts.ReportWindow <= 0 {
		s.opts.ReportWindow = 24 * time.Hour
	}
	return s, nil
}

// Validate checks content against the schema and length policy and
// publishes the result: every validation goes to quality_updates, failed
// ones also raise a quality_alert.
func (s *Service) Validate(ctx context.Context, userID string, content any) (Result, error) {
	if content == nil {
		return Result{}, ErrNoContent
	}

	res := Result{CheckedAt: s.now().UTC(), Length: contentLength(content)}
	if s.opts.MinLength > 0 && res.Length < s.opts.MinLength {
		res.Issues = append(res.Issues, Issue{
			Message:  fmt.Sprintf("content is %d characters, minimum is %d", res.Length, s.opts.MinLength),
			Severity: protocol.SeverityWarning,
		})
	}
	if s.opts.MaxLength > 0 && res.Length > s.opts.MaxLength {
		res.Issues = append(res.Issues, Issue{
			Message:  fmt.Sprintf("content is %d characters, maximum is %d", res.Length, s.opts.MaxLength),
			Severity: protocol.SeverityWarning,
		})
	}
	if s.schema != nil {
		if err := s.schema.Validate(content); err != nil {
			res.Issues = append(res.Issues, schemaIssues(err)...)
		}
	}

	res.Valid = len(res.Issues) == 0
	res.Score = score(res.Issues)
	res.Severity = maxSeverity(res.Issues)

	s.publish(ctx, userID, res)
	return res, nil
}

func (s *Service) publish(ctx context.Context, userID string, res Result) {
	update := protocol.NewQualityUpdate(map[string]any{
		"valid":       res.Valid,
		"score":       res.Score,
		"issue_count": len(res.Issues),
		"checked_at":  res.CheckedAt,
	})
	s.logPublish(protocol.GroupQualityUpdates, s.publisher.Publish(ctx, protocol.GroupQualityUpdates, update))

	if res.Valid {
		return
	}
	issues := make([]map[string]any, 0, len(res.Issues))
	for _, is := range res.Issues {
		issues = append(issues, map[string]any{"path": is.Path, "message": is.Message, "severity": is.Severity})
	}
	alert := protocol.NewQualityAlert(res.Severity, map[string]any{
		"score":      res.Score,
		"issues":     issues,
		"checked_at": res.CheckedAt,
	})
	s.logPublish(protocol.GroupQualityAlerts, s.publisher.Publish(ctx, protocol.GroupQualityAlerts, alert))
	s.logger.Info("content failed validation", "user_id", userID, "issues", len(res.Issues), "severity", res.Severity)
}

func (s *Service) logPublish(group string, pr broadcast.PublishResult) {
	if len(pr.Failures) > 0 {
		s.logger.Warn("quality broadcast partially delivered", "group", group,
			"delivered", pr.Delivered, "failed", len(pr.Failures))
	}
}

// Report summarizes the user's runs created within window; a non-positive
// window uses the configured default.
func (s *Service) Report(ctx context.Context, userID string, window time.Duration) (Report, error) {
	if window <= 0 {
		window = s.opts.ReportWindow
	}
	to := s.now()
	from := to.Add(-window)

	runs, err := s.runs.ListRunsByUser(ctx, userID, from, reportRunLimit)
	if err != nil {
		return Report{}, fmt.Errorf("list runs: %w", err)
	}

	rep := Report{UserID: userID, From: from, To: to, Total: len(runs)}
	threads := make(map[string]struct{})
	for _, r := range runs {
		threads[r.ThreadID] = struct{}{}
		switch r.State {
		case store.RunCompleted:
			rep.Completed++
		case store.RunFailed:
			rep.Failed++
			if rep.FailureReasons == nil {
				rep.FailureReasons = make(map[string]int)
			}
			reason := r.Reason
			if reason == "" {
				reason = "unknown"
			}
			rep.FailureReasons[reason]++
		default:
			rep.InProgress++
		}
	}
	rep.Threads = len(threads)
	if finished := rep.Completed + rep.Failed; finished > 0 {
		rep.SuccessRate = float64(rep.Completed) / float64(finished)
	}
	return rep, nil
}

// contentLength counts characters of string content and of the JSON
// encoding of anything else.
func contentLength(content any) int {
	if s, ok := content.(string); ok {
		return utf8.RuneCountInString(s)
	}
	b, err := json.Marshal(content)
	if err != nil {
		return 0
	}
	return utf8.RuneCount(b)
}

func schemaIssues(err error) []Issue {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []Issue{{Message: err.Error(), Severity: protocol.SeverityCritical}}
	}
	var out []Issue
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			path := e.InstanceLocation
			if path == "" {
				path = "/"
			}
			out = append(out, Issue{Path: path, Message: e.Message, Severity: protocol.SeverityCritical})
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	sort.SliceStable(out, func(i, j int) bool { return strings.Compare(out[i].Path, out[j].Path) < 0 })
	return out
}

func score(issues []Issue) float64 {
	s := 1.0
	for _, is := range issues {
		if is.Severity == protocol.SeverityCritical {
			s -= 0.5
		} else {
			s -= 0.25
		}
	}
	if s < 0 {
		return 0
	}
	return s
}

var severityRank = map[string]int{
	protocol.SeverityInfo:     1,
	protocol.SeverityWarning:  2,
	protocol.SeverityCritical: 3,
}

func maxSeverity(issues []Issue) string {
	best := ""
	for _, is := range issues {
		if severityRank[is.Severity] > severityRank[best] {
			best = is.Severity
		}
	}
	return best
}
