package router

import (
	"strings"

	"github.com/amurg-ai/conduit/pkg/protocol"
)

// aliases maps legacy message names, after normalization, to canonical types.
var aliases = map[string]string{
	"agent_start":        protocol.TypeStartAgent,
	"chat":               protocol.TypeUserMessage,
	"message":            protocol.TypeUserMessage,
	"agent_stop":         protocol.TypeStopAgent,
	"heartbeat":          protocol.TypePing,
	"metrics":            protocol.TypeGetMetrics,
	"subscribe_alerts":   protocol.TypeSubscribeQualityAlerts,
	"unsubscribe_alerts": protocol.TypeUnsubscribeQualityAlerts,
	"content_validate":   protocol.TypeValidateContent,
	"report_generate":    protocol.TypeGenerateReport,
}

var separators = strings.NewReplacer("-", "_", ".", "_", " ", "_")

// Normalize maps a client-supplied message type to its canonical form:
// trimmed, lower-cased, with '-', '.' and ' ' folded to '_', then resolved
// through the alias table. It is total and idempotent.
func Normalize(msgType string) string {
	t := separators.Replace(strings.ToLower(strings.TrimSpace(msgType)))
	if canonical, ok := aliases[t]; ok {
		return canonical
	}
	return t
}

// Aliases returns a copy of the legacy name table.
func Aliases() map[string]string {
	out := make(map[string]string, len(aliases))
	for k, v := range aliases {
		out[k] = v
	}
	return out
}
