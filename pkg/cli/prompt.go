// Package cli provides line-oriented prompts for the setup wizard. Every
// prompt reads one line per attempt, so a wizard can be driven from a pipe.
package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"
)

// maxAttempts bounds re-prompting on invalid input. After that the default
// is used, so a closed stdin cannot loop forever.
const maxAttempts = 5

// Validator checks one answer. The error text is shown to the user.
type Validator func(answer string) error

// Prompter reads answers from In and writes questions to Out.
type Prompter struct {
	In  io.Reader
	Out io.Writer

	lines *bufio.Scanner
}

// DefaultPrompter returns a Prompter on stdin and stdout.
func DefaultPrompter() *Prompter {
	return &Prompter{In: os.Stdin, Out: os.Stdout}
}

func (p *Prompter) printf(format string, a ...any) {
	_, _ = fmt.Fprintf(p.Out, format, a...)
}

// line reads the next trimmed line; io.EOF yields "".
func (p *Prompter) line() string {
	if p.lines == nil {
		p.lines = bufio.NewScanner(p.In)
	}
	if !p.lines.Scan() {
		return ""
	}
	return strings.TrimSpace(p.lines.Text())
}

func (p *Prompter) question(q, def string) {
	if def == "" {
		p.printf("%s: ", q)
		return
	}
	p.printf("%s [%s]: ", q, def)
}

// Ask reads one answer; an empty answer returns def.
func (p *Prompter) Ask(question, def string) string {
	p.question(question, def)
	if ans := p.line(); ans != "" {
		return ans
	}
	return def
}

// AskValid asks until validate accepts the answer. The default is returned
// unchecked once the attempts run out.
func (p *Prompter) AskValid(question, def string, validate Validator) string {
	for range maxAttempts {
		ans := p.Ask(question, def)
		err := validate(ans)
		if err == nil {
			return ans
		}
		p.printf("  %v\n", err)
	}
	return def
}

// AskPassword reads a secret without echo when In is a terminal and falls
// back to a plain line otherwise.
func (p *Prompter) AskPassword(question string) string {
	p.printf("%s: ", question)
	if f, ok := p.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		p.printf("\n")
		if err == nil {
			return strings.TrimSpace(string(b))
		}
	}
	return p.line()
}

// AskInt asks for a positive integer.
func (p *Prompter) AskInt(question string, def int) int {
	ans := p.AskValid(question, strconv.Itoa(def), func(s string) error {
		if n, err := strconv.Atoi(s); err != nil || n <= 0 {
			return errors.New("please enter a positive number")
		}
		return nil
	})
	n, err := strconv.Atoi(ans)
	if err != nil {
		return def
	}
	return n
}

// AskList asks for a comma-separated list. Blank items are dropped and an
// empty answer returns def.
func (p *Prompter) AskList(question string, def []string) []string {
	var out []string
	for _, item := range strings.Split(p.Ask(question, strings.Join(def, ",")), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Choose lists options by number and returns the one picked. defaultIdx is
// zero-based.
func (p *Prompter) Choose(question string, options []string, defaultIdx int) string {
	p.printf("%s\n", question)
	for i, opt := range options {
		marker := "  "
		if i == defaultIdx {
			marker = "> "
		}
		p.printf("%s%d) %s\n", marker, i+1, opt)
	}
	ans := p.AskValid("Choice", strconv.Itoa(defaultIdx+1), func(s string) error {
		if n, err := strconv.Atoi(s); err != nil || n < 1 || n > len(options) {
			return fmt.Errorf("please enter a number between 1 and %d", len(options))
		}
		return nil
	})
	n, _ := strconv.Atoi(ans)
	return options[n-1]
}

// Confirm asks a yes/no question.
func (p *Prompter) Confirm(question string, defaultYes bool) bool {
	hint := "y/N"
	if defaultYes {
		hint = "Y/n"
	}
	ans := strings.ToLower(p.Ask(fmt.Sprintf("%s [%s]", question, hint), ""))
	if ans == "" {
		return defaultYes
	}
	return strings.HasPrefix(ans, "y")
}

// NotEmpty rejects blank answers.
func NotEmpty(s string) error {
	if strings.TrimSpace(s) == "" {
		return errors.New("a value is required")
	}
	return nil
}

// HTTPURL accepts absolute http or https URLs.
func HTTPURL(s string) error {
	u, err := url.Parse(s)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return errors.New("please enter an http(s) URL")
	}
	return nil
}
