package logger

import (
	"io"
	"regexp"
)

// Redactor strips credentials from log output before it reaches any sink
type Redactor struct {
	patterns []*regexp.Regexp
}

// NewRedactor creates a redactor covering the credential shapes Courier
// handles: provider API keys, Telegram bot tokens, and bearer tokens.
func NewRedactor() *Redactor {
	return &Redactor{
		patterns: []*regexp.Regexp{
			// Anthropic keys before the generic OpenAI prefix
			regexp.MustCompile(`sk-ant-[a-zA-Z0-9_-]{20,}`),
			regexp.MustCompile(`sk-[a-zA-Z0-9_-]{20,}`),

			// Telegram bot tokens
			regexp.MustCompile(`\d{8,10}:[a-zA-Z0-9_-]{30,}`),

			// Bearer tokens
			regexp.MustCompile(`Bearer\s+[a-zA-Z0-9._-]+`),

			// Generic assignments
			regexp.MustCompile(`(?i)(api_key|token|secret)["\s:=]+[a-zA-Z0-9._-]{16,}`),
		},
	}
}

// AddPattern adds a custom redaction pattern
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.patterns = append(r.patterns, re)
	return nil
}

// Redact replaces matches of all patterns with a placeholder
func (r *Redactor) Redact(s string) string {
	for _, pattern := range r.patterns {
		s = pattern.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

// Wrap returns a writer that redacts everything written through it
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{writer: w, redactor: r}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

func (w *redactingWriter) Write(p []byte) (int, error) {
	redacted := w.redactor.Redact(string(p))
	if _, err := w.writer.Write([]byte(redacted)); err != nil {
		return 0, err
	}
	// Report the original length so zerolog does not treat redaction
	// shrinkage as a short write.
	return len(p), nil
}
