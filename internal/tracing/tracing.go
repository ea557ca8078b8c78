package tracing

import (
	"errors"
	"strings"

	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation name of the runner's spans.
const TracerName = "github.com/gxo-labs/gxo-runner"

// Redacted replaces masked values.
const Redacted = "[REDACTED]"

// DefaultRedactedKeywords are matched case-insensitively as substrings of
// environment variable names and error text.
var DefaultRedactedKeywords = []string{"password", "passwd", "secret", "token", "apikey", "api_key", "private_key", "credential"}

// KeywordSet lowercases keywords into a lookup set.
func KeywordSet(keywords []string) map[string]struct{} {
	set := make(map[string]struct{}, len(keywords))
	for _, k := range keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			set[k] = struct{}{}
		}
	}
	return set
}

// RedactStringMap returns a copy of input in which every value whose key
// contains one of the keywords is replaced by Redacted. The input is not
// modified.
func RedactStringMap(input map[string]string, keywords map[string]struct{}) map[string]string {
	if input == nil {
		return nil
	}
	output := make(map[string]string, len(input))
	for k, v := range input {
		output[k] = v
		lower := strings.ToLower(k)
		for kw := range keywords {
			if strings.Contains(lower, kw) {
				output[k] = Redacted
				break
			}
		}
	}
	return output
}

// RedactSecretsInString masks, line by line, whatever follows a keyword and
// its separators (":= '\"").
func RedactSecretsInString(input string, keywords map[string]struct{}) string {
	if len(keywords) == 0 || input == "" {
		return input
	}
	lines := strings.Split(input, "\n")
	changed := false
	for i, line := range lines {
		lower := strings.ToLower(line)
		for kw := range keywords {
			idx := strings.Index(lower, kw)
			if idx == -1 {
				continue
			}
			start := idx + len(kw)
			for start < len(line) && strings.ContainsRune(":= '\"", rune(line[start])) {
				start++
			}
			if start < len(line) {
				lines[i] = line[:start] + Redacted
				changed = true
				break
			}
		}
	}
	if !changed {
		return input
	}
	return strings.Join(lines, "\n")
}

// RecordErrorWithContext records err on span with its message redacted and
// marks the span as failed.
func RecordErrorWithContext(span oteltrace.Span, err error, keywords map[string]struct{}) {
	if err == nil || span == nil || !span.IsRecording() {
		return
	}
	msg := RedactSecretsInString(err.Error(), keywords)
	span.RecordError(errors.New(msg), oteltrace.WithStackTrace(true))
	span.SetStatus(codes.Error, msg)
}
