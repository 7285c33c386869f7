// Package redact returns sanitised copies of text and record trees,
// replacing secrets with sentinel tokens. It never fails: unparseable
// input falls back to substring redaction only.
package redact

import (
	"encoding/json"
	"regexp"
	"strings"
)

// sensitiveKeys forces [REDACTED] for any mapping key matching this list,
// regardless of value shape.
var sensitiveKeys = map[string]bool{
	"apikey":        true,
	"api_key":       true,
	"authorization": true,
	"private_key":   true,
	"privatekey":    true,
	"token":         true,
	"secret":        true,
	"password":      true,
	"passwd":        true,
	"client_secret": true,
	"access_token":  true,
	"refresh_token": true,
	"session_token": true,
	"cookie":        true,
}

// safeKeys are exact-match names known never to carry secrets, and are
// preserved verbatim even though their name resembles a sensitive one.
var safeKeys = map[string]bool{
	"tokenestimate": true,
	"tokencount":    true,
	"tokenusage":    true,
	"maxtokens":     true,
}

// pattern describes one regex-based secret pattern and its sentinel.
type pattern struct {
	re       *regexp.Regexp
	sentinel string
}

// patterns is the compiled table of known secret shapes.
// Order matters: more specific patterns run before generic ones.
var patterns = []pattern{
	{regexp.MustCompile(`(?i)\bBearer\s+[A-Za-z0-9\-._~+/]+=*`), "Bearer [REDACTED_BEARER_TOKEN]"},
	{regexp.MustCompile(`://[^/@\s:]+:[^/@\s]+@`), "://[REDACTED_URL_CREDENTIAL]@"},
	{regexp.MustCompile(`\bsk-ant-[A-Za-z0-9\-_]{20,}\b`), "[REDACTED]"},
	{regexp.MustCompile(`\bsk-[A-Za-z0-9]{20,}\b`), "[REDACTED]"},
	{regexp.MustCompile(`\bghp_[A-Za-z0-9]{30,}\b`), "[REDACTED]"},
	{regexp.MustCompile(`\bgithub_pat_[A-Za-z0-9_]{20,}\b`), "[REDACTED]"},
	{regexp.MustCompile(`\bmbt_[A-Za-z0-9]{20,}\b`), "[REDACTED]"},
	{regexp.MustCompile(`\bAIza[A-Za-z0-9\-_]{30,}\b`), "[REDACTED]"},
	{regexp.MustCompile(`(?i)([?&](?:api_key|token|secret)=)[^&\s]+`), "$1[REDACTED]"},
}

// RedactString replaces recognised secret patterns in s with sentinel
// tokens. Always returns a single line with no embedded newlines.
func RedactString(s string) string {
	out := s
	for _, p := range patterns {
		out = p.re.ReplaceAllString(out, p.sentinel)
	}
	return stripNewlines(out)
}

func stripNewlines(s string) string {
	if !strings.ContainsAny(s, "\r\n") {
		return s
	}
	s = strings.ReplaceAll(s, "\r\n", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	return s
}

// RedactTree recurses through maps and slices, applying RedactString to
// string leaves, and forcing [REDACTED] for any key in sensitiveKeys
// (unless the exact key is in safeKeys). Returns a deep copy; the input
// is never mutated.
func RedactTree(node any) any {
	switch v := node.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			lower := strings.ToLower(k)
			if sensitiveKeys[lower] && !safeKeys[lower] {
				out[k] = "[REDACTED]"
				continue
			}
			out[k] = RedactTree(val)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = RedactTree(item)
		}
		return out
	case string:
		return RedactString(v)
	default:
		return v
	}
}

// RedactRawLine parses line as JSON and applies RedactTree; if parsing
// fails, falls back to RedactString on the raw bytes. Always returns a
// single line.
func RedactRawLine(line string) string {
	var v any
	if err := json.Unmarshal([]byte(line), &v); err != nil {
		return RedactString(line)
	}
	redacted := RedactTree(v)
	b, err := json.Marshal(redacted)
	if err != nil {
		return RedactString(line)
	}
	return stripNewlines(string(b))
}
