package query

import (
	"testing"
	"time"

	"github.com/codaph/codaph/internal/envelope"
)

func TestLexer(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []TokenType
		values   []string
	}{
		{
			name:     "simple equality",
			input:    "eventType=prompt.submitted",
			expected: []TokenType{TokenIdent, TokenEquals, TokenIdent, TokenEOF},
			values:   []string{"eventType", "=", "prompt.submitted", ""},
		},
		{
			name:     "not equals",
			input:    "eventType!=item.completed",
			expected: []TokenType{TokenIdent, TokenNotEquals, TokenIdent, TokenEOF},
			values:   []string{"eventType", "!=", "item.completed", ""},
		},
		{
			name:     "duration value",
			input:    "ts>7d",
			expected: []TokenType{TokenIdent, TokenGreater, TokenDuration, TokenEOF},
			values:   []string{"ts", ">", "7d", ""},
		},
		{
			name:     "AND expression",
			input:    "eventType=prompt.submitted AND actorId=agent-1",
			expected: []TokenType{TokenIdent, TokenEquals, TokenIdent, TokenAnd, TokenIdent, TokenEquals, TokenIdent, TokenEOF},
		},
		{
			name:     "OR expression",
			input:    "source=codex_sdk OR source=codex_exec",
			expected: []TokenType{TokenIdent, TokenEquals, TokenIdent, TokenOr, TokenIdent, TokenEquals, TokenIdent, TokenEOF},
		},
		{
			name:     "NOT expression",
			input:    "NOT eventType=prompt.submitted",
			expected: []TokenType{TokenNot, TokenIdent, TokenEquals, TokenIdent, TokenEOF},
		},
		{
			name:     "parentheses",
			input:    "(eventType=prompt.submitted)",
			expected: []TokenType{TokenLParen, TokenIdent, TokenEquals, TokenIdent, TokenRParen, TokenEOF},
		},
		{
			name:     "identifier with hyphen",
			input:    "actorId=agent-1",
			expected: []TokenType{TokenIdent, TokenEquals, TokenIdent, TokenEOF},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lexer := NewLexer(tt.input)
			tokens, err := lexer.Tokenize()
			if err != nil {
				t.Fatalf("Tokenize() error = %v", err)
			}
			if len(tokens) != len(tt.expected) {
				t.Fatalf("got %d tokens, want %d", len(tokens), len(tt.expected))
			}
			for i, tok := range tokens {
				if tok.Type != tt.expected[i] {
					t.Errorf("token %d: got type %v, want %v", i, tok.Type, tt.expected[i])
				}
				if tt.values != nil && tok.Value != tt.values[i] {
					t.Errorf("token %d: got value %q, want %q", i, tok.Value, tt.values[i])
				}
			}
		})
	}
}

func TestLexerErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"unterminated string", `eventType="item`},
		{"invalid character", "eventType@open"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lexer := NewLexer(tt.input)
			if _, err := lexer.Tokenize(); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestParser(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"simple comparison", "eventtype=prompt.submitted", "eventtype=prompt.submitted"},
		{"AND expression", "eventtype=prompt.submitted AND actorid=agent-1", "(eventtype=prompt.submitted AND actorid=agent-1)"},
		{"OR expression", "source=codex_sdk OR source=codex_exec", "(source=codex_sdk OR source=codex_exec)"},
		{"NOT expression", "NOT eventtype=prompt.submitted", "NOT eventtype=prompt.submitted"},
		{"parentheses", "(eventtype=a OR eventtype=b) AND actorid=agent-1", "((eventtype=a OR eventtype=b) AND actorid=agent-1)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node, err := Parse(tt.input)
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if got := node.String(); got != tt.expected {
				t.Errorf("got %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestParserErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty query", ""},
		{"missing value", "eventtype="},
		{"missing operator", "eventtype open"},
		{"unclosed paren", "(eventtype=open"},
		{"extra paren", "eventtype=open)"},
		{"missing operand after AND", "eventtype=open AND"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(tt.input); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func testEnv(eventType, actorID, source string, ts time.Time) *envelope.Envelope {
	return &envelope.Envelope{EventType: eventType, ActorID: actorID, Source: envelope.Source(source), TS: ts}
}

func TestEvaluatorSimpleQueries(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	promptEnv := testEnv("prompt.submitted", "agent-1", "codex_sdk", now.Add(-time.Hour))
	itemEnv := testEnv("item.completed", "agent-2", "codex_exec", now.Add(-48*time.Hour))

	tests := []struct {
		name    string
		query   string
		env     *envelope.Envelope
		matches bool
	}{
		{"eventType equals", "eventType=prompt.submitted", promptEnv, true},
		{"eventType equals no match", "eventType=prompt.submitted", itemEnv, false},
		{"eventType not equals", "eventType!=prompt.submitted", itemEnv, true},
		{"actorId equals", "actorId=agent-1", promptEnv, true},
		{"source equals", "source=codex_exec", itemEnv, true},
		{"ts within last day", "ts>24h", promptEnv, true},
		{"ts older than a day excluded", "ts>24h", itemEnv, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pred, err := EvaluateAt(tt.query, now)
			if err != nil {
				t.Fatalf("EvaluateAt() error = %v", err)
			}
			if got := pred(tt.env); got != tt.matches {
				t.Errorf("pred() = %v, want %v", got, tt.matches)
			}
		})
	}
}

func TestEvaluatorComplexQueries(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	promptEnv := testEnv("prompt.submitted", "agent-1", "codex_sdk", now.Add(-time.Hour))

	tests := []struct {
		name    string
		query   string
		matches bool
	}{
		{"AND both true", "eventType=prompt.submitted AND actorId=agent-1", true},
		{"AND one false", "eventType=prompt.submitted AND actorId=agent-2", false},
		{"OR either true", "eventType=item.completed OR actorId=agent-1", true},
		{"NOT negates", "NOT eventType=item.completed", true},
		{"nested grouping", "(eventType=prompt.submitted OR eventType=item.completed) AND source=codex_sdk", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pred, err := EvaluateAt(tt.query, now)
			if err != nil {
				t.Fatalf("EvaluateAt() error = %v", err)
			}
			if got := pred(promptEnv); got != tt.matches {
				t.Errorf("pred() = %v, want %v", got, tt.matches)
			}
		})
	}
}

func TestEvaluatorErrors(t *testing.T) {
	tests := []struct {
		name  string
		query string
	}{
		{"unknown field", "unknown=value"},
		{"bad ts operator use", "actorId>agent-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Evaluate(tt.query); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestDurationParsing(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	eval := NewEvaluator(now)

	tests := []struct {
		duration string
		expected time.Time
	}{
		{"7d", now.AddDate(0, 0, -7)},
		{"24h", now.Add(-24 * time.Hour)},
		{"2w", now.AddDate(0, 0, -14)},
		{"1m", now.AddDate(0, -1, 0)},
		{"1y", now.AddDate(-1, 0, 0)},
	}
	for _, tt := range tests {
		t.Run(tt.duration, func(t *testing.T) {
			got, err := eval.parseDurationAgo(tt.duration)
			if err != nil {
				t.Fatalf("parseDurationAgo() error = %v", err)
			}
			if got.Year() != tt.expected.Year() || got.Month() != tt.expected.Month() || got.Day() != tt.expected.Day() {
				t.Errorf("got %v, want %v", got, tt.expected)
			}
		})
	}
}
