package chat

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// piiPatterns cover the identifier shapes that must never reach the model
// or come back out of it.
var piiPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),                                // SSN
	regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`),                               // card numbers
	regexp.MustCompile(`\b(?:\+?1[ -.]?)?\(?\d{3}\)?[ -.]?\d{3}[ -.]?\d{4}\b`), // US phone
	regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),   // email
}

// GuardConfig bounds what user input is allowed through.
type GuardConfig struct {
	MaxInputChars int
	BannedPhrases []string
}

// GuardConfigFromEnv reads CHAT_MAX_INPUT_CHARS and CHAT_BANNED_PHRASES
// (comma-separated).
func GuardConfigFromEnv() GuardConfig {
	cfg := GuardConfig{MaxInputChars: 4000}
	if raw := strings.TrimSpace(os.Getenv("CHAT_MAX_INPUT_CHARS")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			cfg.MaxInputChars = parsed
		}
	}
	for _, phrase := range strings.Split(os.Getenv("CHAT_BANNED_PHRASES"), ",") {
		if trimmed := strings.TrimSpace(phrase); trimmed != "" {
			cfg.BannedPhrases = append(cfg.BannedPhrases, strings.ToLower(trimmed))
		}
	}
	return cfg
}

// GuardResult is the outcome of checking one user message.
type GuardResult struct {
	Allowed   bool
	Reason    string
	Sanitized string
}

// CheckInput validates and sanitizes a user message before it is embedded
// or completed. Rejection reasons are safe to surface to the caller.
func (g GuardConfig) CheckInput(input string) GuardResult {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return GuardResult{Reason: "message is empty"}
	}
	if g.MaxInputChars > 0 && len([]rune(trimmed)) > g.MaxInputChars {
		return GuardResult{Reason: fmt.Sprintf("message exceeds %d characters", g.MaxInputChars)}
	}
	lowered := strings.ToLower(trimmed)
	for _, phrase := range g.BannedPhrases {
		if strings.Contains(lowered, phrase) {
			return GuardResult{Reason: "message contains disallowed content"}
		}
	}
	return GuardResult{Allowed: true, Sanitized: RedactPII(trimmed)}
}

// RedactPII replaces identifier-shaped substrings with a placeholder. It is
// applied to both inbound questions and outbound answers.
func RedactPII(text string) string {
	for _, pattern := range piiPatterns {
		text = pattern.ReplaceAllString(text, redactedPlaceholder)
	}
	return text
}

// HistoryTurn is one prior exchange supplied by the caller.
type HistoryTurn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

const historyTurnLimit = 400

// SummarizeHistory flattens prior turns into prompt-ready lines, capping
// each turn so a single long message cannot crowd out the context.
func SummarizeHistory(turns []HistoryTurn) string {
	if len(turns) == 0 {
		return ""
	}
	lines := make([]string, 0, len(turns))
	for _, turn := range turns {
		role := strings.ToLower(strings.TrimSpace(turn.Role))
		if role != "user" && role != "assistant" {
			continue
		}
		text := strings.TrimSpace(turn.Text)
		if text == "" {
			continue
		}
		if runes := []rune(text); len(runes) > historyTurnLimit {
			text = string(runes[:historyTurnLimit]) + "…"
		}
		lines = append(lines, role+": "+RedactPII(text))
	}
	return strings.Join(lines, "\n")
}
