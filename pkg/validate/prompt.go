// Package validate checks user prompts before they reach the pipeline and
// generated scripts before they reach the renderer.
package validate

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

const (
	MinPromptLength = 3
	MaxPromptLength = 500
)

// ErrInvalidPrompt wraps every prompt rejection.
var ErrInvalidPrompt = errors.New("invalid prompt")

// Prompt patterns that look like attempts to smuggle code into the
// generated script.
var dangerousPromptPatterns = compileAll(
	// filesystem
	`\bopen\s*\(`, `\bfile\s*\(`, `\bread\s*\(`, `\bwrite\s*\(`,
	`\bos\.`, `\bpath\.`, `__file__`, `__path__`,
	// network
	`\burllib\b`, `\brequests\b`, `\bsocket\b`, `\bhttp\.`, `\bftp\b`,
	// process / evaluation
	`\bsubprocess\b`, `\bsystem\(`, `\bexec\(`, `\beval\(`, `\bcompile\(`, `__import__`,
	// sql
	`\bsql\b`, `\binsert\b.*\binto\b`, `\bselect\b.*\bfrom\b`, `\bdrop\b.*\btable\b`,
	// introspection
	`globals\(`, `locals\(`, `vars\(`, `dir\(`,
)

func compileAll(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(`(?i)` + p)
	}
	return out
}

// SanitizePrompt drops NUL and control characters, collapses whitespace
// runs to one space, and truncates to MaxPromptLength runes.
func SanitizePrompt(prompt string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\t':
			return ' '
		case unicode.IsControl(r) || !unicode.IsPrint(r) && !unicode.IsSpace(r):
			return -1
		}
		return r
	}, prompt)
	cleaned = strings.Join(strings.Fields(cleaned), " ")

	if r := []rune(cleaned); len(r) > MaxPromptLength {
		cleaned = strings.TrimSpace(string(r[:MaxPromptLength]))
	}
	return cleaned
}

// Prompt validates a raw prompt. The returned error wraps ErrInvalidPrompt.
func Prompt(prompt string) error {
	trimmed := strings.TrimSpace(prompt)
	n := len([]rune(trimmed))
	switch {
	case n == 0:
		return fmt.Errorf("%w: prompt cannot be empty", ErrInvalidPrompt)
	case n < MinPromptLength:
		return fmt.Errorf("%w: prompt is too short (minimum %d characters)", ErrInvalidPrompt, MinPromptLength)
	case n > MaxPromptLength:
		return fmt.Errorf("%w: prompt is too long (maximum %d characters)", ErrInvalidPrompt, MaxPromptLength)
	}

	for _, re := range dangerousPromptPatterns {
		if re.MatchString(trimmed) {
			return fmt.Errorf("%w: prompt contains potentially unsafe content; describe visual animations only", ErrInvalidPrompt)
		}
	}

	special := 0
	for _, r := range trimmed {
		if strings.ContainsRune("!@#$%^&*()_+=", r) {
			special++
		}
	}
	if float64(special)/float64(n) > 0.3 {
		return fmt.Errorf("%w: prompt contains too many special characters", ErrInvalidPrompt)
	}

	if hasRun(trimmed, 11) {
		return fmt.Errorf("%w: prompt contains excessive repeated characters", ErrInvalidPrompt)
	}
	return nil
}

// hasRun reports whether s contains the same rune n or more times in a row.
func hasRun(s string, n int) bool {
	var prev rune
	run := 0
	for i, r := range s {
		if i > 0 && r == prev {
			run++
		} else {
			run = 1
		}
		if run >= n {
			return true
		}
		prev = r
	}
	return false
}
