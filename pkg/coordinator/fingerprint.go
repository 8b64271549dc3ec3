package coordinator

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"

	"github.com/prompt2frame/framegate/pkg/models"
)

// keyVersion prefixes every hashed key so the normalization rule can change
// without colliding with keys written under the old one.
const keyVersion = "v1"

// fingerprintBytes is the number of digest bytes kept in a key.
const fingerprintBytes = 16

// Normalize folds a prompt into its canonical form: control characters are
// dropped, whitespace runs collapse to one space, and the result is trimmed
// and lower-cased. Prompts that differ only in these respects are the same
// logical request.
func Normalize(prompt string) string {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return ' '
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, prompt)
	return strings.ToLower(strings.Join(strings.Fields(cleaned), " "))
}

// RenderKey fingerprints a rendered artifact: the normalized prompt plus the
// quality tier.
func RenderKey(prompt string, quality models.Quality) string {
	return hashKey(keyVersion + "|" + Normalize(prompt) + "|" + string(quality))
}

// PromptKey fingerprints a generated script. Quality does not affect the
// script, so every tier of one prompt shares it.
func PromptKey(prompt string) string {
	return hashKey(keyVersion + "|" + Normalize(prompt))
}

func hashKey(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:fingerprintBytes])
}
