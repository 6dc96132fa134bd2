package vars

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/agnivade/levenshtein"
)

// ---------------------------------------------------------------------------
// Key/value safety rules
// ---------------------------------------------------------------------------
//
// Every value that touches persistence or the rendering surface passes
// through these checks. One invalid variable never blocks the rest of a
// batch; callers collect the per-key errors and continue.

const maxValueLen = 1000

// keyPattern: "--" prefix, then at least two of [a-z0-9-].
var keyPattern = regexp.MustCompile(`^--[a-z0-9-]{2,}$`)

// unsafeTokens are scheme/function fragments that must never reach the
// surface, checked case-insensitively.
var unsafeTokens = []string{
	"javascript:",
	"vbscript:",
	"data:",
	"expression(",
	"url(",
	"<",
}

// ValidationError describes one rejected key or value. Suggestion, when
// non-empty, names the closest known variable to a misspelt key.
type ValidationError struct {
	Key        string
	Reason     string
	Suggestion string
}

func (e *ValidationError) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("invalid variable %q: %s (did you mean %q?)", e.Key, e.Reason, e.Suggestion)
	}
	return fmt.Sprintf("invalid variable %q: %s", e.Key, e.Reason)
}

// ValidateKey checks the variable name shape. known, when non-empty, feeds
// the nearest-name suggestion on failure.
func ValidateKey(key string, known []string) error {
	if keyPattern.MatchString(key) {
		return nil
	}
	return &ValidationError{
		Key:        key,
		Reason:     "name must match ^--[a-z0-9-]{2,}$",
		Suggestion: nearest(key, known),
	}
}

// ValidateValue checks a single value against the safety rules: non-empty,
// bounded length, no control characters, no unsafe scheme tokens.
func ValidateValue(key, value string) error {
	switch {
	case value == "":
		return &ValidationError{Key: key, Reason: "value is empty"}
	case len(value) > maxValueLen:
		return &ValidationError{Key: key, Reason: fmt.Sprintf("value exceeds %d bytes", maxValueLen)}
	}
	for _, r := range value {
		if unicode.IsControl(r) {
			return &ValidationError{Key: key, Reason: "value contains control characters"}
		}
	}
	lower := strings.ToLower(value)
	for _, tok := range unsafeTokens {
		if strings.Contains(lower, tok) {
			return &ValidationError{Key: key, Reason: fmt.Sprintf("value contains unsafe token %q", tok)}
		}
	}
	return nil
}

// Sanitize validates every entry of m and returns the clean subset plus the
// per-key rejections. The input map is not mutated.
func Sanitize(m map[string]string, known []string) (map[string]string, []*ValidationError) {
	clean := make(map[string]string, len(m))
	var rejected []*ValidationError
	for k, v := range m {
		if err := ValidateKey(k, known); err != nil {
			rejected = append(rejected, err.(*ValidationError))
			continue
		}
		if err := ValidateValue(k, v); err != nil {
			rejected = append(rejected, err.(*ValidationError))
			continue
		}
		clean[k] = v
	}
	return clean, rejected
}

// nearest returns the known name closest to key, or "" when nothing is
// plausibly close (distance > 3).
func nearest(key string, known []string) string {
	best, bestDist := "", 4
	for _, k := range known {
		if d := levenshtein.ComputeDistance(key, k); d < bestDist {
			best, bestDist = k, d
		}
	}
	return best
}
