package cascade

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	colorful "github.com/lucasb-eyer/go-colorful"
)

// ---------------------------------------------------------------------------
// Built-in compute functions
// ---------------------------------------------------------------------------

// Scale multiplies a numeric token by factor, preserving its unit suffix:
// "16px" * 1.25 -> "20px", "1.5ch" * 2 -> "3ch".
func Scale(factor float64) Compute {
	return func(baseValue string) (string, error) {
		num, unit, err := splitUnit(baseValue)
		if err != nil {
			return "", err
		}
		return formatNumber(num*factor) + unit, nil
	}
}

// Lighten blends a hex color toward white by amount (0..1) in Lab space.
func Lighten(amount float64) Compute {
	return blendHex(colorful.Color{R: 1, G: 1, B: 1}, amount)
}

// Darken blends a hex color toward black by amount (0..1) in Lab space.
func Darken(amount float64) Compute {
	return blendHex(colorful.Color{}, amount)
}

func blendHex(target colorful.Color, amount float64) Compute {
	amount = math.Max(0, math.Min(1, amount))
	return func(baseValue string) (string, error) {
		c, err := colorful.Hex(strings.TrimSpace(baseValue))
		if err != nil {
			return "", fmt.Errorf("not a hex color %q: %w", baseValue, err)
		}
		return c.BlendLab(target, amount).Clamped().Hex(), nil
	}
}

// splitUnit separates "20px" into (20, "px"). The unit may be empty.
func splitUnit(s string) (float64, string, error) {
	s = strings.TrimSpace(s)
	i := len(s)
	for i > 0 {
		c := s[i-1]
		if (c >= '0' && c <= '9') || c == '.' {
			break
		}
		i--
	}
	numPart, unit := s[:i], s[i:]
	num, err := strconv.ParseFloat(numPart, 64)
	if err != nil {
		return 0, "", fmt.Errorf("not a numeric token %q", s)
	}
	return num, unit, nil
}

// formatNumber trims trailing zeros so 20.0 renders as "20".
func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
