package preview

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/image/colornames"
)

const fallbackHexColor = "#ffffff"

// ToHexColor normalizes a CSS color value into lowercase #rrggbb for color inputs. Fully
// transparent colors and anything unparseable map to white.
func ToHexColor(value string) string {
	lower := strings.ToLower(strings.TrimSpace(value))
	switch {
	case lower == "" || lower == "transparent":
		return fallbackHexColor
	case strings.HasPrefix(lower, "#"):
		if hex, ok := normalizeHex(lower[1:]); ok {
			return hex
		}
		return fallbackHexColor
	case strings.HasPrefix(lower, "rgb(") || strings.HasPrefix(lower, "rgba("):
		if hex, ok := rgbToHex(lower); ok {
			return hex
		}
		return fallbackHexColor
	}
	if named, ok := colornames.Map[lower]; ok {
		return fmt.Sprintf("#%02x%02x%02x", named.R, named.G, named.B)
	}
	return fallbackHexColor
}

// normalizeHex accepts rgb, rgba, rrggbb and rrggbbaa digit forms.
func normalizeHex(digits string) (string, bool) {
	if _, err := strconv.ParseUint(digits, 16, 32); err != nil {
		return "", false
	}
	switch len(digits) {
	case 3, 4:
		if len(digits) == 4 && digits[3] == '0' {
			return fallbackHexColor, true
		}
		expanded := make([]byte, 0, 6)
		for index := 0; index < 3; index++ {
			expanded = append(expanded, digits[index], digits[index])
		}
		return "#" + string(expanded), true
	case 6, 8:
		if len(digits) == 8 && digits[6:] == "00" {
			return fallbackHexColor, true
		}
		return "#" + digits[:6], true
	default:
		return "", false
	}
}

func rgbToHex(value string) (string, bool) {
	open := strings.Index(value, "(")
	closing := strings.LastIndex(value, ")")
	if open < 0 || closing <= open {
		return "", false
	}
	components := strings.FieldsFunc(value[open+1:closing], func(r rune) bool {
		return r == ',' || r == ' ' || r == '/'
	})
	if len(components) < 3 || len(components) > 4 {
		return "", false
	}
	if len(components) == 4 {
		alpha, ok := parseAlpha(components[3])
		if !ok {
			return "", false
		}
		if alpha <= 0 {
			return fallbackHexColor, true
		}
	}
	channels := make([]int, 3)
	for index := 0; index < 3; index++ {
		parsed, err := strconv.ParseFloat(components[index], 64)
		if err != nil {
			return "", false
		}
		channels[index] = clampChannel(parsed)
	}
	return fmt.Sprintf("#%02x%02x%02x", channels[0], channels[1], channels[2]), true
}

func parseAlpha(component string) (float64, bool) {
	scale := 1.0
	if trimmed, found := strings.CutSuffix(component, "%"); found {
		component = trimmed
		scale = 100
	}
	parsed, err := strconv.ParseFloat(component, 64)
	if err != nil {
		return 0, false
	}
	return parsed / scale, true
}

func clampChannel(value float64) int {
	switch {
	case value < 0:
		return 0
	case value > 255:
		return 255
	default:
		return int(value + 0.5)
	}
}
