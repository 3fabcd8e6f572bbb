package models

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// WindowSeconds is the width of a published object window. Windows are
// aligned to wall-clock minute boundaries divisible by five; the first window
// after startup may be shorter.
const WindowSeconds = 300

// NextWindowBoundary returns the next wall-clock-aligned window boundary
// strictly after now, in Unix seconds. A now that sits exactly on a boundary
// yields the following one.
func NextWindowBoundary(now float64) float64 {
	return math.Floor(now/WindowSeconds)*WindowSeconds + WindowSeconds
}

// FormatWindowKey builds the object key used by publishers:
// {source}/{collector}/{start}-{end} with the window bounds as Unix-seconds
// floats formatted with exactly six fractional digits.
func FormatWindowKey(source, collector string, start, end float64) string {
	return fmt.Sprintf("%s/%s/%.6f-%.6f", source, collector, start, end)
}

// ParseWindowKey splits a window object key back into its parts. The index
// itself never depends on this convention; it exists for publishers and for
// round-trip tests.
func ParseWindowKey(key string) (source, collector string, start, end float64, err error) {
	key = strings.TrimSuffix(key, ".json")
	parts := strings.Split(key, "/")
	if len(parts) != 3 {
		return "", "", 0, 0, fmt.Errorf("window key %q: want 3 segments", key)
	}
	source, collector = parts[0], parts[1]

	bounds := strings.SplitN(parts[2], "-", 2)
	if len(bounds) != 2 {
		return "", "", 0, 0, fmt.Errorf("window key %q: malformed bounds", key)
	}
	start, err = strconv.ParseFloat(bounds[0], 64)
	if err != nil {
		return "", "", 0, 0, fmt.Errorf("window key %q: %w", key, err)
	}
	end, err = strconv.ParseFloat(bounds[1], 64)
	if err != nil {
		return "", "", 0, 0, fmt.Errorf("window key %q: %w", key, err)
	}
	return source, collector, start, end, nil
}
