package strategy

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Timeframe is a chart interval code.
type Timeframe string

const (
	M1  Timeframe = "M1"
	M5  Timeframe = "M5"
	M15 Timeframe = "M15"
	M30 Timeframe = "M30"
	H1  Timeframe = "H1"
	H4  Timeframe = "H4"
	D1  Timeframe = "D1"
	W1  Timeframe = "W1"
)

// durations fixes the global ordering M1 < M5 < ... < W1.
var durations = map[Timeframe]time.Duration{
	M1:  time.Minute,
	M5:  5 * time.Minute,
	M15: 15 * time.Minute,
	M30: 30 * time.Minute,
	H1:  time.Hour,
	H4:  4 * time.Hour,
	D1:  24 * time.Hour,
	W1:  7 * 24 * time.Hour,
}

// AllTimeframes lists every known timeframe in duration order.
func AllTimeframes() []Timeframe {
	return []Timeframe{M1, M5, M15, M30, H1, H4, D1, W1}
}

// ParseTimeframe accepts case-insensitive codes.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(strings.ToUpper(strings.TrimSpace(s)))
	if !tf.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownTimeframe, s)
	}
	return tf, nil
}

// Valid reports whether tf is one of the known codes.
func (tf Timeframe) Valid() bool {
	_, ok := durations[tf]
	return ok
}

// Duration returns the bar length.
func (tf Timeframe) Duration() time.Duration {
	return durations[tf]
}

// Combine returns the deduplicated union of the lists ordered by duration.
// Unknown codes are dropped.
func Combine(lists ...[]Timeframe) []Timeframe {
	seen := make(map[Timeframe]struct{})
	out := make([]Timeframe, 0, len(durations))
	for _, list := range lists {
		for _, tf := range list {
			if !tf.Valid() {
				continue
			}
			if _, dup := seen[tf]; dup {
				continue
			}
			seen[tf] = struct{}{}
			out = append(out, tf)
		}
	}
	sort.Slice(out, func(i, j int) bool { return durations[out[i]] < durations[out[j]] })
	return out
}

// Contains reports membership.
func Contains(list []Timeframe, tf Timeframe) bool {
	for _, v := range list {
		if v == tf {
			return true
		}
	}
	return false
}
