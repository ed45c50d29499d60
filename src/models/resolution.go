package models

import (
	"cmp"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

type ResolutionKind uint8

const (
	ResolutionInstant ResolutionKind = iota
	ResolutionTicks
	ResolutionSeconds
	ResolutionMinutes
	ResolutionHours
	ResolutionDays
	ResolutionWeeks
)

var resolutionSuffix = map[ResolutionKind]string{
	ResolutionTicks:   "t",
	ResolutionSeconds: "s",
	ResolutionMinutes: "m",
	ResolutionHours:   "h",
	ResolutionDays:    "d",
	ResolutionWeeks:   "w",
}

var resolutionUnit = map[ResolutionKind]time.Duration{
	ResolutionSeconds: time.Second,
	ResolutionMinutes: time.Minute,
	ResolutionHours:   time.Hour,
	ResolutionDays:    24 * time.Hour,
	ResolutionWeeks:   7 * 24 * time.Hour,
}

// maxCount is the largest N of kind whose period fits a time.Duration.
func maxCount(kind ResolutionKind) uint64 {
	if unit, ok := resolutionUnit[kind]; ok {
		return uint64(math.MaxInt64 / int64(unit))
	}
	return math.MaxInt64
}

// -----------------------------------------------------------------------------

// Resolution is Instant, or a count N of ticks or of a time unit.
type Resolution struct {
	Kind ResolutionKind
	N    uint64
}

func Instant() Resolution { return Resolution{Kind: ResolutionInstant} }
func Ticks(n uint64) Resolution { return Resolution{Kind: ResolutionTicks, N: n} }
func Seconds(n uint64) Resolution { return Resolution{Kind: ResolutionSeconds, N: n} }
func Minutes(n uint64) Resolution { return Resolution{Kind: ResolutionMinutes, N: n} }
func Hours(n uint64) Resolution { return Resolution{Kind: ResolutionHours, N: n} }
func Days(n uint64) Resolution { return Resolution{Kind: ResolutionDays, N: n} }
func Weeks(n uint64) Resolution { return Resolution{Kind: ResolutionWeeks, N: n} }

// -----------------------------------------------------------------------------

// Duration is zero for Instant and Ticks, and for counts too large to be a
// time.Duration.
func (r Resolution) Duration() time.Duration {
	unit, ok := resolutionUnit[r.Kind]
	if !ok || r.N > maxCount(r.Kind) {
		return 0
	}
	return time.Duration(r.N) * unit
}

// -----------------------------------------------------------------------------

// IsTimeBased reports whether bars of this resolution align to the clock.
func (r Resolution) IsTimeBased() bool {
	return r.Kind >= ResolutionSeconds
}

// -----------------------------------------------------------------------------

func (r Resolution) Compare(o Resolution) int {
	if c := cmp.Compare(r.Kind, o.Kind); c != 0 {
		return c
	}
	return cmp.Compare(r.N, o.N)
}

// -----------------------------------------------------------------------------

func (r Resolution) String() string {
	if r.Kind == ResolutionInstant {
		return "instant"
	}
	return strconv.FormatUint(r.N, 10) + resolutionSuffix[r.Kind]
}

// -----------------------------------------------------------------------------

// ParseResolution accepts "instant" or "<n><t|s|m|h|d|w>".
func ParseResolution(s string) (Resolution, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "instant" {
		return Instant(), nil
	}
	if len(s) < 2 {
		return Resolution{}, fmt.Errorf("invalid resolution %q", s)
	}
	n, err := strconv.ParseUint(s[:len(s)-1], 10, 64)
	if err != nil || n == 0 {
		return Resolution{}, fmt.Errorf("invalid resolution %q", s)
	}
	suffix := s[len(s)-1:]
	for kind, sfx := range resolutionSuffix {
		if sfx != suffix {
			continue
		}
		if n > maxCount(kind) {
			return Resolution{}, fmt.Errorf("resolution %q is too large", s)
		}
		return Resolution{Kind: kind, N: n}, nil
	}
	return Resolution{}, fmt.Errorf("invalid resolution unit in %q", s)
}

// -----------------------------------------------------------------------------

func (r Resolution) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// -----------------------------------------------------------------------------

func (r *Resolution) UnmarshalText(b []byte) error {
	parsed, err := ParseResolution(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
