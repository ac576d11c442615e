// Package moderation implements the read-time visibility gate and the
// pluggable tagging capabilities that feed it.
package moderation

import (
	"fmt"
	"strings"

	"github.com/and161185/polycentric-server/internal/errs"
)

// Mode selects how strictly untagged or unprocessed events are treated.
type Mode int

const (
	// ModeOff admits every event.
	ModeOff Mode = iota
	// ModeLazy admits events that have not been processed yet.
	ModeLazy
	// ModeStrong hides events until they have been processed.
	ModeStrong
)

func (m Mode) String() string {
	switch m {
	case ModeOff:
		return "off"
	case ModeLazy:
		return "lazy"
	case ModeStrong:
		return "strong"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode parses "off", "lazy" or "strong".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "off", "":
		return ModeOff, nil
	case "lazy":
		return ModeLazy, nil
	case "strong":
		return ModeStrong, nil
	default:
		return ModeOff, fmt.Errorf("moderation mode %q: %w", s, errs.ErrMalformed)
	}
}

// Filter limits a named tag to MaxLevel. Strict treats a missing tag as a failure.
type Filter struct {
	Tag      string
	MaxLevel int
	Strict   bool
}

// Tags maps tag names to levels. A nil map means the event has not been processed.
type Tags map[string]int

// DefaultFilters are applied when a request carries none.
func DefaultFilters() []Filter {
	return []Filter{
		{Tag: "csam", MaxLevel: 0, Strict: false},
		{Tag: "sexual", MaxLevel: 1, Strict: false},
		{Tag: "violence", MaxLevel: 1, Strict: false},
	}
}

// Admits reports whether an event carrying tags is visible under filters and mode.
func Admits(tags Tags, filters []Filter, mode Mode) bool {
	switch mode {
	case ModeOff:
		return true
	case ModeLazy:
		if tags == nil {
			return true
		}
	case ModeStrong:
		if tags == nil {
			return false
		}
	default:
		return false
	}
	for _, f := range filters {
		if !f.passes(tags) {
			return false
		}
	}
	return true
}

func (f Filter) passes(tags Tags) bool {
	level, ok := tags[f.Tag]
	if !ok {
		return !f.Strict
	}
	return level <= f.MaxLevel
}

// Policy is a mode together with the filters a request asked for.
type Policy struct {
	Mode    Mode
	Filters []Filter
}

// Unfiltered admits every event.
var Unfiltered = Policy{Mode: ModeOff}

// Admits applies the policy to one event's tags.
func (p Policy) Admits(tags Tags) bool { return Admits(tags, p.Filters, p.Mode) }

// Predicate renders the policy over column; see Predicate.
func (p Policy) Predicate(column string, argOffset int) (string, []any) {
	return Predicate(p.Mode, p.Filters, column, argOffset)
}

// PolicyFor pairs the configured mode with the request's filters, falling
// back to DefaultFilters when the request names none.
func PolicyFor(mode Mode, filters []Filter) Policy {
	if len(filters) == 0 {
		filters = DefaultFilters()
	}
	return Policy{Mode: mode, Filters: filters}
}
