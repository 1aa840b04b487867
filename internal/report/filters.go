// Package report implements C8: building the canonical report XML,
// invoking a report format's external `generate` filter, and
// streaming the resulting artifact.
package report

import (
	"strings"

	"github.com/vulncore/scanmgr/internal/domain"
)

// Filters bundles render_report's filter parameters.
type Filters struct {
	SortOrder        string // "ascending" or "descending"
	SortField        string // "host", "port", "type", "nvt", or "" (report order)
	ResultHostsOnly  bool
	MinCVSSBase      float64
	Levels           string // chars of "hmlgdf"
	ApplyOverrides   bool
	SearchPhrase     string
	IncludeNotes     bool
	NotesDetails     bool
	IncludeOverrides bool
	OverridesDetails bool
	FirstResult      int
	MaxResults       int // 0 means unbounded
}

// DefaultFilters returns the filter set render_report uses when the
// caller supplies none: every level shown, overrides applied, no
// paging limit.
func DefaultFilters() Filters {
	return Filters{
		SortOrder:      "ascending",
		Levels:         "hmlgdf",
		ApplyOverrides: true,
		FirstResult:    1,
	}
}

var levelThreat = map[byte]domain.Threat{
	'h': domain.ThreatHigh,
	'm': domain.ThreatMedium,
	'l': domain.ThreatLow,
	'g': domain.ThreatLog,
	'd': domain.ThreatDebug,
	'f': domain.ThreatFalsePositive,
}

// threatToLevel is levelThreat inverted, for mapping an effective
// severity back to its filter letter.
var threatToLevel = func() map[domain.Threat]byte {
	m := make(map[domain.Threat]byte, len(levelThreat))
	for letter, threat := range levelThreat {
		m[threat] = letter
	}
	return m
}()

// allowsLevel reports whether f.Levels includes the filter letter for
// threat.
func (f Filters) allowsLevel(threat domain.Threat) bool {
	letter, ok := threatToLevel[threat]
	if !ok {
		return false
	}
	return strings.IndexByte(f.Levels, letter) >= 0
}

// matchesSearchPhrase reports whether r's description contains the
// search phrase (case-insensitive), or true if no phrase is set.
func (f Filters) matchesSearchPhrase(r *domain.Result) bool {
	if f.SearchPhrase == "" {
		return true
	}
	return strings.Contains(strings.ToLower(r.Description), strings.ToLower(f.SearchPhrase))
}

// categoryTag maps a threat token to the result_count XML tag name
// used by the canonical report shape.
func categoryTag(threat domain.Threat) string {
	switch threat {
	case domain.ThreatHigh:
		return "hole"
	case domain.ThreatMedium:
		return "warning"
	case domain.ThreatLow:
		return "info"
	case domain.ThreatLog:
		return "log"
	case domain.ThreatDebug:
		return "debug"
	case domain.ThreatFalsePositive:
		return "false_positive"
	default:
		return "log"
	}
}
