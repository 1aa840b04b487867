package domain

import "database/sql"

// Note attaches commentary to results matching a scope filter. It
// applies whenever its non-empty scope fields match a result.
type Note struct {
	RID              int64
	UUID             string
	Owner            sql.NullInt64
	NVTOID           string
	CreationTime     int64
	ModificationTime int64
	Text             string
	Hosts            string
	Port             string
	Threat           RawSeverityType
	TaskRef          int64
	ResultRef        int64
}

// Override is like a Note but also reassigns the effective severity of
// any matching result to NewThreat.
type Override struct {
	RID              int64
	UUID             string
	Owner            sql.NullInt64
	NVTOID           string
	CreationTime     int64
	ModificationTime int64
	Text             string
	Hosts            string
	Port             string
	Threat           RawSeverityType
	NewThreat        Threat
	TaskRef          int64
	ResultRef        int64
}

// Matches reports whether o applies to result r within the task whose
// rid is taskRef. It checks every clause except hosts_contains and
// owner visibility: those are
// applied by the caller (internal/severity), since hosts_contains lives
// in internal/store and domain must not import it.
func (o *Override) Matches(r *Result, taskRef int64) bool {
	if o.NVTOID != r.NVTOID {
		return false
	}
	if o.TaskRef != 0 && o.TaskRef != taskRef {
		return false
	}
	if o.ResultRef != 0 && o.ResultRef != r.RID {
		return false
	}
	if o.Port != "" && o.Port != r.Port {
		return false
	}
	if o.Threat != "" && o.Threat != r.Type {
		return false
	}
	return true
}
