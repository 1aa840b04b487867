package domain

import "database/sql"

// Report is one run of a task and its results.
type Report struct {
	RID            int64
	UUID           string
	Owner          sql.NullInt64
	Hidden         bool
	TaskRef        int64
	Date           int64
	StartTime      int64
	EndTime        int64
	Comment        string
	ScanRunStatus  RunStatus
	SlaveProgress  int
	SlaveTaskUUID  string
}

// IsTerminal reports whether the report's scan finished, so it becomes
// eligible for deletion.
func (r *Report) IsTerminal() bool {
	return r.ScanRunStatus.IsTerminal()
}

// Threat is a user-facing severity token, the report-level label used
// in aggregation.
type Threat string

const (
	ThreatHigh           Threat = "High"
	ThreatMedium         Threat = "Medium"
	ThreatLow            Threat = "Low"
	ThreatLog            Threat = "Log"
	ThreatDebug          Threat = "Debug"
	ThreatFalsePositive  Threat = "False Positive"
	ThreatNone           Threat = ""
)

// RawSeverityType is the raw scanner-reported severity label stored on
// a Result row, before any override is applied.
type RawSeverityType string

const (
	TypeSecurityHole    RawSeverityType = "Security Hole"
	TypeSecurityWarning RawSeverityType = "Security Warning"
	TypeSecurityNote    RawSeverityType = "Security Note"
	TypeLogMessage      RawSeverityType = "Log Message"
	TypeDebugMessage    RawSeverityType = "Debug Message"
	TypeFalsePositive   RawSeverityType = "False Positive"
)

// rawSeverityToThreat maps a scanner-reported message type to the
// user-facing threat token set aggregation operates over.
var rawSeverityToThreat = map[RawSeverityType]Threat{
	TypeSecurityHole:    ThreatHigh,
	TypeSecurityWarning: ThreatMedium,
	TypeSecurityNote:    ThreatLow,
	TypeLogMessage:      ThreatLog,
	TypeDebugMessage:    ThreatDebug,
	TypeFalsePositive:   ThreatFalsePositive,
}

// Threat maps a raw severity type to its user-facing threat token.
// Unrecognized types map to the zero Threat.
func (t RawSeverityType) Threat() Threat {
	return rawSeverityToThreat[t]
}

// Result is one scanner finding: (host, port, NVT, severity, description).
type Result struct {
	RID         int64
	UUID        string
	TaskRef     int64
	Subnet      string
	Host        string
	Port        string
	NVTOID      string
	Type        RawSeverityType
	Description string
}
