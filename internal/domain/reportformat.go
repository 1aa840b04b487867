package domain

import "database/sql"

// ReportFormat is an external generate-script plugin turning the
// internal XML into a final artifact.
type ReportFormat struct {
	RID         int64
	UUID        string
	Owner       sql.NullInt64
	Name        string
	Extension   string
	ContentType string
	Summary     string
	Description string
	Trust       TrustLevel
	TrustTime   int64
	Flags       int
}

// Active reports whether flag bit 0 is set.
func (f *ReportFormat) Active() bool {
	return f.Flags&1 != 0
}

// PredefinedReportFormatUUID names the fixed UUIDs of the eight seeded
// report formats.
var PredefinedReportFormatUUID = map[string]string{
	"CPE":  "a0704abb-2120-4ff8-b25f-c5c03b7f5ad4",
	"HTML": "b993b6f5-f9fb-4e6e-9c94-dd46c00e1481",
	"ITG":  "929884c6-c2d7-441e-aeb9-e1d75ab1ce16",
	"LaTeX": "9f1ab17b-aa5a-4c7f-a6e5-29cf2fa6ae29",
	"NBE":  "f5c2a364-47d2-4700-b21d-0a7693daddab",
	"PDF":  "1a60a67e-97d4-4cbf-bc77-1c3cdb67881c",
	"TXT":  "19f6f1b3-7128-4433-888c-ccc764fe6ed5",
	"XML":  "d5da9f67-8551-4e51-807b-b6a873d70e34",
}

// ReportFormatParam is a parameterized configuration value on a report format.
type ReportFormatParam struct {
	RID            int64
	ReportFormatRef int64
	Name           string
	Type           string
	Value          string
}

// ReportFormatParamOption is one selectable value of an enum-typed param.
type ReportFormatParamOption struct {
	RID      int64
	ParamRef int64
	Value    string
}
