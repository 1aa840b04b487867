package domain

// NVT is a cached description of one Network Vulnerability Test,
// populated by the scanner via the external protocol collaborator and
// read-only from every other path.
type NVT struct {
	OID        string
	Name       string
	Family     string
	Version    string
	CVE        string
	BID        string
	Xref       string
	Tag        string
	CVSSBase   float64
	RiskFactor string
	Category   string
}

// SelectorRuleType distinguishes the three rule shapes an NVTSelector
// can contain.
type SelectorRuleType int

const (
	SelectorTypeAll    SelectorRuleType = 0
	SelectorTypeFamily SelectorRuleType = 1
	SelectorTypeNVT    SelectorRuleType = 2
)

// SelectorRule is one ordered rule in an NVT selector's rule list.
type SelectorRule struct {
	RID         int64
	Name        string
	Exclude     bool
	Type        SelectorRuleType
	FamilyOrNVT string
	Family      string
}

// PredefinedAllSelectorUUID is the fixed name of the "all" selector,
// the only selector referenced by the four predefined configs.
const PredefinedAllSelectorUUID = "54b45713-d4f4-4435-b20d-304c175ed8c5"
