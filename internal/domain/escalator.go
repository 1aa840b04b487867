package domain

import "database/sql"

// EventCode names the kind of task event an escalator reacts to.
type EventCode string

const EventTaskRunStatusChanged EventCode = "TASK_RUN_STATUS_CHANGED"

// ConditionCode names the aggregate-threat predicate gating dispatch.
type ConditionCode string

const (
	ConditionAlways               ConditionCode = "ALWAYS"
	ConditionThreatLevelAtLeast   ConditionCode = "THREAT_LEVEL_AT_LEAST"
	ConditionThreatLevelChanged   ConditionCode = "THREAT_LEVEL_CHANGED"
)

// MethodCode names the dispatch transport.
type MethodCode string

const (
	MethodEmail   MethodCode = "EMAIL"
	MethodHTTPGet MethodCode = "HTTP_GET"
	MethodSyslog  MethodCode = "SYSLOG"
)

// Escalator binds an event, a condition, and a dispatch method, each
// carrying its own named string parameters in a side table.
type Escalator struct {
	RID           int64
	UUID          string
	Owner         sql.NullInt64
	Name          string
	Comment       string
	EventCode     EventCode
	ConditionCode ConditionCode
	MethodCode    MethodCode

	ConditionData map[string]string
	EventData     map[string]string
	MethodData    map[string]string
}
