package domain

import "database/sql"

// Schedule is a periodic or one-shot time specification driving
// automatic task starts and optional windowed stops.
type Schedule struct {
	RID          int64
	UUID         string
	Owner        sql.NullInt64
	Name         string
	Comment      string
	FirstTime    int64
	Period       int64
	PeriodMonths int
	Duration     int64
}

// IsMonthly reports whether the schedule uses calendar-month
// periodicity rather than a fixed-second period.
func (s *Schedule) IsMonthly() bool {
	return s.Period == 0 && s.PeriodMonths > 0
}

// IsOneShot reports whether the schedule fires exactly once.
func (s *Schedule) IsOneShot() bool {
	return s.Period == 0 && s.PeriodMonths == 0
}

// HasWindow reports whether a running scan under this schedule is
// subject to an enforced stop duration.
func (s *Schedule) HasWindow() bool {
	return s.Duration > 0
}

// Slave is a remote manager instance to which a task may delegate its scan.
type Slave struct {
	RID      int64
	UUID     string
	Owner    sql.NullInt64
	Name     string
	Comment  string
	Host     string
	Port     int
	Login    string
	Password sql.NullString
}
