package schedule

import (
	"testing"
	"time"

	"github.com/vulncore/scanmgr/internal/domain"
)

func unixUTC(year int, month time.Month, day, hour, min, sec int) int64 {
	return time.Date(year, month, day, hour, min, sec, 0, time.UTC).Unix()
}

// TestScheduleOneShot exercises S2: a zero-period schedule fires once
// at first_time and is exhausted afterward.
func TestScheduleOneShot(t *testing.T) {
	first := unixUTC(2024, time.June, 1, 9, 0, 0)
	s := &domain.Schedule{FirstTime: first}

	before := first - 1
	if StartDue(domain.RunStatusStopped, first, before) {
		t.Fatal("expected start_due false one second before first_time")
	}
	if got := NextFire(s, before); got != first {
		t.Fatalf("expected next_fire == first_time before it fires, got %d want %d", got, first)
	}

	if !StartDue(domain.RunStatusStopped, first, first) {
		t.Fatal("expected start_due true exactly at first_time")
	}

	// After the tick fires and schedule_next_time advances past first_time:
	after := first + 1
	next := NextFire(s, first+1)
	if next != 0 {
		t.Fatalf("expected a one-shot schedule to be exhausted (0) after its fire, got %d", next)
	}
	if StartDue(domain.RunStatusRequested, next, after) {
		t.Fatal("expected start_due false once the schedule is exhausted and the task is active")
	}
}

// TestScheduleMonthlyAcrossLeapBoundary exercises S3's literal
// day-of-month clamping sequence.
func TestScheduleMonthlyAcrossLeapBoundary(t *testing.T) {
	first := time.Date(2024, time.January, 31, 0, 0, 0, 0, time.UTC)
	want := []time.Time{
		time.Date(2024, time.January, 31, 0, 0, 0, 0, time.UTC),
		time.Date(2024, time.February, 29, 0, 0, 0, 0, time.UTC),
		time.Date(2024, time.March, 31, 0, 0, 0, 0, time.UTC),
		time.Date(2024, time.April, 30, 0, 0, 0, 0, time.UTC),
	}
	for k, w := range want {
		got := AddMonths(first, k)
		if !got.Equal(w) {
			t.Fatalf("AddMonths(k=%d): got %v, want %v", k, got, w)
		}
	}
}

func TestScheduleMonthlyNextFire(t *testing.T) {
	first := unixUTC(2024, time.January, 31, 0, 0, 0)
	s := &domain.Schedule{FirstTime: first, PeriodMonths: 1}

	feb29 := unixUTC(2024, time.February, 29, 0, 0, 0)
	mar31 := unixUTC(2024, time.March, 31, 0, 0, 0)

	if got := NextFire(s, first+1); got != feb29 {
		t.Fatalf("expected next fire after Jan 31 to be Feb 29, got %d want %d", got, feb29)
	}
	if got := NextFire(s, feb29+1); got != mar31 {
		t.Fatalf("expected next fire after Feb 29 to be Mar 31, got %d want %d", got, mar31)
	}
	if got := MostRecentFire(s, feb29); got != feb29 {
		t.Fatalf("expected most recent fire at Feb 29 to be itself, got %d want %d", got, feb29)
	}
	if got := MostRecentFire(s, feb29+1); got != feb29 {
		t.Fatalf("expected most recent fire just after Feb 29 to still be Feb 29, got %d want %d", got, feb29)
	}
}

func TestSchedulePeriodicFixedInterval(t *testing.T) {
	first := unixUTC(2024, time.June, 1, 0, 0, 0)
	s := &domain.Schedule{FirstTime: first, Period: 3600}

	if got := NextFire(s, first+1); got != first+3600 {
		t.Fatalf("expected next fire one hour later, got %d want %d", got, first+3600)
	}
	if got := NextFire(s, first+7200); got != first+7200 {
		t.Fatalf("expected next fire exactly at a boundary to be itself, got %d want %d", got, first+7200)
	}
	if got := MostRecentFire(s, first+5400); got != first+3600 {
		t.Fatalf("expected most recent fire to floor to the prior hour, got %d want %d", got, first+3600)
	}
}

func TestStopDueRequiresWindowAndActiveStatus(t *testing.T) {
	first := unixUTC(2024, time.June, 1, 0, 0, 0)
	s := &domain.Schedule{FirstTime: first, Period: 3600, Duration: 600}

	if StopDue(s, domain.RunStatusStopped, first+601) {
		t.Fatal("expected stop_due false for a terminal status")
	}
	if StopDue(s, domain.RunStatusRunning, first+599) {
		t.Fatal("expected stop_due false before the window elapses")
	}
	if !StopDue(s, domain.RunStatusRunning, first+601) {
		t.Fatal("expected stop_due true once the window has elapsed")
	}

	noWindow := &domain.Schedule{FirstTime: first, Period: 3600}
	if StopDue(noWindow, domain.RunStatusRunning, first+100000) {
		t.Fatal("expected stop_due false for a schedule with no duration window")
	}
}

func TestMonthsBetween(t *testing.T) {
	jan31 := time.Date(2024, time.January, 31, 0, 0, 0, 0, time.UTC)
	mar30 := time.Date(2024, time.March, 30, 0, 0, 0, 0, time.UTC)
	if got := MonthsBetween(jan31, mar30); got != 1 {
		t.Fatalf("expected 1 whole month between Jan 31 and Mar 30 (day not yet reached), got %d", got)
	}
	mar31 := time.Date(2024, time.March, 31, 0, 0, 0, 0, time.UTC)
	if got := MonthsBetween(jan31, mar31); got != 2 {
		t.Fatalf("expected 2 whole months between Jan 31 and Mar 31, got %d", got)
	}
}
