package severity

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vulncore/scanmgr/internal/domain"
	"github.com/vulncore/scanmgr/internal/migrations"
	"github.com/vulncore/scanmgr/internal/repository"
	"github.com/vulncore/scanmgr/internal/store"
)

const exampleTaskRID = 1

func openTestResolver(t *testing.T) (*store.Store, *Resolver) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(context.Background(), filepath.Join(dir, "tasks.db"), true, 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, migrations.Migrate(context.Background(), s))
	overrides := repository.NewOverrideRepository(s)
	reports := repository.NewReportRepository(s)
	results := repository.NewResultRepository(s)
	return s, New(overrides, reports, results)
}

// TestEffectiveSeverityOverrideReassignsThreat exercises S4: an override
// owned by the current user reassigns a matching result's severity to
// False Positive.
func TestEffectiveSeverityOverrideReassignsThreat(t *testing.T) {
	s, resolver := openTestResolver(t)
	ctx := context.Background()

	const ownerRID = 1
	overrides := repository.NewOverrideRepository(s)
	_, err := overrides.Create(ctx, ownerRID, &domain.Override{
		NVTOID:    "OID-A",
		Hosts:     "192.168.1.10",
		Port:      "80/tcp",
		Threat:    domain.TypeSecurityWarning,
		NewThreat: domain.ThreatFalsePositive,
	}, 1700000000)
	require.NoError(t, err)

	r := &domain.Result{
		RID:     1,
		TaskRef: exampleTaskRID,
		Host:    "192.168.1.10",
		Port:    "80/tcp",
		NVTOID:  "OID-A",
		Type:    domain.TypeSecurityWarning,
	}
	got, err := resolver.EffectiveSeverity(ctx, r, exampleTaskRID, ownerRID, false)
	require.NoError(t, err)
	require.Equal(t, domain.ThreatFalsePositive, got)
}

// TestEffectiveSeverityNoMatchFallsBackToRawType confirms a result with
// no matching override resolves to its raw type's mapped threat.
func TestEffectiveSeverityNoMatchFallsBackToRawType(t *testing.T) {
	_, resolver := openTestResolver(t)
	ctx := context.Background()

	r := &domain.Result{
		RID:     1,
		TaskRef: exampleTaskRID,
		Host:    "192.168.1.20",
		Port:    "443/tcp",
		NVTOID:  "OID-B",
		Type:    domain.TypeSecurityHole,
	}
	got, err := resolver.EffectiveSeverity(ctx, r, exampleTaskRID, 1, false)
	require.NoError(t, err)
	require.Equal(t, domain.ThreatHigh, got)
}

// TestEffectiveSeverityHostMismatchSkipsOverride confirms hosts_contains
// is enforced even though domain.Override.Matches does not check it.
func TestEffectiveSeverityHostMismatchSkipsOverride(t *testing.T) {
	s, resolver := openTestResolver(t)
	ctx := context.Background()

	const ownerRID = 1
	overrides := repository.NewOverrideRepository(s)
	_, err := overrides.Create(ctx, ownerRID, &domain.Override{
		NVTOID:    "OID-A",
		Hosts:     "10.0.0.0/24",
		Threat:    domain.TypeSecurityWarning,
		NewThreat: domain.ThreatFalsePositive,
	}, 1700000000)
	require.NoError(t, err)

	r := &domain.Result{
		RID:     1,
		TaskRef: exampleTaskRID,
		Host:    "192.168.1.10",
		Port:    "80/tcp",
		NVTOID:  "OID-A",
		Type:    domain.TypeSecurityWarning,
	}
	got, err := resolver.EffectiveSeverity(ctx, r, exampleTaskRID, ownerRID, false)
	require.NoError(t, err)
	require.Equal(t, domain.ThreatMedium, got, "override on a disjoint host range must be skipped")
}

// TestEffectiveSeverityUnprivilegedCannotSeeOthersOverride confirms an
// override owned by a different user is invisible to an unprivileged
// session.
func TestEffectiveSeverityUnprivilegedCannotSeeOthersOverride(t *testing.T) {
	s, resolver := openTestResolver(t)
	ctx := context.Background()

	const otherOwnerRID = 2
	_, err := s.WriteDB().ExecContext(ctx,
		"INSERT INTO users (rid, uuid, name, password) VALUES (?, ?, ?, ?)",
		otherOwnerRID, "11111111-1111-1111-1111-111111111111", "other", "")
	require.NoError(t, err)

	overrides := repository.NewOverrideRepository(s)
	_, err = overrides.Create(ctx, otherOwnerRID, &domain.Override{
		NVTOID:    "OID-A",
		Hosts:     "192.168.1.10",
		Threat:    domain.TypeSecurityWarning,
		NewThreat: domain.ThreatFalsePositive,
	}, 1700000000)
	require.NoError(t, err)

	r := &domain.Result{
		RID:     1,
		TaskRef: exampleTaskRID,
		Host:    "192.168.1.10",
		Port:    "80/tcp",
		NVTOID:  "OID-A",
		Type:    domain.TypeSecurityWarning,
	}
	const requestingUserRID = 1
	got, err := resolver.EffectiveSeverity(ctx, r, exampleTaskRID, requestingUserRID, false)
	require.NoError(t, err)
	require.Equal(t, domain.ThreatMedium, got, "another user's override must be invisible")
}

// TestTaskTrendEmptyWhenRunning exercises the P6-adjacent rule that
// trend is always "" while the task is active.
func TestTaskTrendEmptyWhenRunning(t *testing.T) {
	_, resolver := openTestResolver(t)
	ctx := context.Background()

	trend, err := resolver.TaskTrend(ctx, exampleTaskRID, true, 1, true)
	require.NoError(t, err)
	require.Empty(t, trend)
}

// TestTaskTrendFewerThanTwoReportsIsEmpty confirms a task with only one
// completed report (the seeded example report) reports no trend.
func TestTaskTrendFewerThanTwoReportsIsEmpty(t *testing.T) {
	_, resolver := openTestResolver(t)
	ctx := context.Background()

	trend, err := resolver.TaskTrend(ctx, exampleTaskRID, false, 1, true)
	require.NoError(t, err)
	require.Empty(t, trend)
}

// TestTaskTrendUpWhenSeverityWorsens exercises the "up" branch: two
// completed reports where the later one's maximum threat outranks the
// earlier one's.
func TestTaskTrendUpWhenSeverityWorsens(t *testing.T) {
	s, resolver := openTestResolver(t)
	ctx := context.Background()
	reports := repository.NewReportRepository(s)
	results := repository.NewResultRepository(s)

	q := s.WriteDB()
	// Dated after the seeded example report (stamped at migration time),
	// so these two are the task's most recent completed reports.
	base := time.Now().Unix()
	olderRID, _, err := reports.CreateForTaskStart(ctx, q, exampleTaskRID, sql.NullInt64{}, base+3600)
	require.NoError(t, err)
	require.NoError(t, reports.SetScanRunStatus(ctx, q, olderRID, domain.RunStatusDone))
	_, err = results.Add(ctx, q, olderRID, &domain.Result{
		TaskRef: exampleTaskRID, Host: "192.168.1.1", Port: "22/tcp", NVTOID: "OID-X", Type: domain.TypeSecurityNote,
	})
	require.NoError(t, err)

	newerRID, _, err := reports.CreateForTaskStart(ctx, q, exampleTaskRID, sql.NullInt64{}, base+7200)
	require.NoError(t, err)
	require.NoError(t, reports.SetScanRunStatus(ctx, q, newerRID, domain.RunStatusDone))
	_, err = results.Add(ctx, q, newerRID, &domain.Result{
		TaskRef: exampleTaskRID, Host: "192.168.1.1", Port: "22/tcp", NVTOID: "OID-Y", Type: domain.TypeSecurityHole,
	})
	require.NoError(t, err)

	trend, err := resolver.TaskTrend(ctx, exampleTaskRID, false, 1, true)
	require.NoError(t, err)
	require.Equal(t, "up", trend)
}
