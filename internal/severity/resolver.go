// Package severity implements C6: resolving a result's effective
// severity through ordered override rules and aggregating threat
// levels and trend across a task's reports.
package severity

import (
	"context"
	"fmt"
	"sort"

	"github.com/vulncore/scanmgr/internal/domain"
	"github.com/vulncore/scanmgr/internal/repository"
	"github.com/vulncore/scanmgr/internal/store"
)

// Resolver computes effective severities and threat aggregates for a
// session.
type Resolver struct {
	overrides *repository.OverrideRepository
	reports   *repository.ReportRepository
	results   *repository.ResultRepository
}

// New creates a Resolver.
func New(overrides *repository.OverrideRepository, reports *repository.ReportRepository, results *repository.ResultRepository) *Resolver {
	return &Resolver{overrides: overrides, reports: reports, results: results}
}

// EffectiveSeverity resolves r's severity within task taskRef via an
// ordered override match. It returns the first
// override (by result DESC, task DESC, port DESC, threat_collation
// ASC) whose full predicate — including hosts_contains and owner
// visibility, which domain.Override.Matches deliberately leaves to the
// caller — matches r, else the raw type mapped to its threat token.
func (s *Resolver) EffectiveSeverity(ctx context.Context, r *domain.Result, taskRef, userRID int64, privileged bool) (domain.Threat, error) {
	cur, err := s.overrides.CandidatesForNVT(ctx, r.NVTOID, userRID, privileged)
	if err != nil {
		return "", fmt.Errorf("candidates for nvt %s: %w", r.NVTOID, err)
	}
	defer cur.Close()

	var candidates []*domain.Override
	for cur.Next() {
		o, err := repository.ScanOverrideCursor(cur)
		if err != nil {
			return "", fmt.Errorf("scan override: %w", err)
		}
		candidates = append(candidates, o)
	}
	if err := cur.Err(); err != nil {
		return "", err
	}

	sortCandidates(candidates)

	for _, o := range candidates {
		if !o.Matches(r, taskRef) {
			continue
		}
		if o.Hosts != "" && !store.HostsContains(o.Hosts, r.Host) {
			continue
		}
		return o.NewThreat, nil
	}
	return r.Type.Threat(), nil
}

// sortCandidates imposes the full ordering: SQL already sorts by
// (result_ref DESC, task_ref DESC, port DESC); this adds the
// threat_collation ASC tiebreak that has no SQL collation registered
// (moved to Go — see DESIGN.md), using a stable sort so the SQL-side
// ordering survives among exact ties.
func sortCandidates(candidates []*domain.Override) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.ResultRef != b.ResultRef {
			return a.ResultRef > b.ResultRef
		}
		if a.TaskRef != b.TaskRef {
			return a.TaskRef > b.TaskRef
		}
		if a.Port != b.Port {
			return a.Port > b.Port
		}
		return store.CompareMessageType(string(a.Threat), string(b.Threat)) < 0
	})
}

// threatLevel aggregates a report's results into its maximum effective
// threat, ordered per collate_message_type (here: the threat token
// order, since aggregation operates on already-resolved user-facing
// tokens).
func (s *Resolver) threatLevel(ctx context.Context, reportRID, taskRef, userRID int64, privileged bool) (domain.Threat, error) {
	cur, err := s.results.IterateForReport(ctx, reportRID)
	if err != nil {
		return "", fmt.Errorf("iterate results for report %d: %w", reportRID, err)
	}
	defer cur.Close()

	best := domain.ThreatNone
	bestRank := len(threatRank) // worse than any known rank
	for cur.Next() {
		r, err := repository.ScanResultCursor(cur)
		if err != nil {
			return "", fmt.Errorf("scan result: %w", err)
		}
		eff, err := s.EffectiveSeverity(ctx, r, taskRef, userRID, privileged)
		if err != nil {
			return "", err
		}
		rank, ok := threatRank[eff]
		if !ok {
			continue
		}
		if rank < bestRank {
			bestRank = rank
			best = eff
		}
	}
	return best, cur.Err()
}

var threatRank = map[domain.Threat]int{
	domain.ThreatHigh:          0,
	domain.ThreatMedium:        1,
	domain.ThreatLow:           2,
	domain.ThreatLog:           3,
	domain.ThreatDebug:         4,
	domain.ThreatFalsePositive: 5,
}

// TaskThreatLevel returns the maximum effective severity across the
// task's most recent completed report.
func (s *Resolver) TaskThreatLevel(ctx context.Context, taskRID, userRID int64, privileged bool) (domain.Threat, error) {
	rep, ok, err := s.reports.MostRecentCompleted(ctx, taskRID, 0)
	if err != nil {
		return "", err
	}
	if !ok {
		return domain.ThreatNone, nil
	}
	return s.threatLevel(ctx, rep.RID, taskRID, userRID, privileged)
}

// TaskPreviousThreatLevel returns the same aggregate over the task's
// second-most-recent completed report.
func (s *Resolver) TaskPreviousThreatLevel(ctx context.Context, taskRID, userRID int64, privileged bool) (domain.Threat, error) {
	rep, ok, err := s.reports.MostRecentCompleted(ctx, taskRID, 1)
	if err != nil {
		return "", err
	}
	if !ok {
		return domain.ThreatNone, nil
	}
	return s.threatLevel(ctx, rep.RID, taskRID, userRID, privileged)
}

// countsAtLevel counts results in reportRID whose effective severity
// equals level, used to break a trend tie at the highest populated
// level.
func (s *Resolver) countsAtLevel(ctx context.Context, reportRID, taskRef, userRID int64, privileged bool, level domain.Threat) (int, error) {
	cur, err := s.results.IterateForReport(ctx, reportRID)
	if err != nil {
		return 0, fmt.Errorf("iterate results for report %d: %w", reportRID, err)
	}
	defer cur.Close()

	count := 0
	for cur.Next() {
		r, err := repository.ScanResultCursor(cur)
		if err != nil {
			return 0, err
		}
		eff, err := s.EffectiveSeverity(ctx, r, taskRef, userRID, privileged)
		if err != nil {
			return 0, err
		}
		if eff == level {
			count++
		}
	}
	return count, cur.Err()
}

// TaskTrend reports "" if the task is running or has fewer than two
// completed reports; "up"/"down" if the maximum threat level differs
// between the two most recent completed reports; otherwise
// "more"/"less"/"same" by comparing counts at the shared highest
// populated level. use_overrides is accepted as a named parameter, but
// severity resolution already always applies overrides here —
// raw-severity trend is exposed separately by callers that pass
// apply_overrides=false to the report pipeline (C8), not by this
// aggregate.
func (s *Resolver) TaskTrend(ctx context.Context, taskRID int64, isRunning bool, userRID int64, privileged bool) (string, error) {
	if isRunning {
		return "", nil
	}
	latest, ok, err := s.reports.MostRecentCompleted(ctx, taskRID, 0)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", nil
	}
	prior, ok, err := s.reports.MostRecentCompleted(ctx, taskRID, 1)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", nil
	}

	latestLevel, err := s.threatLevel(ctx, latest.RID, taskRID, userRID, privileged)
	if err != nil {
		return "", err
	}
	priorLevel, err := s.threatLevel(ctx, prior.RID, taskRID, userRID, privileged)
	if err != nil {
		return "", err
	}

	latestRank, latestKnown := threatRank[latestLevel]
	priorRank, priorKnown := threatRank[priorLevel]
	if !latestKnown && !priorKnown {
		return "same", nil
	}
	if latestKnown != priorKnown {
		if latestKnown {
			return "up", nil
		}
		return "down", nil
	}
	if latestRank < priorRank {
		return "up", nil
	}
	if latestRank > priorRank {
		return "down", nil
	}

	latestCount, err := s.countsAtLevel(ctx, latest.RID, taskRID, userRID, privileged, latestLevel)
	if err != nil {
		return "", err
	}
	priorCount, err := s.countsAtLevel(ctx, prior.RID, taskRID, userRID, privileged, priorLevel)
	if err != nil {
		return "", err
	}
	switch {
	case latestCount > priorCount:
		return "more", nil
	case latestCount < priorCount:
		return "less", nil
	default:
		return "same", nil
	}
}
