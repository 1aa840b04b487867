// Package nvtselector implements C9: the set-algebra over the NVT
// universe that an nvt_selectors rule list describes, its two
// canonical representations, and the deterministic rewrite between
// them.
package nvtselector

import (
	"context"
	"fmt"

	"github.com/vulncore/scanmgr/internal/domain"
	"github.com/vulncore/scanmgr/internal/repository"
)

// Representation identifies which of the two canonical rule-list
// shapes a selector is currently written in.
type Representation int

const (
	// Constraining is representation (a): an ALL=include rule plus
	// FAMILY=exclude/NVT=include cherry-picks. The family set grows
	// automatically as new families are loaded.
	Constraining Representation = iota
	// Generating is representation (b): FAMILY=include/NVT=include/
	// NVT=exclude rules only, no ALL rule. The family set is static.
	Generating
)

// DetectRepresentation classifies rules by the presence of an
// ALL=include rule.
func DetectRepresentation(rules []*domain.SelectorRule) Representation {
	for _, r := range rules {
		if r.Type == domain.SelectorTypeAll && !r.Exclude {
			return Constraining
		}
	}
	return Generating
}

// Engine computes selector queries and performs representation
// rewrites against the NVT universe cached in the store.
type Engine struct {
	selectors *repository.NVTSelectorRepository
	nvts      *repository.NVTRepository
	configs   *repository.ConfigRepository
}

// New binds an Engine to its repositories.
func New(selectors *repository.NVTSelectorRepository, nvts *repository.NVTRepository, configs *repository.ConfigRepository) *Engine {
	return &Engine{selectors: selectors, nvts: nvts, configs: configs}
}

func familyExcludeSet(rules []*domain.SelectorRule) map[string]bool {
	set := map[string]bool{}
	for _, r := range rules {
		if r.Type == domain.SelectorTypeFamily && r.Exclude {
			set[r.FamilyOrNVT] = true
		}
	}
	return set
}

func familyIncludeSet(rules []*domain.SelectorRule) map[string]bool {
	set := map[string]bool{}
	for _, r := range rules {
		if r.Type == domain.SelectorTypeFamily && !r.Exclude {
			set[r.FamilyOrNVT] = true
		}
	}
	return set
}

func nvtExcludeCountInFamily(rules []*domain.SelectorRule, family string) int {
	n := 0
	for _, r := range rules {
		if r.Type == domain.SelectorTypeNVT && r.Exclude && r.Family == family {
			n++
		}
	}
	return n
}

// FamilyGrowing reports whether family's NVT membership auto-grows as
// new NVTs are loaded into it (the family_growing query).
func FamilyGrowing(rules []*domain.SelectorRule, family string) bool {
	switch DetectRepresentation(rules) {
	case Constraining:
		return !familyExcludeSet(rules)[family]
	default:
		return familyIncludeSet(rules)[family]
	}
}

// FamiliesGrowing reports whether the selector's family set itself
// grows automatically, true iff an ALL=include rule is present.
func FamiliesGrowing(rules []*domain.SelectorRule) bool {
	return DetectRepresentation(rules) == Constraining
}

// counts computes the aggregate (family_count, nvt_count,
// nvts_growing) for rules against the NVT universe. nvts_growing is
// true whenever at least one family in the selector auto-grows its
// membership, the config-level generalization of FamilyGrowing.
func (e *Engine) counts(ctx context.Context, rules []*domain.SelectorRule) (familyCount, nvtCount int, nvtsGrowing bool, err error) {
	universe, err := e.nvts.DistinctFamilies(ctx)
	if err != nil {
		return 0, 0, false, err
	}

	switch DetectRepresentation(rules) {
	case Constraining:
		excluded := familyExcludeSet(rules)
		familyCount = len(universe) - len(excluded)
		for _, fam := range universe {
			if excluded[fam] {
				continue
			}
			nvtsGrowing = true
			n, ferr := e.nvts.FamilyNVTCount(ctx, fam)
			if ferr != nil {
				return 0, 0, false, ferr
			}
			nvtCount += n - nvtExcludeCountInFamily(rules, fam)
		}
		for _, r := range rules {
			if r.Type == domain.SelectorTypeNVT && !r.Exclude && excluded[r.Family] {
				nvtCount++
			}
		}
	default:
		included := familyIncludeSet(rules)
		for fam := range included {
			familyCount++
			nvtsGrowing = true
			n, ferr := e.nvts.FamilyNVTCount(ctx, fam)
			if ferr != nil {
				return 0, 0, false, ferr
			}
			nvtCount += n - nvtExcludeCountInFamily(rules, fam)
		}
		extraFamilies := map[string]bool{}
		for _, r := range rules {
			if r.Type == domain.SelectorTypeNVT && !r.Exclude && !included[r.Family] {
				extraFamilies[r.Family] = true
				nvtCount++
			}
		}
		familyCount += len(extraFamilies)
	}
	return familyCount, nvtCount, nvtsGrowing, nil
}

// RecomputeCounts reloads selectorName's rules, recomputes
// family_count/nvt_count/families_growing/nvts_growing, and writes
// them onto configRID, maintaining invariant P2. Callers invoke this
// inside their own exclusive transaction whenever a selector's rule
// list changes.
func (e *Engine) RecomputeCounts(ctx context.Context, configRID int64, selectorName string) error {
	rules, err := e.selectors.Rules(ctx, selectorName)
	if err != nil {
		return fmt.Errorf("load selector rules: %w", err)
	}
	familyCount, nvtCount, nvtsGrowing, err := e.counts(ctx, rules)
	if err != nil {
		return fmt.Errorf("compute selector counts: %w", err)
	}
	familiesGrowing := FamiliesGrowing(rules)

	q := e.configs.S.Querier(ctx)
	if err := e.configs.SetCachedCounts(ctx, q, configRID, familyCount, nvtCount, familiesGrowing, nvtsGrowing); err != nil {
		return err
	}
	return nil
}

// SelectedOIDs computes the full set of NVT OIDs that rules select,
// used to verify that RewriteRepresentation preserves membership. Rules
// are folded in order: family-level rules set every member of that
// family, then NVT-level rules override the single OID they name.
func (e *Engine) SelectedOIDs(ctx context.Context, rules []*domain.SelectorRule) (map[string]bool, error) {
	families, err := e.nvts.DistinctFamilies(ctx)
	if err != nil {
		return nil, err
	}
	familyMembers := map[string][]string{}
	for _, fam := range families {
		oids, err := e.oidsInFamily(ctx, fam)
		if err != nil {
			return nil, err
		}
		familyMembers[fam] = oids
	}

	selected := map[string]bool{}
	defaultIncluded := false
	for _, r := range rules {
		switch r.Type {
		case domain.SelectorTypeAll:
			defaultIncluded = !r.Exclude
			for _, oids := range familyMembers {
				for _, oid := range oids {
					selected[oid] = defaultIncluded
				}
			}
		case domain.SelectorTypeFamily:
			for _, oid := range familyMembers[r.FamilyOrNVT] {
				selected[oid] = !r.Exclude
			}
		case domain.SelectorTypeNVT:
			selected[r.FamilyOrNVT] = !r.Exclude
		}
	}
	return selected, nil
}

func (e *Engine) oidsInFamily(ctx context.Context, family string) ([]string, error) {
	nvtList, err := e.nvts.ListFamily(ctx, family)
	if err != nil {
		return nil, err
	}
	oids := make([]string, 0, len(nvtList))
	for _, n := range nvtList {
		oids = append(oids, n.OID)
	}
	return oids, nil
}

// RewriteRepresentation converts selectorName's rule list to the
// opposite canonical representation, preserving the selected NVT set,
// and updates configRID's cached counts and growing flags. Runs inside
// one exclusive transaction to preserve the mode-switching invariant.
func (e *Engine) RewriteRepresentation(ctx context.Context, configRID int64, selectorName string) error {
	return e.configs.WithTx(ctx, func(ctx context.Context) error {
		rules, err := e.selectors.Rules(ctx, selectorName)
		if err != nil {
			return fmt.Errorf("load selector rules: %w", err)
		}

		var rewritten []*domain.SelectorRule
		switch DetectRepresentation(rules) {
		case Constraining:
			rewritten, err = e.toGenerating(ctx, rules)
		default:
			rewritten, err = e.toConstraining(ctx, rules)
		}
		if err != nil {
			return err
		}

		q := e.configs.S.Querier(ctx)
		if err := e.selectors.ReplaceRules(ctx, q, selectorName, rewritten); err != nil {
			return err
		}
		return e.RecomputeCounts(ctx, configRID, selectorName)
	})
}

// toGenerating rewrites a Constraining rule list into the equivalent
// Generating one: every non-excluded family becomes an explicit
// FAMILY=include, its NVT=exclude cherry-picks carry over unchanged,
// and NVT=include cherry-picks from excluded families become
// standalone NVT=include rules.
func (e *Engine) toGenerating(ctx context.Context, rules []*domain.SelectorRule) ([]*domain.SelectorRule, error) {
	universe, err := e.nvts.DistinctFamilies(ctx)
	if err != nil {
		return nil, err
	}
	excluded := familyExcludeSet(rules)

	var out []*domain.SelectorRule
	for _, fam := range universe {
		if excluded[fam] {
			continue
		}
		out = append(out, &domain.SelectorRule{Type: domain.SelectorTypeFamily, FamilyOrNVT: fam, Family: fam})
	}
	for _, r := range rules {
		if r.Type != domain.SelectorTypeNVT {
			continue
		}
		if r.Exclude && !excluded[r.Family] {
			out = append(out, r)
		}
		if !r.Exclude && excluded[r.Family] {
			out = append(out, r)
		}
	}
	return out, nil
}

// toConstraining rewrites a Generating rule list into the equivalent
// Constraining one: an ALL=include rule, FAMILY=exclude for every
// family not explicitly included, and the standalone NVT=include
// cherry-picks carried over as is, plus NVT=exclude cherry-picks from
// included families.
func (e *Engine) toConstraining(ctx context.Context, rules []*domain.SelectorRule) ([]*domain.SelectorRule, error) {
	included := familyIncludeSet(rules)

	out := []*domain.SelectorRule{{Type: domain.SelectorTypeAll}}
	families, err := e.distinctFamiliesExcluding(ctx, included)
	if err != nil {
		return nil, err
	}
	for _, fam := range families {
		out = append(out, &domain.SelectorRule{Type: domain.SelectorTypeFamily, Exclude: true, FamilyOrNVT: fam, Family: fam})
	}
	for _, r := range rules {
		if r.Type != domain.SelectorTypeNVT {
			continue
		}
		if r.Exclude && included[r.Family] {
			out = append(out, r)
		}
		if !r.Exclude && !included[r.Family] {
			out = append(out, r)
		}
	}
	return out, nil
}

func (e *Engine) distinctFamiliesExcluding(ctx context.Context, included map[string]bool) ([]string, error) {
	all, err := e.nvts.DistinctFamilies(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, fam := range all {
		if !included[fam] {
			out = append(out, fam)
		}
	}
	return out, nil
}
