package repository

import (
	"context"
	"fmt"

	"github.com/vulncore/scanmgr/internal/domain"
	"github.com/vulncore/scanmgr/internal/store"
)

// NVTSelectorRepository is the typed accessor over nvt_selectors, the
// rule list backing every config's NVT coverage. Rows sharing a name
// form one selector; there is no separate selector header row.
type NVTSelectorRepository struct {
	*store.BaseRepo
}

// NewNVTSelectorRepository binds an NVTSelectorRepository to s.
func NewNVTSelectorRepository(s *store.Store) *NVTSelectorRepository {
	return &NVTSelectorRepository{BaseRepo: store.NewBaseRepo(s, "nvt_selectors")}
}

const selectorRuleColumns = `rid, name, exclude, type, family_or_nvt, family`

func scanSelectorRule(row interface{ Scan(dest ...any) error }) (*domain.SelectorRule, error) {
	var r domain.SelectorRule
	var exclude int
	err := row.Scan(&r.RID, &r.Name, &exclude, &r.Type, &r.FamilyOrNVT, &r.Family)
	r.Exclude = exclude != 0
	return &r, err
}

// Rules returns every rule belonging to selectorName, in insertion
// order (rid ascending), the order the set-algebra engine folds them.
func (r *NVTSelectorRepository) Rules(ctx context.Context, selectorName string) ([]*domain.SelectorRule, error) {
	q := r.S.ReadQuerier(ctx)
	rows, err := q.QueryContext(ctx, "SELECT "+selectorRuleColumns+" FROM nvt_selectors WHERE name = ? ORDER BY rid", selectorName)
	if err != nil {
		return nil, fmt.Errorf("load selector rules: %w", err)
	}
	defer rows.Close()

	var rules []*domain.SelectorRule
	for rows.Next() {
		rule, err := scanSelectorRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// AddRule appends one rule to selectorName within the caller's
// transaction.
func (r *NVTSelectorRepository) AddRule(ctx context.Context, q store.Querier, selectorName string, rule *domain.SelectorRule) error {
	_, err := r.S.Exec(ctx, q, `INSERT INTO nvt_selectors (name, exclude, type, family_or_nvt, family)
		VALUES (?, ?, ?, ?, ?)`, selectorName, boolToInt(rule.Exclude), rule.Type, rule.FamilyOrNVT, rule.Family)
	if err != nil {
		return fmt.Errorf("insert selector rule: %w", err)
	}
	return nil
}

// ReplaceRules clears every existing rule under selectorName and
// writes rules in their given order, within the caller's transaction.
// Used when a config's selector switches representation (growing to
// static or back).
func (r *NVTSelectorRepository) ReplaceRules(ctx context.Context, q store.Querier, selectorName string, rules []*domain.SelectorRule) error {
	if _, err := r.S.Exec(ctx, q, "DELETE FROM nvt_selectors WHERE name = ?", selectorName); err != nil {
		return fmt.Errorf("clear selector rules: %w", err)
	}
	for _, rule := range rules {
		if err := r.AddRule(ctx, q, selectorName, rule); err != nil {
			return err
		}
	}
	return nil
}

// CloneRules copies every rule from srcSelectorName to dstSelectorName
// within the caller's transaction, used when a config is created from
// an existing one and needs its own independent selector.
func (r *NVTSelectorRepository) CloneRules(ctx context.Context, q store.Querier, srcSelectorName, dstSelectorName string) error {
	rows, err := q.QueryContext(ctx, "SELECT "+selectorRuleColumns+" FROM nvt_selectors WHERE name = ? ORDER BY rid", srcSelectorName)
	if err != nil {
		return fmt.Errorf("load source selector: %w", err)
	}
	var rules []*domain.SelectorRule
	for rows.Next() {
		rule, err := scanSelectorRule(rows)
		if err != nil {
			rows.Close()
			return err
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, rule := range rules {
		if err := r.AddRule(ctx, q, dstSelectorName, rule); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes every rule under selectorName, unless it is the
// predefined "all" selector shared by the four predefined configs.
func (r *NVTSelectorRepository) Delete(ctx context.Context, selectorName string) error {
	if selectorName == domain.PredefinedAllSelectorUUID {
		return nil
	}
	return r.WithTx(ctx, func(ctx context.Context) error {
		q := r.S.Querier(ctx)
		if _, err := r.S.Exec(ctx, q, "DELETE FROM nvt_selectors WHERE name = ?", selectorName); err != nil {
			return fmt.Errorf("delete selector: %w", err)
		}
		return nil
	})
}
