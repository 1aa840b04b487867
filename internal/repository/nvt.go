package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vulncore/scanmgr/internal/domain"
	"github.com/vulncore/scanmgr/internal/store"
)

// NVTRepository is the typed accessor over the nvts cache table,
// populated by the scanner protocol collaborator and read-only from
// every other path.
type NVTRepository struct {
	*store.BaseRepo
}

// NewNVTRepository binds an NVTRepository to s.
func NewNVTRepository(s *store.Store) *NVTRepository {
	return &NVTRepository{BaseRepo: store.NewBaseRepo(s, "nvts")}
}

const nvtColumns = `oid, name, family, version, cve, bid, xref, tag, cvss_base, risk_factor, category`

func scanNVT(row interface{ Scan(dest ...any) error }) (*domain.NVT, error) {
	var n domain.NVT
	err := row.Scan(&n.OID, &n.Name, &n.Family, &n.Version, &n.CVE, &n.BID, &n.Xref,
		&n.Tag, &n.CVSSBase, &n.RiskFactor, &n.Category)
	return &n, err
}

// FindByOID loads one cached NVT by its OID.
func (r *NVTRepository) FindByOID(ctx context.Context, oid string) (*domain.NVT, bool, error) {
	q := r.S.ReadQuerier(ctx)
	row := q.QueryRowContext(ctx, "SELECT "+nvtColumns+" FROM nvts WHERE oid = ?", oid)
	n, err := scanNVT(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("find nvt by oid: %w", err)
	}
	return n, true, nil
}

// DistinctFamilies returns every distinct family name present in the
// NVT universe, the input the selector engine folds family-count
// formulas over.
func (r *NVTRepository) DistinctFamilies(ctx context.Context) ([]string, error) {
	q := r.S.ReadQuerier(ctx)
	rows, err := q.QueryContext(ctx, "SELECT DISTINCT family FROM nvts ORDER BY family")
	if err != nil {
		return nil, fmt.Errorf("distinct families: %w", err)
	}
	defer rows.Close()

	var families []string
	for rows.Next() {
		var f string
		if err := rows.Scan(&f); err != nil {
			return nil, err
		}
		families = append(families, f)
	}
	return families, rows.Err()
}

// ListFamily returns every cached NVT belonging to family, for callers
// that need the member OIDs rather than just the count.
func (r *NVTRepository) ListFamily(ctx context.Context, family string) ([]*domain.NVT, error) {
	q := r.S.ReadQuerier(ctx)
	rows, err := q.QueryContext(ctx, "SELECT "+nvtColumns+" FROM nvts WHERE family = ? ORDER BY oid", family)
	if err != nil {
		return nil, fmt.Errorf("list family nvts: %w", err)
	}
	defer rows.Close()

	var out []*domain.NVT
	for rows.Next() {
		n, err := scanNVT(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// FamilyNVTCount returns the total number of cached NVTs in family.
func (r *NVTRepository) FamilyNVTCount(ctx context.Context, family string) (int, error) {
	q := r.S.ReadQuerier(ctx)
	var n int
	if err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM nvts WHERE family = ?", family).Scan(&n); err != nil {
		return 0, fmt.Errorf("family nvt count: %w", err)
	}
	return n, nil
}

// Upsert inserts or replaces a scanner-reported NVT, the sole write
// path onto this cache table.
func (r *NVTRepository) Upsert(ctx context.Context, q store.Querier, n *domain.NVT) error {
	_, err := r.S.Exec(ctx, q, `INSERT INTO nvts (oid, name, family, version, cve, bid, xref, tag, cvss_base, risk_factor, category)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(oid) DO UPDATE SET name=excluded.name, family=excluded.family, version=excluded.version,
			cve=excluded.cve, bid=excluded.bid, xref=excluded.xref, tag=excluded.tag,
			cvss_base=excluded.cvss_base, risk_factor=excluded.risk_factor, category=excluded.category`,
		n.OID, n.Name, n.Family, n.Version, n.CVE, n.BID, n.Xref, n.Tag, n.CVSSBase, n.RiskFactor, n.Category)
	if err != nil {
		return fmt.Errorf("upsert nvt: %w", err)
	}
	return nil
}
