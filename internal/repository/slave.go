package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vulncore/scanmgr/internal/apperr"
	"github.com/vulncore/scanmgr/internal/domain"
	"github.com/vulncore/scanmgr/internal/store"
)

// SlaveRepository is the typed accessor over the slaves table.
type SlaveRepository struct {
	*store.BaseRepo
}

// NewSlaveRepository binds a SlaveRepository to s.
func NewSlaveRepository(s *store.Store) *SlaveRepository {
	return &SlaveRepository{BaseRepo: store.NewBaseRepo(s, "slaves")}
}

const slaveColumns = `rid, uuid, owner, name, comment, host, port, login, password`

func scanSlave(row interface{ Scan(dest ...any) error }) (*domain.Slave, error) {
	var s domain.Slave
	err := row.Scan(&s.RID, &s.UUID, &s.Owner, &s.Name, &s.Comment, &s.Host, &s.Port, &s.Login, &s.Password)
	return &s, err
}

// FindByUUID resolves uuid to a Slave visible to the session.
func (r *SlaveRepository) FindByUUID(ctx context.Context, uuid string, userRID int64, privileged bool) (*domain.Slave, bool, error) {
	rid, ok, err := r.RIDForUUID(ctx, uuid, userRID, privileged)
	if err != nil || !ok {
		return nil, ok, err
	}
	q := r.S.ReadQuerier(ctx)
	row := q.QueryRowContext(ctx, "SELECT "+slaveColumns+" FROM slaves WHERE rid = ?", rid)
	s, err := scanSlave(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("find slave by rid: %w", err)
	}
	return s, true, nil
}

// Create inserts a new slave.
func (r *SlaveRepository) Create(ctx context.Context, ownerRID int64, s *domain.Slave) (*domain.Slave, error) {
	var created *domain.Slave
	err := r.WithTx(ctx, func(ctx context.Context) error {
		q := r.S.Querier(ctx)
		owner := sql.NullInt64{Int64: ownerRID, Valid: true}
		conflict, err := r.NameConflict(ctx, q, s.Name, owner, 0)
		if err != nil {
			return err
		}
		if conflict {
			return apperr.Exists("slave", s.Name)
		}
		uuid := store.MakeUUID()
		res, err := r.S.Exec(ctx, q, `INSERT INTO slaves (uuid, owner, name, comment, host, port, login, password)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, uuid, owner, s.Name, s.Comment, s.Host, s.Port, s.Login, s.Password)
		if err != nil {
			return fmt.Errorf("insert slave: %w", err)
		}
		rid, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("insert slave: %w", err)
		}
		row := q.QueryRowContext(ctx, "SELECT "+slaveColumns+" FROM slaves WHERE rid = ?", rid)
		created, err = scanSlave(row)
		return err
	})
	return created, err
}

// Delete removes a slave, refusing while any task still delegates to it.
func (r *SlaveRepository) Delete(ctx context.Context, rid int64) error {
	return r.WithTx(ctx, func(ctx context.Context) error {
		q := r.S.Querier(ctx)
		var used bool
		if err := q.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM tasks WHERE slave_ref = ?)", rid).Scan(&used); err != nil {
			return fmt.Errorf("check slave in use: %w", err)
		}
		if used {
			return apperr.InUse("slave", fmt.Sprint(rid))
		}
		if _, err := r.S.Exec(ctx, q, "DELETE FROM slaves WHERE rid = ?", rid); err != nil {
			return fmt.Errorf("delete slave: %w", err)
		}
		return nil
	})
}

// AgentRepository is the typed accessor over the agents table.
type AgentRepository struct {
	*store.BaseRepo
}

// NewAgentRepository binds an AgentRepository to s.
func NewAgentRepository(s *store.Store) *AgentRepository {
	return &AgentRepository{BaseRepo: store.NewBaseRepo(s, "agents")}
}

const agentColumns = `rid, uuid, owner, name, comment, installer, installer_64, installer_filename,
	installer_signature_64, installer_trust, installer_trust_time, howto_install, howto_use`

func scanAgent(row interface{ Scan(dest ...any) error }) (*domain.Agent, error) {
	var a domain.Agent
	err := row.Scan(&a.RID, &a.UUID, &a.Owner, &a.Name, &a.Comment, &a.Installer, &a.Installer64,
		&a.InstallerFilename, &a.InstallerSignature64, &a.InstallerTrust, &a.InstallerTrustTime,
		&a.HowtoInstall, &a.HowtoUse)
	return &a, err
}

// SetTrust updates an agent's installer trust outcome.
func (r *AgentRepository) SetTrust(ctx context.Context, rid int64, trust domain.TrustLevel, trustTime int64) error {
	return r.WithTx(ctx, func(ctx context.Context) error {
		q := r.S.Querier(ctx)
		_, err := r.S.Exec(ctx, q, "UPDATE agents SET installer_trust = ?, installer_trust_time = ? WHERE rid = ?", trust, trustTime, rid)
		if err != nil {
			return fmt.Errorf("set agent trust: %w", err)
		}
		return nil
	})
}

// FindByUUID resolves uuid to an Agent visible to the session.
func (r *AgentRepository) FindByUUID(ctx context.Context, uuid string, userRID int64, privileged bool) (*domain.Agent, bool, error) {
	rid, ok, err := r.RIDForUUID(ctx, uuid, userRID, privileged)
	if err != nil || !ok {
		return nil, ok, err
	}
	q := r.S.ReadQuerier(ctx)
	row := q.QueryRowContext(ctx, "SELECT "+agentColumns+" FROM agents WHERE rid = ?", rid)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("find agent by rid: %w", err)
	}
	return a, true, nil
}
