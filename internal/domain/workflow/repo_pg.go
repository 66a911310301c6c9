package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinic/careflow/internal/platform/db"
)

const pgUniqueViolation = "23505"

type repoPG struct {
	pool *pgxpool.Pool
}

// NewPGPersistence stores instances in the careflow_workflow_instance table.
// The partial unique index on (entity_id, workflow_type) WHERE active backs
// the single-open-instance rule.
func NewPGPersistence(pool *pgxpool.Pool) Persistence {
	return &repoPG{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (r *repoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func (r *repoPG) Load(ctx context.Context, id string) (Record, error) {
	var rec Record
	var wfType string
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, entity_id, workflow_type, active, version, data
		FROM careflow_workflow_instance WHERE id = $1`, id,
	).Scan(&rec.ID, &rec.EntityID, &wfType, &rec.Active, &rec.Version, &rec.Data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, &NotFoundError{Kind: "workflow instance", ID: id}
		}
		return Record{}, fmt.Errorf("select workflow instance: %w", err)
	}
	rec.WorkflowType = WorkflowType(wfType)
	return rec, nil
}

func (r *repoPG) Save(ctx context.Context, rec Record, expectedVersion int64) error {
	if expectedVersion == 0 {
		_, err := r.conn(ctx).Exec(ctx, `
			INSERT INTO careflow_workflow_instance (id, entity_id, workflow_type, active, version, data)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			rec.ID, rec.EntityID, string(rec.WorkflowType), rec.Active, rec.Version, rec.Data,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
				if pgErr.ConstraintName == "careflow_workflow_instance_pkey" {
					return &VersionConflictError{InstanceID: rec.ID, Expected: 0}
				}
				existing, _ := r.FindActive(ctx, rec.EntityID, rec.WorkflowType)
				return &DuplicateActiveInstanceError{EntityID: rec.EntityID, WorkflowType: rec.WorkflowType, ExistingID: existing}
			}
			return fmt.Errorf("insert workflow instance: %w", err)
		}
		return nil
	}

	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE careflow_workflow_instance SET
			active = $2, version = $3, data = $4, updated_at = NOW()
		WHERE id = $1 AND version = $5`,
		rec.ID, rec.Active, rec.Version, rec.Data, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update workflow instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either the row is gone or someone else bumped the version.
		if _, err := r.Load(ctx, rec.ID); err != nil {
			return err
		}
		return &VersionConflictError{InstanceID: rec.ID, Expected: expectedVersion}
	}
	return nil
}

func (r *repoPG) FindActive(ctx context.Context, entityID string, t WorkflowType) (string, error) {
	var id string
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id FROM careflow_workflow_instance
		WHERE entity_id = $1 AND workflow_type = $2 AND active`,
		entityID, string(t),
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("select active workflow: %w", err)
	}
	return id, nil
}
