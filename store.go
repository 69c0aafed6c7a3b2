package apflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"
)

var _ CheckpointStore = (*PostgresStore)(nil)

const pgUniqueViolation = "23505"

type PostgresStore struct {
	db        Tx
	txManager *TxManager
	tables    pgTables
	now       func() time.Time
}

type pgTables struct {
	checkpoints string
	heads       string
	leases      string
}

// NewPostgresStore uses tables under schema; an empty schema means DefaultSchema.
// Migrations are applied separately with RunMigrations.
func NewPostgresStore(pool *pgxpool.Pool, schema string) *PostgresStore {
	if schema == "" {
		schema = DefaultSchema
	}
	quoted := pq.QuoteIdentifier(schema)

	return &PostgresStore{
		db:        pool,
		txManager: NewTxManager(pool),
		tables: pgTables{
			checkpoints: quoted + ".checkpoints",
			heads:       quoted + ".workflow_heads",
			leases:      quoted + ".workflow_leases",
		},
		now: time.Now,
	}
}

func (store *PostgresStore) Save(ctx context.Context, snapshot *WorkflowInstance) (int64, error) {
	writeErr := func(err error) error {
		return &CheckpointWriteError{WorkflowID: snapshot.ID, CheckpointID: snapshot.CheckpointID, Err: err}
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		return 0, writeErr(fmt.Errorf("marshal snapshot: %w", err))
	}

	err = store.txManager.ReadCommitted(ctx, func(ctx context.Context) error {
		executor := store.getExecutor(ctx)

		var head int64
		err := executor.QueryRow(ctx,
			`SELECT checkpoint_id FROM `+store.tables.heads+` WHERE workflow_id = $1 FOR UPDATE`,
			snapshot.ID,
		).Scan(&head)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("read head: %w", err)
		}
		if snapshot.CheckpointID != head+1 {
			return fmt.Errorf("%w: head is %d", ErrCheckpointConflict, head)
		}

		now := store.now()
		_, err = executor.Exec(ctx, `
INSERT INTO `+store.tables.checkpoints+` (workflow_id, checkpoint_id, stage, status, snapshot, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`,
			snapshot.ID, snapshot.CheckpointID, string(snapshot.CurrentStage), string(snapshot.Status), data, now,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: checkpoint %d exists", ErrCheckpointConflict, snapshot.CheckpointID)
			}

			return fmt.Errorf("insert checkpoint: %w", err)
		}

		_, err = executor.Exec(ctx, `
INSERT INTO `+store.tables.heads+` (workflow_id, checkpoint_id, stage, status, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (workflow_id) DO UPDATE
SET checkpoint_id = EXCLUDED.checkpoint_id, stage = EXCLUDED.stage,
	status = EXCLUDED.status, updated_at = EXCLUDED.updated_at`,
			snapshot.ID, snapshot.CheckpointID, string(snapshot.CurrentStage), string(snapshot.Status), now,
		)
		if err != nil {
			return fmt.Errorf("upsert head: %w", err)
		}

		return nil
	})
	if err != nil {
		return 0, writeErr(err)
	}

	return snapshot.CheckpointID, nil
}

func (store *PostgresStore) LoadLatest(ctx context.Context, workflowID string) (*WorkflowInstance, error) {
	executor := store.getExecutor(ctx)

	query := `
SELECT c.snapshot
FROM ` + store.tables.checkpoints + ` c
JOIN ` + store.tables.heads + ` h ON h.workflow_id = c.workflow_id AND h.checkpoint_id = c.checkpoint_id
WHERE h.workflow_id = $1`

	var data []byte
	if err := executor.QueryRow(ctx, query, workflowID).Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWorkflowNotFound
		}

		return nil, fmt.Errorf("load latest checkpoint: %w", err)
	}

	return decodeSnapshot(data)
}

func (store *PostgresStore) ListCheckpoints(ctx context.Context, workflowID string) ([]*Checkpoint, error) {
	executor := store.getExecutor(ctx)

	query := `
SELECT checkpoint_id, stage, status, snapshot, created_at
FROM ` + store.tables.checkpoints + `
WHERE workflow_id = $1
ORDER BY checkpoint_id ASC`

	rows, err := executor.Query(ctx, query, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var result []*Checkpoint
	for rows.Next() {
		var (
			item   Checkpoint
			stage  string
			status string
			data   []byte
		)
		if err := rows.Scan(&item.CheckpointID, &stage, &status, &data, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		snapshot, err := decodeSnapshot(data)
		if err != nil {
			return nil, err
		}
		item.WorkflowID = workflowID
		item.Stage = Stage(stage)
		item.Status = WorkflowStatus(status)
		item.Snapshot = snapshot
		result = append(result, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, ErrWorkflowNotFound
	}

	return result, nil
}

func (store *PostgresStore) ListByStatus(ctx context.Context, status WorkflowStatus) ([]string, error) {
	executor := store.getExecutor(ctx)

	rows, err := executor.Query(ctx,
		`SELECT workflow_id FROM `+store.tables.heads+` WHERE status = $1 ORDER BY workflow_id`,
		string(status),
	)
	if err != nil {
		return nil, fmt.Errorf("list workflows by status: %w", err)
	}

	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collect workflow ids: %w", err)
	}

	return ids, nil
}

func (store *PostgresStore) AcquireLease(
	ctx context.Context,
	workflowID, owner string,
	ttl time.Duration,
) (*Lease, error) {
	executor := store.getExecutor(ctx)

	now := store.now()
	lease := &Lease{
		WorkflowID: workflowID,
		Token:      newLeaseToken(),
		Owner:      owner,
		ExpiresAt:  now.Add(ttl),
	}

	query := `
INSERT INTO ` + store.tables.leases + ` AS l (workflow_id, token, owner, expires_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (workflow_id) DO UPDATE
SET token = EXCLUDED.token, owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at
WHERE l.expires_at <= $5`

	tag, err := executor.Exec(ctx, query, workflowID, lease.Token, owner, lease.ExpiresAt, now)
	if err != nil {
		return nil, fmt.Errorf("acquire lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrWorkflowBusy
	}

	return lease, nil
}

func (store *PostgresStore) RenewLease(ctx context.Context, lease *Lease, ttl time.Duration) error {
	executor := store.getExecutor(ctx)

	now := store.now()
	expiresAt := now.Add(ttl)
	tag, err := executor.Exec(ctx, `
UPDATE `+store.tables.leases+`
SET expires_at = $3
WHERE workflow_id = $1 AND token = $2 AND expires_at > $4`,
		lease.WorkflowID, lease.Token, expiresAt, now,
	)
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	lease.ExpiresAt = expiresAt

	return nil
}

func (store *PostgresStore) ReleaseLease(ctx context.Context, lease *Lease) error {
	executor := store.getExecutor(ctx)

	_, err := executor.Exec(ctx,
		`DELETE FROM `+store.tables.leases+` WHERE workflow_id = $1 AND token = $2`,
		lease.WorkflowID, lease.Token,
	)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}

	return nil
}

func (store *PostgresStore) getExecutor(ctx context.Context) Tx {
	if tx := TxFromContext(ctx); tx != nil {
		return tx
	}

	return store.db
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError

	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
