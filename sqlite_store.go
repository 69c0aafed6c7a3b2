package apflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

var _ CheckpointStore = (*SQLiteStore)(nil)

// SQLiteStore is the embedded durable CheckpointStore. Times are stored as unix
// milliseconds.
type SQLiteStore struct {
	db  *sql.DB
	mu  sync.Mutex // serialize writers
	now func() time.Time
}

// NewSQLiteInMemoryStore creates an in-memory SQLite database and initializes schema.
func NewSQLiteInMemoryStore() (*SQLiteStore, error) {
	return NewSQLiteStore(context.Background(), ":memory:")
}

// NewSQLiteStore opens (or creates) the database at path and applies migrations.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode=WAL;")
	_, _ = db.ExecContext(ctx, "PRAGMA busy_timeout=5000;")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous=FULL;")
	// single connection keeps :memory: consistent and avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunSQLiteMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Save(ctx context.Context, snapshot *WorkflowInstance) (int64, error) {
	writeErr := func(err error) error {
		return &CheckpointWriteError{WorkflowID: snapshot.ID, CheckpointID: snapshot.CheckpointID, Err: err}
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		return 0, writeErr(fmt.Errorf("marshal snapshot: %w", err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, writeErr(fmt.Errorf("begin tx: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	var head int64
	err = tx.QueryRowContext(ctx,
		`SELECT checkpoint_id FROM workflow_heads WHERE workflow_id = ?`, snapshot.ID).Scan(&head)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, writeErr(fmt.Errorf("read head: %w", err))
	}
	if snapshot.CheckpointID != head+1 {
		return 0, writeErr(fmt.Errorf("%w: head is %d", ErrCheckpointConflict, head))
	}

	now := s.now().UnixMilli()
	_, err = tx.ExecContext(ctx, `INSERT INTO checkpoints
		(workflow_id, checkpoint_id, stage, status, snapshot, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		snapshot.ID, snapshot.CheckpointID, string(snapshot.CurrentStage), string(snapshot.Status), data, now)
	if err != nil {
		return 0, writeErr(fmt.Errorf("insert checkpoint: %w", err))
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO workflow_heads (workflow_id, checkpoint_id, stage, status, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(workflow_id) DO UPDATE SET
			checkpoint_id = excluded.checkpoint_id,
			stage = excluded.stage,
			status = excluded.status,
			updated_at = excluded.updated_at`,
		snapshot.ID, snapshot.CheckpointID, string(snapshot.CurrentStage), string(snapshot.Status), now)
	if err != nil {
		return 0, writeErr(fmt.Errorf("upsert head: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return 0, writeErr(fmt.Errorf("commit: %w", err))
	}

	return snapshot.CheckpointID, nil
}

func (s *SQLiteStore) LoadLatest(ctx context.Context, workflowID string) (*WorkflowInstance, error) {
	const q = `SELECT c.snapshot FROM checkpoints c
		JOIN workflow_heads h ON h.workflow_id = c.workflow_id AND h.checkpoint_id = c.checkpoint_id
		WHERE h.workflow_id = ?`

	var data []byte
	if err := s.db.QueryRowContext(ctx, q, workflowID).Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrWorkflowNotFound
		}

		return nil, fmt.Errorf("load latest checkpoint: %w", err)
	}

	return decodeSnapshot(data)
}

func (s *SQLiteStore) ListCheckpoints(ctx context.Context, workflowID string) ([]*Checkpoint, error) {
	const q = `SELECT checkpoint_id, stage, status, snapshot, created_at
		FROM checkpoints WHERE workflow_id = ? ORDER BY checkpoint_id ASC`

	rows, err := s.db.QueryContext(ctx, q, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Checkpoint
	for rows.Next() {
		var (
			item      Checkpoint
			stage     string
			status    string
			data      []byte
			createdAt int64
		)
		if err := rows.Scan(&item.CheckpointID, &stage, &status, &data, &createdAt); err != nil {
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
		item.CreatedAt = time.UnixMilli(createdAt)
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

func (s *SQLiteStore) ListByStatus(ctx context.Context, status WorkflowStatus) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT workflow_id FROM workflow_heads WHERE status = ? ORDER BY workflow_id`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list workflows by status: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

func (s *SQLiteStore) AcquireLease(ctx context.Context, workflowID, owner string, ttl time.Duration) (*Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	lease := &Lease{
		WorkflowID: workflowID,
		Token:      newLeaseToken(),
		Owner:      owner,
		ExpiresAt:  now.Add(ttl),
	}

	res, err := s.db.ExecContext(ctx, `INSERT INTO workflow_leases (workflow_id, token, owner, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(workflow_id) DO UPDATE SET
			token = excluded.token,
			owner = excluded.owner,
			expires_at = excluded.expires_at
		WHERE workflow_leases.expires_at <= ?`,
		workflowID, lease.Token, owner, lease.ExpiresAt.UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("acquire lease: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("acquire lease: %w", err)
	}
	if affected == 0 {
		return nil, ErrWorkflowBusy
	}

	return lease, nil
}

func (s *SQLiteStore) RenewLease(ctx context.Context, lease *Lease, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	expiresAt := now.Add(ttl)
	res, err := s.db.ExecContext(ctx, `UPDATE workflow_leases SET expires_at = ?
		WHERE workflow_id = ? AND token = ? AND expires_at > ?`,
		expiresAt.UnixMilli(), lease.WorkflowID, lease.Token, now.UnixMilli())
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	if affected == 0 {
		return ErrLeaseLost
	}
	lease.ExpiresAt = expiresAt

	return nil
}

func (s *SQLiteStore) ReleaseLease(ctx context.Context, lease *Lease) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM workflow_leases WHERE workflow_id = ? AND token = ?`, lease.WorkflowID, lease.Token)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}

	return nil
}
