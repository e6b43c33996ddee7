package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// MappingRecord persists one active (instance, port, container IP) route as
// the durable source of truth for the packet-filter state.
type MappingRecord struct {
	PublicPort    int
	InstanceID    string
	ContainerIP   string
	ContainerPort int
	IsStatic      bool
	CreatedAt     time.Time
}

// SweepRunRecord stores one drift-sweep execution.
type SweepRunRecord struct {
	ID          string
	TriggerType string
	StartedAt   time.Time
	FinishedAt  *time.Time
	TotalStore  int
	TotalLive   int
	DriftCount  int
	FixedCount  int
	Status      string
	Error       string
}

// SweepItemRecord stores one drift correction found in a sweep run.
type SweepItemRecord struct {
	ID         int64
	RunID      string
	InstanceID string
	PublicPort int
	DriftType  string
	Action     string
	Detail     string
	CreatedAt  time.Time
}

// MappingStore handles port-mapping persistence.
type MappingStore struct {
	db *sql.DB
}

func NewMappingStore() *MappingStore {
	return &MappingStore{db: DB}
}

// CreateBatch inserts all mappings of one instance in a single transaction,
// so a crash never records a partial instance.
func (s *MappingStore) CreateBatch(ctx context.Context, recs []MappingRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin mapping transaction: %w", err)
	}
	defer tx.Rollback()

	for _, rec := range recs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO port_mappings (public_port, instance_id, container_ip, container_port, is_static, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, rec.PublicPort, rec.InstanceID, rec.ContainerIP, rec.ContainerPort, rec.IsStatic, rec.CreatedAt); err != nil {
			return fmt.Errorf("failed to create mapping for port %d: %w", rec.PublicPort, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit mapping transaction: %w", err)
	}
	return nil
}

func (s *MappingStore) GetByPort(ctx context.Context, publicPort int) (*MappingRecord, error) {
	row := s.db.QueryRowContext(ctx, mappingSelectSQL+` WHERE public_port = ?`, publicPort)
	rec, err := scanMapping(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mapping by port: %w", err)
	}
	return rec, nil
}

func (s *MappingStore) ListByInstance(ctx context.Context, instanceID string) ([]MappingRecord, error) {
	rows, err := s.db.QueryContext(ctx, mappingSelectSQL+`
		 WHERE instance_id = ?
		 ORDER BY public_port ASC
	`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list mappings for instance: %w", err)
	}
	defer rows.Close()
	return scanMappingRows(rows)
}

func (s *MappingStore) ListAll(ctx context.Context) ([]MappingRecord, error) {
	rows, err := s.db.QueryContext(ctx, mappingSelectSQL+` ORDER BY public_port ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list mappings: %w", err)
	}
	defer rows.Close()
	return scanMappingRows(rows)
}

// ListInstanceIDs returns the distinct owners of all recorded mappings.
func (s *MappingStore) ListInstanceIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT instance_id FROM port_mappings ORDER BY instance_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list instance ids: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan instance id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *MappingStore) DeleteByPort(ctx context.Context, publicPort int) error {
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM port_mappings WHERE public_port = ?
	`, publicPort); err != nil {
		return fmt.Errorf("failed to delete mapping by port: %w", err)
	}
	return nil
}

func (s *MappingStore) DeleteByInstance(ctx context.Context, instanceID string) error {
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM port_mappings WHERE instance_id = ?
	`, instanceID); err != nil {
		return fmt.Errorf("failed to delete mappings for instance: %w", err)
	}
	return nil
}

func (s *MappingStore) CreateSweepRun(ctx context.Context, run *SweepRunRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sweep_runs (id, trigger_type, started_at, finished_at, total_store, total_live, drift_count, fixed_count, status, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.TriggerType, run.StartedAt, toNullTime(run.FinishedAt), run.TotalStore, run.TotalLive, run.DriftCount, run.FixedCount, run.Status, run.Error)
	if err != nil {
		return fmt.Errorf("failed to create sweep run: %w", err)
	}
	return nil
}

func (s *MappingStore) FinishSweepRun(ctx context.Context, id, status, errMsg string, totalStore, totalLive, drift, fixed int, finishedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sweep_runs
		SET finished_at = ?, total_store = ?, total_live = ?, drift_count = ?, fixed_count = ?, status = ?, error = ?
		WHERE id = ?
	`, finishedAt, totalStore, totalLive, drift, fixed, status, errMsg, id)
	if err != nil {
		return fmt.Errorf("failed to finish sweep run: %w", err)
	}
	return nil
}

func (s *MappingStore) AddSweepItem(ctx context.Context, item *SweepItemRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sweep_items (run_id, instance_id, public_port, drift_type, action, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, item.RunID, item.InstanceID, item.PublicPort, item.DriftType, item.Action, item.Detail, item.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to add sweep item: %w", err)
	}
	return nil
}

func (s *MappingStore) ListSweepRuns(ctx context.Context, limit int) ([]SweepRunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trigger_type, started_at, finished_at, total_store, total_live, drift_count, fixed_count, status, error
		FROM sweep_runs
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sweep runs: %w", err)
	}
	defer rows.Close()

	var items []SweepRunRecord
	for rows.Next() {
		var r SweepRunRecord
		var finishedAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.TriggerType, &r.StartedAt, &finishedAt, &r.TotalStore, &r.TotalLive, &r.DriftCount, &r.FixedCount, &r.Status, &r.Error); err != nil {
			return nil, fmt.Errorf("failed to scan sweep run: %w", err)
		}
		if finishedAt.Valid {
			t := finishedAt.Time
			r.FinishedAt = &t
		}
		items = append(items, r)
	}
	if items == nil {
		items = []SweepRunRecord{}
	}
	return items, nil
}

func (s *MappingStore) GetSweepRun(ctx context.Context, id string) (*SweepRunRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, trigger_type, started_at, finished_at, total_store, total_live, drift_count, fixed_count, status, error
		FROM sweep_runs
		WHERE id = ?
	`, id)

	var r SweepRunRecord
	var finishedAt sql.NullTime
	if err := row.Scan(&r.ID, &r.TriggerType, &r.StartedAt, &finishedAt, &r.TotalStore, &r.TotalLive, &r.DriftCount, &r.FixedCount, &r.Status, &r.Error); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get sweep run: %w", err)
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		r.FinishedAt = &t
	}
	return &r, nil
}

func (s *MappingStore) ListSweepItems(ctx context.Context, runID string) ([]SweepItemRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, instance_id, public_port, drift_type, action, detail, created_at
		FROM sweep_items
		WHERE run_id = ?
		ORDER BY id ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sweep items: %w", err)
	}
	defer rows.Close()

	var items []SweepItemRecord
	for rows.Next() {
		var item SweepItemRecord
		if err := rows.Scan(&item.ID, &item.RunID, &item.InstanceID, &item.PublicPort, &item.DriftType, &item.Action, &item.Detail, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan sweep item: %w", err)
		}
		items = append(items, item)
	}
	if items == nil {
		items = []SweepItemRecord{}
	}
	return items, nil
}

const mappingSelectSQL = `
SELECT public_port, instance_id, container_ip, container_port, is_static, created_at
FROM port_mappings`

func scanMapping(row interface{ Scan(dest ...any) error }) (*MappingRecord, error) {
	var rec MappingRecord
	if err := row.Scan(
		&rec.PublicPort, &rec.InstanceID, &rec.ContainerIP, &rec.ContainerPort, &rec.IsStatic, &rec.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &rec, nil
}

func scanMappingRows(rows *sql.Rows) ([]MappingRecord, error) {
	var items []MappingRecord
	for rows.Next() {
		rec, err := scanMapping(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mapping row: %w", err)
		}
		items = append(items, *rec)
	}
	if items == nil {
		items = []MappingRecord{}
	}
	return items, nil
}

func toNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
