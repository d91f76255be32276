package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/descartes-run/descartes/internal/errkind"
)

// PutLease durably mirrors an in-memory lease, inserting the record or
// updating its expiry, TTL, status and renewal count.
func (s *Store) PutLease(l *LeaseRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO leases (id, path_key, agent_id, created_at, expires_at, ttl_seconds, status, renewal_count, max_renewals)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			expires_at = excluded.expires_at,
			ttl_seconds = excluded.ttl_seconds,
			status = excluded.status,
			renewal_count = excluded.renewal_count
	`, l.ID, l.PathKey, l.AgentID, l.CreatedAt.UTC().Format(time.RFC3339Nano), l.ExpiresAt.UTC().Format(time.RFC3339Nano), l.TTLSeconds, l.Status, l.RenewalCount, l.MaxRenewals)
	if err != nil {
		return errkind.New(errkind.IO, "store.PutLease", err)
	}
	return nil
}

// DeleteLease removes a lease record (on release or final expiry cleanup).
func (s *Store) DeleteLease(id string) error {
	_, err := s.db.Exec(`DELETE FROM leases WHERE id = ?`, id)
	if err != nil {
		return errkind.New(errkind.IO, "store.DeleteLease", err)
	}
	return nil
}

// PutLeaseRecord adapts the lease.Persister interface's flat parameter
// shape onto PutLease, so internal/lease never needs to import this
// package's LeaseRecord type.
func (s *Store) PutLeaseRecord(id, pathKey, agentID string, createdAt, expiresAt time.Time, ttlSeconds, maxRenewals, renewalCount int, status string) error {
	return s.PutLease(&LeaseRecord{
		ID: id, PathKey: []byte(pathKey), AgentID: agentID,
		CreatedAt: createdAt, ExpiresAt: expiresAt,
		TTLSeconds: ttlSeconds, MaxRenewals: maxRenewals, RenewalCount: renewalCount, Status: status,
	})
}

// DeleteLeaseRecord adapts the lease.Persister interface onto DeleteLease.
func (s *Store) DeleteLeaseRecord(id string) error { return s.DeleteLease(id) }

// ListActiveLeases returns all leases with status "active". The daemon
// does not call it on startup; lease.Manager always starts empty.
func (s *Store) ListActiveLeases() ([]*LeaseRecord, error) {
	rows, err := s.db.Query(`SELECT id, path_key, agent_id, created_at, expires_at, ttl_seconds, status, renewal_count, max_renewals FROM leases WHERE status = 'active'`)
	if err != nil {
		return nil, errkind.New(errkind.IO, "store.ListActiveLeases", err)
	}
	defer rows.Close()

	var out []*LeaseRecord
	for rows.Next() {
		var l LeaseRecord
		var createdAt, expiresAt string
		if err := rows.Scan(&l.ID, &l.PathKey, &l.AgentID, &createdAt, &expiresAt, &l.TTLSeconds, &l.Status, &l.RenewalCount, &l.MaxRenewals); err != nil {
			continue
		}
		l.CreatedAt, l.ExpiresAt = parseTime(createdAt), parseTime(expiresAt)
		out = append(out, &l)
	}
	return out, nil
}

// --- Workflow runs -----------------------------------------------------

// CreateWorkflowRun inserts a new workflow run record.
func (s *Store) CreateWorkflowRun(r *WorkflowRun) error {
	now := nowRFC3339()
	r.CreatedAt, r.UpdatedAt = parseTime(now), parseTime(now)
	r.Version = 1
	_, err := s.db.Exec(`
		INSERT INTO workflow_runs (id, workflow_name, current_stage, status, context, created_at, updated_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.WorkflowName, r.CurrentStage, r.Status, marshalJSON(r.Context), now, now, r.Version)
	if err != nil {
		return errkind.New(errkind.IO, "store.CreateWorkflowRun", err)
	}
	return nil
}

// UpdateWorkflowRun applies an optimistic-concurrency update to a run's
// stage/status/context. The update is rejected as Conflict if
// expectedVersion does not match the stored version, which is how the
// Workflow Engine guarantees stage-advance determinism on resume: two
// racing advances of the same run can never both succeed.
func (s *Store) UpdateWorkflowRun(id string, expectedVersion int, stage, status string, context map[string]any) error {
	res, err := s.db.Exec(`
		UPDATE workflow_runs SET current_stage = ?, status = ?, context = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`, stage, status, marshalJSON(context), nowRFC3339(), id, expectedVersion)
	if err != nil {
		return errkind.New(errkind.IO, "store.UpdateWorkflowRun", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errkind.New(errkind.Conflict, "store.UpdateWorkflowRun", errors.New("workflow run version mismatch"))
	}
	return nil
}

// ListWorkflowRuns returns every workflow run, newest first, for
// workflow.list introspection.
func (s *Store) ListWorkflowRuns() ([]*WorkflowRun, error) {
	rows, err := s.db.Query(`SELECT id, workflow_name, current_stage, status, context, created_at, updated_at, version FROM workflow_runs ORDER BY created_at DESC`)
	if err != nil {
		return nil, errkind.New(errkind.IO, "store.ListWorkflowRuns", err)
	}
	defer rows.Close()

	var out []*WorkflowRun
	for rows.Next() {
		var r WorkflowRun
		var context, createdAt, updatedAt string
		if err := rows.Scan(&r.ID, &r.WorkflowName, &r.CurrentStage, &r.Status, &context, &createdAt, &updatedAt, &r.Version); err != nil {
			continue
		}
		r.Context = unmarshalJSONMap(context)
		r.CreatedAt, r.UpdatedAt = parseTime(createdAt), parseTime(updatedAt)
		out = append(out, &r)
	}
	return out, nil
}

// GetWorkflowRun fetches a run by id.
func (s *Store) GetWorkflowRun(id string) (*WorkflowRun, error) {
	row := s.db.QueryRow(`SELECT id, workflow_name, current_stage, status, context, created_at, updated_at, version FROM workflow_runs WHERE id = ?`, id)
	var r WorkflowRun
	var context, createdAt, updatedAt string
	if err := row.Scan(&r.ID, &r.WorkflowName, &r.CurrentStage, &r.Status, &context, &createdAt, &updatedAt, &r.Version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errkind.New(errkind.NotFound, "store.GetWorkflowRun", err)
		}
		return nil, errkind.New(errkind.IO, "store.GetWorkflowRun", err)
	}
	r.Context = unmarshalJSONMap(context)
	r.CreatedAt, r.UpdatedAt = parseTime(createdAt), parseTime(updatedAt)
	return &r, nil
}
