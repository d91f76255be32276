package store

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/golang-migrate/migrate/v4"
	sqlite3mig "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"

	"github.com/descartes-run/descartes/internal/errkind"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the SQLite-backed State Store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if necessary) the SQLite database at path and
// applies all pending migrations.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, errkind.New(errkind.IO, "store.Open", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.applyMigrations(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) applyMigrations() error {
	driver, err := sqlite3mig.WithInstance(s.db, &sqlite3mig.Config{})
	if err != nil {
		return errkind.New(errkind.IO, "store.applyMigrations", err)
	}
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return errkind.New(errkind.Internal, "store.applyMigrations", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return errkind.New(errkind.Internal, "store.applyMigrations", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errkind.New(errkind.IO, "store.applyMigrations", err)
	}
	return nil
}

// MigrationHistory reports the current applied schema version and
// whether the database is in a dirty (partially-applied) state.
func (s *Store) MigrationHistory() (version uint, dirty bool, err error) {
	row := s.db.QueryRow(`SELECT version, dirty FROM schema_migrations LIMIT 1`)
	var v int64
	var d bool
	if scanErr := row.Scan(&v, &d); scanErr != nil {
		return 0, false, errkind.New(errkind.IO, "store.MigrationHistory", scanErr)
	}
	return uint(v), d, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Transact runs fn inside a SQL transaction, committing on success and
// rolling back on any error (including a panic, which is re-raised
// after rollback).
func (s *Store) Transact(fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.Begin()
	if err != nil {
		return errkind.New(errkind.IO, "store.Transact", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()
	if err = fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err = tx.Commit(); err != nil {
		return errkind.New(errkind.IO, "store.Transact", err)
	}
	return nil
}

func nowRFC3339() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func marshalJSON(v any) string {
	if v == nil {
		return "{}"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func unmarshalJSONMap(s string) map[string]any {
	if s == "" {
		return nil
	}
	var m map[string]any
	_ = json.Unmarshal([]byte(s), &m)
	return m
}

func unmarshalJSONSlice(s string) []string {
	if s == "" {
		return nil
	}
	var v []string
	_ = json.Unmarshal([]byte(s), &v)
	return v
}

// --- Agents ---------------------------------------------------------

// CreateAgent inserts a new agent record in the state a.State names.
func (s *Store) CreateAgent(a *Agent) error {
	now := nowRFC3339()
	a.CreatedAt, a.UpdatedAt = parseTime(now), parseTime(now)
	a.Version = 1
	_, err := s.db.Exec(`
		INSERT INTO agents (id, category, command, args, pid, state, session_id, created_at, updated_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.Category, a.Command, marshalJSON(a.Args), a.PID, string(a.State), a.SessionID, now, now, a.Version)
	if err != nil {
		return errkind.New(errkind.IO, "store.CreateAgent", err)
	}
	return nil
}

// GetAgent fetches an agent by id.
func (s *Store) GetAgent(id string) (*Agent, error) {
	row := s.db.QueryRow(`SELECT id, category, command, args, pid, state, session_id, created_at, updated_at, version FROM agents WHERE id = ?`, id)
	return scanAgent(row)
}

func scanAgent(row *sql.Row) (*Agent, error) {
	var a Agent
	var args, createdAt, updatedAt string
	var state string
	if err := row.Scan(&a.ID, &a.Category, &a.Command, &args, &a.PID, &state, &a.SessionID, &createdAt, &updatedAt, &a.Version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errkind.New(errkind.NotFound, "store.GetAgent", err)
		}
		return nil, errkind.New(errkind.IO, "store.GetAgent", err)
	}
	a.Args = unmarshalJSONSlice(args)
	a.State = AgentState(state)
	a.CreatedAt, a.UpdatedAt = parseTime(createdAt), parseTime(updatedAt)
	return &a, nil
}

// TransitionAgent applies an optimistic-concurrency state move: the
// update only succeeds if the row's version still matches expectedVersion,
// and records a Transition row in the same statement batch.
func (s *Store) TransitionAgent(agentID string, expectedVersion int, to AgentState, reason string) error {
	return s.Transact(func(tx *sql.Tx) error {
		row := tx.QueryRow(`SELECT state FROM agents WHERE id = ?`, agentID)
		var from string
		if err := row.Scan(&from); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return errkind.New(errkind.NotFound, "store.TransitionAgent", err)
			}
			return errkind.New(errkind.IO, "store.TransitionAgent", err)
		}

		now := nowRFC3339()
		res, err := tx.Exec(`
			UPDATE agents SET state = ?, updated_at = ?, version = version + 1
			WHERE id = ? AND version = ?
		`, string(to), now, agentID, expectedVersion)
		if err != nil {
			return errkind.New(errkind.IO, "store.TransitionAgent", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return errkind.New(errkind.Conflict, "store.TransitionAgent", fmt.Errorf("agent %s version mismatch", agentID))
		}

		_, err = tx.Exec(`
			INSERT INTO transitions (id, agent_id, from_state, to_state, reason, ts)
			VALUES (lower(hex(randomblob(16))), ?, ?, ?, ?, ?)
		`, agentID, from, string(to), reason, now)
		if err != nil {
			return errkind.New(errkind.IO, "store.TransitionAgent", err)
		}
		return nil
	})
}

// SetAgentPID records the OS pid once the process has actually spawned.
func (s *Store) SetAgentPID(agentID string, pid int) error {
	_, err := s.db.Exec(`UPDATE agents SET pid = ?, updated_at = ? WHERE id = ?`, pid, nowRFC3339(), agentID)
	if err != nil {
		return errkind.New(errkind.IO, "store.SetAgentPID", err)
	}
	return nil
}

// ListAgentsByState returns all agents currently in the given state,
// used on daemon startup for orphan reaping.
func (s *Store) ListAgentsByState(state AgentState) ([]*Agent, error) {
	rows, err := s.db.Query(`SELECT id, category, command, args, pid, state, session_id, created_at, updated_at, version FROM agents WHERE state = ?`, string(state))
	if err != nil {
		return nil, errkind.New(errkind.IO, "store.ListAgentsByState", err)
	}
	defer rows.Close()

	var out []*Agent
	for rows.Next() {
		var a Agent
		var args, createdAt, updatedAt, st string
		if err := rows.Scan(&a.ID, &a.Category, &a.Command, &args, &a.PID, &st, &a.SessionID, &createdAt, &updatedAt, &a.Version); err != nil {
			continue
		}
		a.Args = unmarshalJSONSlice(args)
		a.State = AgentState(st)
		a.CreatedAt, a.UpdatedAt = parseTime(createdAt), parseTime(updatedAt)
		out = append(out, &a)
	}
	return out, nil
}

// --- Tasks -----------------------------------------------------------

const taskColumns = `id, session_id, title, description, status, priority, complexity_bucket, assignee_agent_id, depends_on, metadata, created_at, updated_at, version`

// CreateTask inserts a new task.
func (s *Store) CreateTask(t *Task) error {
	now := nowRFC3339()
	t.CreatedAt, t.UpdatedAt = parseTime(now), parseTime(now)
	t.Version = 1
	if t.Status == "" {
		t.Status = TaskTodo
	}
	if t.Priority == "" {
		t.Priority = PriorityMedium
	}
	if t.ComplexityBucket == "" {
		t.ComplexityBucket = ComplexityModerate
	}
	_, err := s.db.Exec(`
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.SessionID, t.Title, t.Description, string(t.Status), string(t.Priority), string(t.ComplexityBucket),
		t.AssigneeAgentID, marshalJSON(t.DependsOn), marshalJSON(t.Metadata), now, now, t.Version)
	if err != nil {
		return errkind.New(errkind.IO, "store.CreateTask", err)
	}
	return nil
}

// UpdateTaskStatus applies optimistic-concurrency status update.
func (s *Store) UpdateTaskStatus(taskID string, expectedVersion int, status TaskStatus) error {
	res, err := s.db.Exec(`
		UPDATE tasks SET status = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`, string(status), nowRFC3339(), taskID, expectedVersion)
	if err != nil {
		return errkind.New(errkind.IO, "store.UpdateTaskStatus", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errkind.New(errkind.Conflict, "store.UpdateTaskStatus", fmt.Errorf("task %s version mismatch", taskID))
	}
	return nil
}

// SaveTask upserts a task's mutable fields (title, description,
// priority, complexity, assignee, metadata) under optimistic
// concurrency, leaving status/depends_on untouched; task.save is meant
// for editing task content, not driving its lifecycle.
func (s *Store) SaveTask(t *Task) error {
	res, err := s.db.Exec(`
		UPDATE tasks SET title = ?, description = ?, priority = ?, complexity_bucket = ?,
			assignee_agent_id = ?, metadata = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`, t.Title, t.Description, string(t.Priority), string(t.ComplexityBucket), t.AssigneeAgentID,
		marshalJSON(t.Metadata), nowRFC3339(), t.ID, t.Version)
	if err != nil {
		return errkind.New(errkind.IO, "store.SaveTask", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errkind.New(errkind.Conflict, "store.SaveTask", fmt.Errorf("task %s version mismatch", t.ID))
	}
	return nil
}

// GetTask fetches a task by id.
func (s *Store) GetTask(id string) (*Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errkind.New(errkind.NotFound, "store.GetTask", err)
		}
		return nil, errkind.New(errkind.IO, "store.GetTask", err)
	}
	return t, nil
}

// ListTasks returns every task for sessionID, oldest first.
func (s *Store) ListTasks(sessionID string) ([]*Task, error) {
	rows, err := s.db.Query(`SELECT `+taskColumns+` FROM tasks WHERE session_id = ? ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, errkind.New(errkind.IO, "store.ListTasks", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var dep, metadata, createdAt, updatedAt, status, priority, complexity string
	if err := row.Scan(&t.ID, &t.SessionID, &t.Title, &t.Description, &status, &priority, &complexity,
		&t.AssigneeAgentID, &dep, &metadata, &createdAt, &updatedAt, &t.Version); err != nil {
		return nil, err
	}
	t.Status = TaskStatus(status)
	t.Priority = TaskPriority(priority)
	t.ComplexityBucket = ComplexityBucket(complexity)
	t.DependsOn = unmarshalJSONSlice(dep)
	t.Metadata = unmarshalJSONMap(metadata)
	t.CreatedAt, t.UpdatedAt = parseTime(createdAt), parseTime(updatedAt)
	return &t, nil
}

// ListReadyTasks returns todo tasks all of whose dependencies are done,
// sorted by priority (most urgent first) then creation order.
// Dependency resolution is computed in Go (dependency lists are small;
// a recursive SQL CTE would be premature here).
func (s *Store) ListReadyTasks(sessionID string) ([]*Task, error) {
	all, err := s.ListTasks(sessionID)
	if err != nil {
		return nil, err
	}

	status := make(map[string]TaskStatus, len(all))
	for _, t := range all {
		status[t.ID] = t.Status
	}

	var ready []*Task
	for _, t := range all {
		if t.Status != TaskTodo {
			continue
		}
		blocked := false
		for _, dep := range t.DependsOn {
			if status[dep] != TaskDone {
				blocked = true
				break
			}
		}
		if !blocked {
			ready = append(ready, t)
		}
	}

	sort.SliceStable(ready, func(i, j int) bool {
		return ready[i].Priority.Rank() < ready[j].Priority.Rank()
	})
	return ready, nil
}

// --- Events ------------------------------------------------------------

// AppendEvent persists an event for durable search/replay.
func (s *Store) AppendEvent(e *Event) error {
	_, err := s.db.Exec(`
		INSERT INTO events (id, ts, category, kind, actor_id, session_id, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Timestamp.UTC().Format(time.RFC3339Nano), e.Category, e.Kind, e.ActorID, e.SessionID, marshalJSON(e.Payload))
	if err != nil {
		return errkind.New(errkind.IO, "store.AppendEvent", err)
	}
	return nil
}

// SearchEvents performs a substring match over the marshalled payload
// text plus category/kind, newest first, bounded by limit.
func (s *Store) SearchEvents(query string, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}
	like := "%" + query + "%"
	rows, err := s.db.Query(`
		SELECT id, ts, category, kind, actor_id, session_id, payload FROM events
		WHERE category LIKE ? OR kind LIKE ? OR payload LIKE ?
		ORDER BY ts DESC LIMIT ?
	`, like, like, like, limit)
	if err != nil {
		return nil, errkind.New(errkind.IO, "store.SearchEvents", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var e Event
		var ts, payload string
		if err := rows.Scan(&e.ID, &ts, &e.Category, &e.Kind, &e.ActorID, &e.SessionID, &payload); err != nil {
			continue
		}
		e.Timestamp = parseTime(ts)
		e.Payload = unmarshalJSONMap(payload)
		out = append(out, &e)
	}
	return out, nil
}
