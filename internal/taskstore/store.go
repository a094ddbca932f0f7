package taskstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hochfrequenz/agent-queue/internal/domain"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed task persistence and file-backed iteration logs
type Store struct {
	db      *sql.DB
	logsDir string
	logMu   sync.Mutex
	now     func() time.Time
}

// New opens the database at dbPath. Iteration logs are written below logsDir.
func New(dbPath, logsDir string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// one connection: ":memory:" databases are per-connection and SQLite has a single writer anyway
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, err
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db, logsDir: logsDir, now: time.Now}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// LogsDir returns the root directory of iteration logs
func (s *Store) LogsDir() string {
	return s.logsDir
}

const taskColumns = `id, project_id, title, prompt, follow_up, status, agent_id, model, thinking_mode, session_id,
	current_iteration, queue_position, runtime_ms, running_session_started_at, error_message,
	pause_reason, resume_after, incomplete, created_at, updated_at`

// CreateTask inserts a new task. Empty ID, timestamps and iteration are filled in.
func (s *Store) CreateTask(task *domain.Task) error {
	now := s.now()
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	if task.CurrentIteration < 1 {
		task.CurrentIteration = 1
	}
	if task.Status == "" {
		task.Status = domain.StatusQueued
	}

	args, err := taskArgs(task)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY") {
			return fmt.Errorf("task %s: %w", task.ID, domain.ErrProjectNotFound)
		}
		return err
	}
	return nil
}

// LoadTask retrieves a task by ID
func (s *Store) LoadTask(id string) (*domain.Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, domain.ErrTaskNotFound)
	}
	return task, err
}

// UpdateTask applies a partial update and returns the updated task
func (s *Store) UpdateTask(id string, upd domain.TaskUpdate) (*domain.Task, error) {
	return s.UpdateTaskFunc(id, func(*domain.Task) (*domain.TaskUpdate, error) {
		return &upd, nil
	})
}

// UpdateTaskFunc reads the task, lets fn compute an update from the current row and
// writes it back in one transaction. A nil update from fn leaves the row untouched.
func (s *Store) UpdateTaskFunc(id string, fn func(t *domain.Task) (*domain.TaskUpdate, error)) (*domain.Task, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	task, err := scanTask(tx.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, domain.ErrTaskNotFound)
	}
	if err != nil {
		return nil, err
	}

	upd, err := fn(task)
	if err != nil {
		return nil, err
	}
	if upd == nil {
		return task, tx.Commit()
	}

	upd.Apply(task)
	task.UpdatedAt = s.now()
	if err := writeTask(tx, task); err != nil {
		return nil, err
	}
	return task, tx.Commit()
}

// TransitionStatus atomically moves a task from one status to another.
// It reports false without error when the task was not in the from status.
func (s *Store) TransitionStatus(id string, from, to domain.TaskStatus) (bool, error) {
	res, err := s.db.Exec(`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), s.now().UnixNano(), id, string(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Transition applies upd only when the task is currently in status from.
// The returned task is the stored row after the call, changed or not.
func (s *Store) Transition(id string, from domain.TaskStatus, upd func(t *domain.Task) domain.TaskUpdate) (*domain.Task, bool, error) {
	applied := false
	task, err := s.UpdateTaskFunc(id, func(t *domain.Task) (*domain.TaskUpdate, error) {
		if t.Status != from {
			return nil, nil
		}
		applied = true
		u := upd(t)
		return &u, nil
	})
	return task, applied, err
}

// ListOptions specifies filters for listing tasks
type ListOptions struct {
	ProjectID string
	Status    domain.TaskStatus
	Statuses  []domain.TaskStatus
	Limit     int
}

// ListTasks returns tasks matching the given options in queue order
func (s *Store) ListTasks(opts ListOptions) ([]*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []interface{}

	if opts.ProjectID != "" {
		query += " AND project_id = ?"
		args = append(args, opts.ProjectID)
	}
	statuses := opts.Statuses
	if opts.Status != "" {
		statuses = append(statuses, opts.Status)
	}
	if len(statuses) > 0 {
		query += " AND status IN (?" + strings.Repeat(", ?", len(statuses)-1) + ")"
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}

	query += " ORDER BY queue_position, created_at"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// NextQueuePosition returns the position for a task appended to the end of the queue
func (s *Store) NextQueuePosition() (int, error) {
	var pos int
	err := s.db.QueryRow(`SELECT COALESCE(MAX(queue_position), 0) + 1 FROM tasks`).Scan(&pos)
	return pos, err
}

// CountByStatus returns the number of tasks in each status
func (s *Store) CountByStatus() (map[domain.TaskStatus]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.TaskStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[domain.TaskStatus(status)] = n
	}
	return counts, rows.Err()
}

// DeleteTask removes a task row. Iteration logs are kept.
func (s *Store) DeleteTask(id string) error {
	res, err := s.db.Exec(`DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", id, domain.ErrTaskNotFound)
	}
	return nil
}

// UpsertProject inserts or updates a project, assigning an ID when empty
func (s *Store) UpsertProject(p *domain.Project) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}
	_, err := s.db.Exec(`
		INSERT INTO projects (id, name, path, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			path = excluded.path
	`, p.ID, p.Name, p.Path, p.CreatedAt.UnixNano())
	return err
}

// LoadProject retrieves a project by ID
func (s *Store) LoadProject(id string) (*domain.Project, error) {
	p, err := scanProject(s.db.QueryRow(`SELECT id, name, path, created_at FROM projects WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %s: %w", id, domain.ErrProjectNotFound)
	}
	return p, err
}

// ResolveProject finds a project by ID or by name
func (s *Store) ResolveProject(ref string) (*domain.Project, error) {
	p, err := scanProject(s.db.QueryRow(`SELECT id, name, path, created_at FROM projects WHERE id = ? OR name = ? LIMIT 1`, ref, ref))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %s: %w", ref, domain.ErrProjectNotFound)
	}
	return p, err
}

// ListProjects returns all projects ordered by name
func (s *Store) ListProjects() ([]*domain.Project, error) {
	rows, err := s.db.Query(`SELECT id, name, path, created_at FROM projects ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []*domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanProject(row scanner) (*domain.Project, error) {
	var p domain.Project
	var created int64
	if err := row.Scan(&p.ID, &p.Name, &p.Path, &created); err != nil {
		return nil, err
	}
	p.CreatedAt = time.Unix(0, created)
	return &p, nil
}

func scanTask(row scanner) (*domain.Task, error) {
	var task domain.Task
	var status, thinking, pause string
	var started, resumeAfter sql.NullInt64
	var incomplete sql.NullString
	var created, updated int64

	err := row.Scan(&task.ID, &task.ProjectID, &task.Title, &task.Prompt, &task.FollowUp, &status, &task.AgentID,
		&task.Model, &thinking, &task.SessionID, &task.CurrentIteration, &task.QueuePosition,
		&task.RuntimeMs, &started, &task.ErrorMessage, &pause, &resumeAfter, &incomplete, &created, &updated)
	if err != nil {
		return nil, err
	}

	task.Status = domain.TaskStatus(status)
	task.ThinkingMode = domain.ThinkingMode(thinking)
	task.PauseReason = domain.PauseReason(pause)
	task.CreatedAt = time.Unix(0, created)
	task.UpdatedAt = time.Unix(0, updated)
	if started.Valid {
		ts := time.Unix(0, started.Int64)
		task.RunningSessionStartedAt = &ts
	}
	if resumeAfter.Valid {
		ts := time.Unix(0, resumeAfter.Int64)
		task.ResumeAfter = &ts
	}
	if incomplete.Valid && incomplete.String != "" {
		var iw domain.IncompleteWork
		if err := json.Unmarshal([]byte(incomplete.String), &iw); err != nil {
			return nil, fmt.Errorf("decoding incomplete report of %s: %w", task.ID, err)
		}
		task.Incomplete = &iw
	}
	return &task, nil
}

func taskArgs(task *domain.Task) ([]interface{}, error) {
	var started interface{}
	if task.RunningSessionStartedAt != nil {
		started = task.RunningSessionStartedAt.UnixNano()
	}
	var resumeAfter interface{}
	if task.ResumeAfter != nil {
		resumeAfter = task.ResumeAfter.UnixNano()
	}
	var incomplete interface{}
	if task.Incomplete != nil {
		data, err := json.Marshal(task.Incomplete)
		if err != nil {
			return nil, err
		}
		incomplete = string(data)
	}
	return []interface{}{
		task.ID,
		task.ProjectID,
		task.Title,
		task.Prompt,
		task.FollowUp,
		string(task.Status),
		task.AgentID,
		task.Model,
		string(task.ThinkingMode),
		task.SessionID,
		task.CurrentIteration,
		task.QueuePosition,
		task.RuntimeMs,
		started,
		task.ErrorMessage,
		string(task.PauseReason),
		resumeAfter,
		incomplete,
		task.CreatedAt.UnixNano(),
		task.UpdatedAt.UnixNano(),
	}, nil
}

func writeTask(tx *sql.Tx, task *domain.Task) error {
	args, err := taskArgs(task)
	if err != nil {
		return err
	}
	// id goes last for the WHERE clause; created_at is immutable
	n := len(args)
	setArgs := append(append([]interface{}{}, args[1:n-2]...), args[n-1], args[0])
	_, err = tx.Exec(`
		UPDATE tasks SET project_id = ?, title = ?, prompt = ?, follow_up = ?, status = ?, agent_id = ?,
			model = ?, thinking_mode = ?, session_id = ?, current_iteration = ?, queue_position = ?,
			runtime_ms = ?, running_session_started_at = ?, error_message = ?, pause_reason = ?,
			resume_after = ?, incomplete = ?, updated_at = ?
		WHERE id = ?
	`, setArgs...)
	return err
}
