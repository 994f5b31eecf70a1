package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aescanero/conductor/pkg/domain"
	"github.com/aescanero/conductor/pkg/ports"
	"github.com/cockroachdb/errors"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

const schema = `
CREATE TABLE IF NOT EXISTS executions (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	status TEXT NOT NULL,
	origin_endpoint_id TEXT,
	destination_endpoint_id TEXT,
	instances TEXT NOT NULL,
	task_info TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME
);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	execution_id TEXT NOT NULL REFERENCES executions(id) ON DELETE CASCADE,
	instance TEXT NOT NULL,
	task_type TEXT NOT NULL,
	status TEXT NOT NULL,
	depends_on TEXT NOT NULL,
	on_error BOOLEAN NOT NULL,
	idx INTEGER NOT NULL,
	exception_details TEXT,
	created_at DATETIME NOT NULL,
	updated_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_tasks_execution ON tasks(execution_id);

CREATE TABLE IF NOT EXISTS endpoints (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	type TEXT NOT NULL,
	description TEXT,
	connection_info TEXT NOT NULL,
	mapped_regions TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME
);`

// Store implements ExecutionRepository and EndpointRepository on SQLite
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (creating if needed) the database at path and migrates it
func Open(path string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows one writer at a time
	db.SetMaxOpenConns(1)

	s := NewStore(db, logger)
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore wraps an open database
func NewStore(db *sql.DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Migrate creates the tables
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveExecution upserts an execution and replaces its tasks
func (s *Store) SaveExecution(ctx context.Context, execution *domain.Execution) (err error) {
	instances, err := json.Marshal(execution.Instances)
	if err != nil {
		return fmt.Errorf("failed to marshal instances: %w", err)
	}
	taskInfo, err := json.Marshal(execution.TaskInfo)
	if err != nil {
		return fmt.Errorf("failed to marshal task info: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO executions (
			id, type, status, origin_endpoint_id, destination_endpoint_id,
			instances, task_info, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			task_info = excluded.task_info,
			updated_at = excluded.updated_at`,
		execution.ID, string(execution.Type), string(execution.Status),
		execution.OriginEndpointID, execution.DestinationEndpointID,
		string(instances), string(taskInfo), execution.CreatedAt, nullTime(execution.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save execution: %w", err)
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM tasks WHERE execution_id = ?`, execution.ID); err != nil {
		return fmt.Errorf("failed to clear tasks: %w", err)
	}

	for _, t := range execution.Tasks {
		var deps []byte
		deps, err = json.Marshal(t.DependsOn)
		if err != nil {
			return fmt.Errorf("failed to marshal dependencies: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO tasks (
				id, execution_id, instance, task_type, status, depends_on,
				on_error, idx, exception_details, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, execution.ID, t.Instance, string(t.TaskType), string(t.Status), string(deps),
			t.OnError, t.Index, t.ExceptionDetails, t.CreatedAt, nullTime(t.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to save task %s: %w", t.ID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit execution: %w", err)
	}
	return nil
}

const executionColumns = `id, type, status, origin_endpoint_id, destination_endpoint_id,
	instances, task_info, created_at, updated_at`

const taskColumns = `id, execution_id, instance, task_type, status, depends_on,
	on_error, idx, exception_details, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(row scanner) (*domain.Execution, error) {
	var (
		e                   domain.Execution
		typ, status         string
		origin, destination sql.NullString
		instances, taskInfo string
		updatedAt           sql.NullTime
	)
	if err := row.Scan(&e.ID, &typ, &status, &origin, &destination,
		&instances, &taskInfo, &e.CreatedAt, &updatedAt); err != nil {
		return nil, err
	}
	e.Type = domain.ExecutionType(typ)
	e.Status = domain.ExecutionStatus(status)
	e.OriginEndpointID = origin.String
	e.DestinationEndpointID = destination.String
	e.UpdatedAt = timePtr(updatedAt)
	if err := json.Unmarshal([]byte(instances), &e.Instances); err != nil {
		return nil, fmt.Errorf("failed to unmarshal instances: %w", err)
	}
	if err := json.Unmarshal([]byte(taskInfo), &e.TaskInfo); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task info: %w", err)
	}
	if e.TaskInfo == nil {
		e.TaskInfo = domain.TaskInfo{}
	}
	e.Tasks = []*domain.Task{}
	return &e, nil
}

func scanTask(row scanner) (*domain.Task, error) {
	var (
		t                domain.Task
		taskType, status string
		deps             string
		details          sql.NullString
		updatedAt        sql.NullTime
	)
	if err := row.Scan(&t.ID, &t.ExecutionID, &t.Instance, &taskType, &status, &deps,
		&t.OnError, &t.Index, &details, &t.CreatedAt, &updatedAt); err != nil {
		return nil, err
	}
	t.TaskType = domain.TaskType(taskType)
	t.Status = domain.TaskStatus(status)
	t.ExceptionDetails = details.String
	t.UpdatedAt = timePtr(updatedAt)
	if err := json.Unmarshal([]byte(deps), &t.DependsOn); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dependencies: %w", err)
	}
	return &t, nil
}

// GetExecution retrieves an execution with its tasks in index order
func (s *Store) GetExecution(ctx context.Context, executionID string) (*domain.Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`, executionID)
	e, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(domain.ErrNotFound, "execution %s", executionID)
		}
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}

	if err := s.loadTasks(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

func (s *Store) loadTasks(ctx context.Context, e *domain.Execution) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE execution_id = ? ORDER BY idx`, e.ID)
	if err != nil {
		return fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return fmt.Errorf("failed to scan task: %w", err)
		}
		e.Tasks = append(e.Tasks, t)
	}
	return rows.Err()
}

// ListExecutions returns every execution, oldest first
func (s *Store) ListExecutions(ctx context.Context) ([]*domain.Execution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+executionColumns+` FROM executions ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}

	var executions []*domain.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		executions = append(executions, e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, e := range executions {
		if err := s.loadTasks(ctx, e); err != nil {
			return nil, err
		}
	}
	return executions, nil
}

// GetTask retrieves a task
func (s *Store) GetTask(ctx context.Context, taskID string) (*domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(domain.ErrNotFound, "task %s", taskID)
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return t, nil
}

// SetTaskStatus updates the status of a task
func (s *Store) SetTaskStatus(ctx context.Context, taskID string, status domain.TaskStatus, exceptionDetails string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, exception_details = ?, updated_at = ? WHERE id = ?`,
		string(status), exceptionDetails, time.Now(), taskID)
	if err != nil {
		return fmt.Errorf("failed to set task status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to set task status: %w", err)
	}
	if n == 0 {
		return errors.Wrapf(domain.ErrNotFound, "task %s", taskID)
	}
	return nil
}

// CountActiveReplicaExecutions counts replica executions, and executions
// still running, that reference the endpoint
func (s *Store) CountActiveReplicaExecutions(ctx context.Context, endpointID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM executions
		WHERE (origin_endpoint_id = ? OR destination_endpoint_id = ?)
		  AND (type IN (?, ?) OR status NOT IN (?, ?, ?))`,
		endpointID, endpointID,
		string(domain.ExecutionTypeReplicaExecution), string(domain.ExecutionTypeReplicaDisksDeletion),
		string(domain.ExecutionStatusCompleted), string(domain.ExecutionStatusError), string(domain.ExecutionStatusCanceled),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count executions: %w", err)
	}
	return count, nil
}

// AddEndpoint stores a new endpoint
func (s *Store) AddEndpoint(ctx context.Context, endpoint *domain.Endpoint) error {
	if endpoint.CreatedAt.IsZero() {
		endpoint.CreatedAt = time.Now()
	}
	conn, regions, err := marshalEndpoint(endpoint)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO endpoints (
			id, name, type, description, connection_info, mapped_regions, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		endpoint.ID, endpoint.Name, endpoint.Type, endpoint.Description,
		conn, regions, endpoint.CreatedAt, nullTime(endpoint.UpdatedAt))
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return errors.Wrapf(domain.ErrInvalidInput, "endpoint %s already exists", endpoint.ID)
		}
		return fmt.Errorf("failed to add endpoint: %w", err)
	}
	return nil
}

// GetEndpoint retrieves an endpoint
func (s *Store) GetEndpoint(ctx context.Context, endpointID string) (*domain.Endpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, type, description, connection_info, mapped_regions, created_at, updated_at
		FROM endpoints WHERE id = ?`, endpointID)
	e, err := scanEndpoint(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(domain.ErrNotFound, "endpoint %s", endpointID)
		}
		return nil, fmt.Errorf("failed to get endpoint: %w", err)
	}
	return e, nil
}

// ListEndpoints returns every endpoint ordered by name
func (s *Store) ListEndpoints(ctx context.Context) ([]*domain.Endpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, type, description, connection_info, mapped_regions, created_at, updated_at
		FROM endpoints ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list endpoints: %w", err)
	}
	defer rows.Close()

	var endpoints []*domain.Endpoint
	for rows.Next() {
		e, err := scanEndpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan endpoint: %w", err)
		}
		endpoints = append(endpoints, e)
	}
	return endpoints, rows.Err()
}

// UpdateEndpoint applies updates to a stored endpoint
func (s *Store) UpdateEndpoint(ctx context.Context, endpointID string, updates ports.EndpointUpdate) error {
	endpoint, err := s.GetEndpoint(ctx, endpointID)
	if err != nil {
		return err
	}
	updates.Apply(endpoint)

	conn, regions, err := marshalEndpoint(endpoint)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE endpoints
		SET name = ?, description = ?, connection_info = ?, mapped_regions = ?, updated_at = ?
		WHERE id = ?`,
		endpoint.Name, endpoint.Description, conn, regions, nullTime(endpoint.UpdatedAt), endpointID)
	if err != nil {
		return fmt.Errorf("failed to update endpoint: %w", err)
	}
	return nil
}

// DeleteEndpoint removes an endpoint
func (s *Store) DeleteEndpoint(ctx context.Context, endpointID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM endpoints WHERE id = ?`, endpointID)
	if err != nil {
		return fmt.Errorf("failed to delete endpoint: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete endpoint: %w", err)
	}
	if n == 0 {
		return errors.Wrapf(domain.ErrNotFound, "endpoint %s", endpointID)
	}

	s.logger.Debug("endpoint deleted",
		zap.String("endpoint_id", endpointID))

	return nil
}

func marshalEndpoint(e *domain.Endpoint) (conn, regions string, err error) {
	connData, err := json.Marshal(e.ConnectionInfo)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal connection info: %w", err)
	}
	regionData, err := json.Marshal(e.MappedRegions)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal mapped regions: %w", err)
	}
	return string(connData), string(regionData), nil
}

func scanEndpoint(row scanner) (*domain.Endpoint, error) {
	var (
		e             domain.Endpoint
		description   sql.NullString
		conn, regions string
		updatedAt     sql.NullTime
	)
	if err := row.Scan(&e.ID, &e.Name, &e.Type, &description, &conn, &regions, &e.CreatedAt, &updatedAt); err != nil {
		return nil, err
	}
	e.Description = description.String
	e.UpdatedAt = timePtr(updatedAt)
	if err := json.Unmarshal([]byte(conn), &e.ConnectionInfo); err != nil {
		return nil, fmt.Errorf("failed to unmarshal connection info: %w", err)
	}
	if err := json.Unmarshal([]byte(regions), &e.MappedRegions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal mapped regions: %w", err)
	}
	return &e, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
