package bridge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	sqlTaskTableName    = "platformbridge_tasks"
	sqlOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type sqlDialect struct {
	driver string
	// numbered placeholders ($1) instead of ?
	numbered bool
	// a single connection keeps an in-memory database alive
	singleConn bool
}

var (
	postgresDialect = sqlDialect{driver: "postgres", numbered: true}
	sqliteDialect   = sqlDialect{driver: "sqlite", singleConn: true}
)

func (d sqlDialect) placeholder(n int) string {
	if d.numbered {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

// SQLTaskStore keeps one row per task. Every write is a single statement.
type SQLTaskStore struct {
	dsn       string
	tableName string
	dialect   sqlDialect
	openDB    sqlOpenFunc
	now       func() time.Time

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresTaskStore(dsn string) (*SQLTaskStore, error) {
	return newSQLTaskStore(dsn, postgresDialect)
}

// NewSQLiteTaskStore opens the database at path; ":memory:" is supported.
func NewSQLiteTaskStore(path string) (*SQLTaskStore, error) {
	return newSQLTaskStore(path, sqliteDialect)
}

func newSQLTaskStore(dsn string, dialect sqlDialect) (*SQLTaskStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &SQLTaskStore{
		dsn:       dsn,
		tableName: sqlTaskTableName,
		dialect:   dialect,
		openDB:    sql.Open,
		now:       time.Now,
	}, nil
}

func (s *SQLTaskStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLTaskStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB(s.dialect.driver, s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		if s.dialect.singleConn {
			db.SetMaxOpenConns(1)
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()

		table := quoteIdentifier(s.tableName)
		statements := []string{
			fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				task_type TEXT NOT NULL,
				entity_type TEXT NOT NULL,
				entity_id TEXT NOT NULL,
				task_key TEXT NOT NULL,
				key_identifier TEXT NOT NULL,
				value TEXT NOT NULL,
				state TEXT NOT NULL,
				error TEXT NOT NULL DEFAULT '',
				last_updated BIGINT NOT NULL
			)`, table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (entity_type, state, last_updated)`,
				quoteIdentifier(s.tableName+"_lookup_idx"), table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (key_identifier)`,
				quoteIdentifier(s.tableName+"_identifier_idx"), table),
		}
		for _, stmt := range statements {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				s.initErr = err
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

func (s *SQLTaskStore) Create(ctx context.Context, task Task) (Task, error) {
	task, err := prepareCreate(task, s.now(), uuid.NewString)
	if err != nil {
		return Task{}, err
	}
	if err := s.ensureReady(); err != nil {
		return Task{}, err
	}
	value, err := task.Value.Encode()
	if err != nil {
		return Task{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	p := s.dialect.placeholder
	query := fmt.Sprintf(`
		INSERT INTO %s (id, task_type, entity_type, entity_id, task_key, key_identifier, value, state, error, last_updated)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		quoteIdentifier(s.tableName), p(1), p(2), p(3), p(4), p(5), p(6), p(7), p(8), p(9), p(10))
	_, err = s.db.ExecContext(ctx, query,
		task.ID, string(task.Kind), string(task.EntityType), task.EntityID, task.Key, KeyIdentifier(task.Key),
		value, string(task.State), task.Error, task.LastUpdated.UnixNano())
	if err != nil {
		return Task{}, err
	}
	return cloneTask(task), nil
}

func (s *SQLTaskStore) Update(ctx context.Context, task Task) (Task, error) {
	task, err := prepareUpdate(task, s.now())
	if err != nil {
		return Task{}, err
	}
	if err := s.ensureReady(); err != nil {
		return Task{}, err
	}
	value, err := task.Value.Encode()
	if err != nil {
		return Task{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	p := s.dialect.placeholder
	query := fmt.Sprintf(`
		UPDATE %s SET task_type = %s, entity_type = %s, entity_id = %s, task_key = %s,
			key_identifier = %s, value = %s, state = %s, error = %s, last_updated = %s
		WHERE id = %s`,
		quoteIdentifier(s.tableName), p(1), p(2), p(3), p(4), p(5), p(6), p(7), p(8), p(9), p(10))
	result, err := s.db.ExecContext(ctx, query,
		string(task.Kind), string(task.EntityType), task.EntityID, task.Key, KeyIdentifier(task.Key),
		value, string(task.State), task.Error, task.LastUpdated.UnixNano(), task.ID)
	if err != nil {
		return Task{}, err
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return Task{}, ErrNotFound
	}
	return cloneTask(task), nil
}

func (s *SQLTaskStore) Get(ctx context.Context, id string) (Task, error) {
	if err := s.ensureReady(); err != nil {
		return Task{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = %s",
		sqlTaskColumns, quoteIdentifier(s.tableName), s.dialect.placeholder(1))
	task, err := scanTask(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	if err != nil {
		return Task{}, err
	}
	return task, nil
}

func (s *SQLTaskStore) FindLatest(ctx context.Context, entityType EntityType, identifier string, includeError bool) (Task, bool, error) {
	tasks, err := s.FindAll(ctx, latestFilter(entityType, identifier, includeError))
	if err != nil || len(tasks) == 0 {
		return Task{}, false, err
	}
	return tasks[0], true, nil
}

func (s *SQLTaskStore) FindAll(ctx context.Context, filter TaskFilter) ([]Task, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	where, args := s.whereClause(filter)
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY last_updated DESC, id DESC",
		sqlTaskColumns, quoteIdentifier(s.tableName), where)
	if filter.Limit > 0 {
		query += " LIMIT " + strconv.Itoa(filter.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Task, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

func (s *SQLTaskStore) whereClause(filter TaskFilter) (string, []any) {
	clauses := make([]string, 0, 6)
	args := make([]any, 0, 8)
	next := func(value any) string {
		args = append(args, value)
		return s.dialect.placeholder(len(args))
	}
	if filter.EntityType != "" {
		clauses = append(clauses, "entity_type = "+next(string(filter.EntityType)))
	}
	if len(filter.Kinds) > 0 {
		marks := make([]string, 0, len(filter.Kinds))
		for _, kind := range filter.Kinds {
			marks = append(marks, next(string(kind)))
		}
		clauses = append(clauses, "task_type IN ("+strings.Join(marks, ", ")+")")
	}
	if filter.EntityID != "" {
		clauses = append(clauses, "entity_id = "+next(filter.EntityID))
	}
	if filter.Identifier != "" {
		clauses = append(clauses, fmt.Sprintf(`(task_key = %s OR entity_id = %s OR key_identifier = %s)`,
			next(filter.Identifier), next(filter.Identifier), next(filter.Identifier)))
	}
	if filter.KeyPrefix != "" {
		clauses = append(clauses, "task_key LIKE "+next(escapeLike(filter.KeyPrefix)+"%")+` ESCAPE '\'`)
	}
	states := filter.states()
	marks := make([]string, 0, len(states))
	for _, state := range states {
		marks = append(marks, next(string(state)))
	}
	clauses = append(clauses, "state IN ("+strings.Join(marks, ", ")+")")
	return strings.Join(clauses, " AND "), args
}

const sqlTaskColumns = "id, task_type, entity_type, entity_id, task_key, value, state, error, last_updated"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (Task, error) {
	var (
		task                    Task
		kind, entityType, state string
		value                   string
		lastUpdated             int64
	)
	if err := row.Scan(&task.ID, &kind, &entityType, &task.EntityID, &task.Key, &value, &state, &task.Error, &lastUpdated); err != nil {
		return Task{}, err
	}
	decoded, err := DecodeTaskValue(value)
	if err != nil {
		return Task{}, err
	}
	task.Kind, err = ParseTaskKind(kind)
	if err != nil {
		return Task{}, fmt.Errorf("task %s: %w", task.ID, err)
	}
	task.EntityType = EntityType(entityType)
	task.State = TaskState(state)
	task.Value = decoded
	task.LastUpdated = time.Unix(0, lastUpdated).UTC()
	return task, nil
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
