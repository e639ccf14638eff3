package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	dbconfig "github.com/Daniel-20051/lms-admin-app-sub003/pkg/database"
	"github.com/Daniel-20051/lms-admin-app-sub003/pkg/interfaces"
	"github.com/Daniel-20051/lms-admin-app-sub003/pkg/types"
)

var (
	ErrManagerClosed = errors.New("database manager is closed")
	ErrWriteTimeout  = errors.New("write operation timeout")
)

// Manager is the relay store. Reads run concurrently on the pool; all
// writes are funneled through one goroutine so SQLite never sees two
// writers at once.
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
}

var _ interfaces.DatabaseManager = (*Manager)(nil)

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the database, applies the embedded migrations and
// starts the writer.
func NewManager(config *dbconfig.Config) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}

	db, err := sql.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := applySQLiteOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}

	applied, err := dbconfig.NewEmbeddedMigrationManager(db).ApplyMigrations()
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	if len(applied) > 0 {
		log.Printf("[database] applied migrations %v", applied)
	}

	m := &Manager{
		db:           db,
		config:       config,
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
	}
	m.wg.Add(1)
	go m.writeLoop()
	return m, nil
}

func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			err := op.operation(m.db)
			if isBusy(err) {
				log.Printf("[database] write hit a locked database, retrying: %v", err)
				time.Sleep(100 * time.Millisecond)
				err = op.operation(m.db)
			}
			op.result <- err

		case <-m.shutdown:
			return
		}
	}
}

func isBusy(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked)
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) &&
		(se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
}

func (m *Manager) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return ErrManagerClosed
	}

	result := make(chan error, 1)
	timer := time.NewTimer(m.config.WriteTimeout)
	defer timer.Stop()

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
	case <-timer.C:
		return ErrWriteTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-m.shutdown:
		return ErrManagerClosed
	}
	return <-result
}

func (m *Manager) UpsertUser(ctx context.Context, user *types.User) error {
	if !types.IsValidUserID(user.ID) {
		return types.ErrInvalidUserID
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO users (id, name, role, created_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET name = excluded.name, role = excluded.role
		`, user.ID, user.Name, user.Role, user.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to upsert user: %w", err)
		}
		return nil
	})
}

func (m *Manager) GetUser(ctx context.Context, userID string) (*types.User, error) {
	var u types.User
	err := m.db.QueryRowContext(ctx,
		`SELECT id, name, role, created_at FROM users WHERE id = ?`, userID,
	).Scan(&u.ID, &u.Name, &u.Role, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return &u, nil
}

// CreateThread stores a thread and its participants atomically.
func (m *Manager) CreateThread(ctx context.Context, thread *types.ThreadRecord) error {
	if err := thread.Validate(); err != nil {
		return err
	}
	if thread.CreatedAt.IsZero() {
		thread.CreatedAt = time.Now().UTC()
	}

	return m.executeWrite(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		_, err = tx.ExecContext(ctx,
			`INSERT INTO threads (id, kind, title, course_id, created_at) VALUES (?, ?, ?, ?, ?)`,
			thread.ID, thread.Kind, thread.Title, nullString(thread.CourseID), thread.CreatedAt,
		)
		if isUniqueViolation(err) {
			return fmt.Errorf("thread %s: %w", thread.ID, interfaces.ErrDuplicate)
		}
		if err != nil {
			return fmt.Errorf("failed to insert thread: %w", err)
		}

		for _, userID := range thread.ParticipantIDs {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO thread_participants (thread_id, user_id) VALUES (?, ?)`,
				thread.ID, userID,
			); err != nil {
				return fmt.Errorf("failed to insert participant %s: %w", userID, err)
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit thread creation: %w", err)
		}
		return nil
	})
}

func (m *Manager) GetThread(ctx context.Context, threadID string) (*types.ThreadRecord, error) {
	var (
		t        types.ThreadRecord
		courseID sql.NullString
	)
	err := m.db.QueryRowContext(ctx,
		`SELECT id, kind, title, course_id, created_at FROM threads WHERE id = ?`, threadID,
	).Scan(&t.ID, &t.Kind, &t.Title, &courseID, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query thread: %w", err)
	}
	t.CourseID = courseID.String

	if t.ParticipantIDs, err = m.participants(ctx, t.ID); err != nil {
		return nil, err
	}
	return &t, nil
}

// ListThreadsForUser returns the user's threads with their last message,
// most recently active first.
func (m *Manager) ListThreadsForUser(ctx context.Context, userID string) ([]*types.ThreadRecord, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT t.id, t.kind, t.title, t.course_id, t.created_at
		FROM threads t
		JOIN thread_participants p ON p.thread_id = t.id
		WHERE p.user_id = ?
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query threads: %w", err)
	}

	var threads []*types.ThreadRecord
	for rows.Next() {
		var (
			t        types.ThreadRecord
			courseID sql.NullString
		)
		if err := rows.Scan(&t.ID, &t.Kind, &t.Title, &courseID, &t.CreatedAt); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan thread row: %w", err)
		}
		t.CourseID = courseID.String
		threads = append(threads, &t)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("error iterating thread rows: %w", err)
	}
	_ = rows.Close()

	for _, t := range threads {
		if t.ParticipantIDs, err = m.participants(ctx, t.ID); err != nil {
			return nil, err
		}
		last, err := m.GetThreadHistory(ctx, t.ID, 1)
		if err != nil {
			return nil, err
		}
		if len(last) == 1 {
			t.LastMessage = last[0]
		}
	}

	slices.SortFunc(threads, func(a, b *types.ThreadRecord) int {
		return b.ActivityAt().Compare(a.ActivityAt())
	})
	return threads, nil
}

func (m *Manager) participants(ctx context.Context, threadID string) ([]string, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT user_id FROM thread_participants WHERE thread_id = ? ORDER BY user_id`, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to query participants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// StoreMessage persists a routed message. A second message with the same
// sender and client id fails with interfaces.ErrDuplicate.
func (m *Manager) StoreMessage(ctx context.Context, message *types.Message) error {
	if err := types.ValidateBody(message.Body); err != nil {
		return err
	}
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO messages (id, client_id, thread_id, course_id, sender_id, sender_name, body, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`,
			message.ID, message.ClientID, message.ThreadID, message.CourseID,
			message.SenderID, message.SenderName, message.Body, message.CreatedAt.UTC(),
		)
		if isUniqueViolation(err) {
			return fmt.Errorf("message %s: %w", message.ClientID, interfaces.ErrDuplicate)
		}
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
		return nil
	})
}

const messageColumns = `id, client_id, thread_id, course_id, sender_id, sender_name, body, created_at`

func scanMessage(row interface{ Scan(...any) error }) (*types.Message, error) {
	var msg types.Message
	if err := row.Scan(&msg.ID, &msg.ClientID, &msg.ThreadID, &msg.CourseID,
		&msg.SenderID, &msg.SenderName, &msg.Body, &msg.CreatedAt); err != nil {
		return nil, err
	}
	msg.DeliveryState = types.DeliveryAcknowledged
	return &msg, nil
}

func (m *Manager) GetMessageByClientID(ctx context.Context, senderID, clientID string) (*types.Message, error) {
	if clientID == "" {
		return nil, interfaces.ErrNotFound
	}
	msg, err := scanMessage(m.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE sender_id = ? AND client_id = ?`, senderID, clientID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query message: %w", err)
	}
	return msg, nil
}

// GetThreadHistory returns the newest limit messages of a thread, oldest
// first. A limit of zero or less returns the whole thread.
func (m *Manager) GetThreadHistory(ctx context.Context, threadID string, limit int) ([]*types.Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := m.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE thread_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query thread history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []*types.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating message rows: %w", err)
	}
	slices.Reverse(messages)
	return messages, nil
}

func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var n int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM threads").Scan(&n); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// GetDB exposes the pool for schema validation.
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

func applySQLiteOptimizations(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -64000",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
