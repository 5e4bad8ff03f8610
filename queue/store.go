package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/glebarez/go-sqlite"
)

var (
	// ErrStorageUnavailable means the durable store cannot be opened
	// or written. It must be surfaced to the user: the queue is their
	// only record of unsent work.
	ErrStorageUnavailable = errors.New("submission storage unavailable")

	// ErrNotFound means no queued request exists for the identifier.
	ErrNotFound = errors.New("queued request not found")
)

// QueuedRequest is a durable record of one deferred state-changing
// submission. Rows are append-only: created on enqueue, deleted
// exactly once after a successful replay or an explicit discard,
// never updated in place.
type QueuedRequest struct {
	// Store-assigned auto-incrementing identifier, stable for the
	// life of the item.
	ID int64 `json:"id"`
	// Logical resource kind, e.g. "location".
	Model string `json:"model"`
	// JSON-encoded flat field-name to value mapping. Excludes the
	// method-override pseudo-field.
	Data string `json:"data"`
	// Target URL for replay.
	URL string `json:"url"`
	// Logical action derived from the HTTP method: "created" or "updated".
	Action string `json:"action"`
	// Effective HTTP method, lower case.
	Method string `json:"method"`
	// Anti-forgery token captured at submission time. If it has since
	// expired, replay fails and the item stays queued.
	Token string `json:"token"`
	// Human-readable display label for the affected resource.
	Name string `json:"name"`
}

// Store is the durable collection of queued requests.
// Implementations must be thread-safe. Insert is an append with a
// store-assigned identifier and List preserves insertion order, so
// users see submissions in the order they made them.
type Store interface {
	Insert(ctx context.Context, item QueuedRequest) (int64, error)
	List(ctx context.Context) ([]QueuedRequest, error)
	Get(ctx context.Context, id int64) (QueuedRequest, error)
	Delete(ctx context.Context, id int64) error
	Close() error
}

type SQLiteStore struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

func NewSQLiteStore(filename string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS submissions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		model TEXT NOT NULL,
		data TEXT NOT NULL,
		url TEXT NOT NULL,
		action TEXT NOT NULL,
		method TEXT NOT NULL,
		token TEXT NOT NULL,
		name TEXT NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return &SQLiteStore{db: db, writeMutex: &sync.Mutex{}}, nil
}

func (s *SQLiteStore) Insert(ctx context.Context, item QueuedRequest) (int64, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	result, err := s.db.ExecContext(ctx,
		"INSERT INTO submissions (model, data, url, action, method, token, name) VALUES (?, ?, ?, ?, ?, ?, ?)",
		item.Model, item.Data, item.URL, item.Action, item.Method, item.Token, item.Name)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return id, nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]QueuedRequest, error) {
	items := make([]QueuedRequest, 0)
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, model, data, url, action, method, token, name FROM submissions ORDER BY id")
	if err != nil {
		return items, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	defer rows.Close()
	for rows.Next() {
		var item QueuedRequest
		if err := rows.Scan(&item.ID, &item.Model, &item.Data, &item.URL,
			&item.Action, &item.Method, &item.Token, &item.Name); err != nil {
			return items, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *SQLiteStore) Get(ctx context.Context, id int64) (QueuedRequest, error) {
	var item QueuedRequest
	err := s.db.QueryRowContext(ctx,
		"SELECT id, model, data, url, action, method, token, name FROM submissions WHERE id = ?", id).
		Scan(&item.ID, &item.Model, &item.Data, &item.URL,
			&item.Action, &item.Method, &item.Token, &item.Name)
	if err == sql.ErrNoRows {
		return item, ErrNotFound
	}
	if err != nil {
		return item, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return item, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id int64) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	result, err := s.db.ExecContext(ctx, "DELETE FROM submissions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// MemStore is an in-memory Store for tests.
type MemStore struct {
	mutex  sync.Mutex
	nextID int64
	items  []QueuedRequest
}

func NewMemStore() *MemStore {
	return &MemStore{nextID: 1}
}

func (m *MemStore) Insert(ctx context.Context, item QueuedRequest) (int64, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	item.ID = m.nextID
	m.nextID++
	m.items = append(m.items, item)
	return item.ID, nil
}

func (m *MemStore) List(ctx context.Context) ([]QueuedRequest, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	items := make([]QueuedRequest, len(m.items))
	copy(items, m.items)
	return items, nil
}

func (m *MemStore) Get(ctx context.Context, id int64) (QueuedRequest, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for _, item := range m.items {
		if item.ID == id {
			return item, nil
		}
	}
	return QueuedRequest{}, ErrNotFound
}

func (m *MemStore) Delete(ctx context.Context, id int64) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for i, item := range m.items {
		if item.ID == id {
			m.items = append(m.items[:i], m.items[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemStore) Close() error {
	return nil
}
