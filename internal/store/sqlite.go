package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/yourorg/reqsniffer/pkg/types"
)

const watchBuffer = 16

type SQLiteSettings struct {
	db *sql.DB
	// writeMu serializes Set so read-modify-write of both keys is atomic.
	writeMu sync.Mutex

	mu       sync.Mutex
	watchers map[chan types.SettingsChange]struct{}
}

func NewSQLiteSettings(dsn string) (*SQLiteSettings, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteSettings{db: db, watchers: make(map[chan types.SettingsChange]struct{})}
	if err := s.Init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteSettings) Init() error {
	if _, err := s.db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return err
	}
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);`); err != nil {
		return err
	}
	return nil
}

func (s *SQLiteSettings) Get(ctx context.Context) (types.Settings, error) {
	return getSettings(ctx, s.db)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func getSettings(ctx context.Context, q queryer) (types.Settings, error) {
	out := types.DefaultSettings()
	rows, err := q.QueryContext(ctx, `SELECT key,value FROM settings WHERE key IN (?,?)`, KeyEnabled, KeyURLPattern)
	if err != nil {
		return out, err
	}
	defer rows.Close()
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return out, err
		}
		switch key {
		case KeyEnabled:
			if err := json.Unmarshal([]byte(value), &out.Enabled); err != nil {
				return out, fmt.Errorf("decode %s: %w", key, err)
			}
		case KeyURLPattern:
			if err := json.Unmarshal([]byte(value), &out.URLPattern); err != nil {
				return out, fmt.Errorf("decode %s: %w", key, err)
			}
		}
	}
	if err := rows.Err(); err != nil {
		return out, err
	}
	return out.Normalize(), nil
}

func (s *SQLiteSettings) Set(ctx context.Context, u types.SettingsUpdate) (types.Settings, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return types.Settings{}, err
	}
	defer tx.Rollback()

	old, err := getSettings(ctx, tx)
	if err != nil {
		return types.Settings{}, err
	}
	next := u.Apply(old)

	var changes []types.SettingsChange
	now := time.Now().UTC()
	if u.Enabled != nil {
		if err := upsert(ctx, tx, KeyEnabled, next.Enabled, now); err != nil {
			return types.Settings{}, err
		}
		if old.Enabled != next.Enabled {
			changes = append(changes, types.SettingsChange{Key: KeyEnabled, OldValue: old.Enabled, NewValue: next.Enabled})
		}
	}
	if u.URLPattern != nil {
		if err := upsert(ctx, tx, KeyURLPattern, next.URLPattern, now); err != nil {
			return types.Settings{}, err
		}
		if old.URLPattern != next.URLPattern {
			changes = append(changes, types.SettingsChange{Key: KeyURLPattern, OldValue: old.URLPattern, NewValue: next.URLPattern})
		}
	}
	if err := tx.Commit(); err != nil {
		return types.Settings{}, err
	}

	s.notify(changes)
	return next, nil
}

func upsert(ctx context.Context, tx *sql.Tx, key string, value any, now time.Time) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO settings(key,value,updated_at) VALUES(?,?,?)
	ON CONFLICT(key) DO UPDATE SET value=excluded.value,updated_at=excluded.updated_at`, key, string(b), now)
	return err
}

func (s *SQLiteSettings) Watch() (<-chan types.SettingsChange, func()) {
	ch := make(chan types.SettingsChange, watchBuffer)
	s.mu.Lock()
	s.watchers[ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			if _, ok := s.watchers[ch]; ok {
				delete(s.watchers, ch)
				close(ch)
			}
			s.mu.Unlock()
		})
	}
}

func (s *SQLiteSettings) notify(changes []types.SettingsChange) {
	if len(changes) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.watchers {
		for _, c := range changes {
			// A watcher that stopped reading misses the change; it can still Get.
			select {
			case ch <- c:
			default:
			}
		}
	}
}

func (s *SQLiteSettings) Close() error {
	if s.db == nil {
		return errors.New("store is nil")
	}
	s.mu.Lock()
	for ch := range s.watchers {
		close(ch)
	}
	s.watchers = make(map[chan types.SettingsChange]struct{})
	s.mu.Unlock()
	return s.db.Close()
}
