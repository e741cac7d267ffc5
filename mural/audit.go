package mural

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// AuditLog records lifecycle events in a SQLite database. Writes happen on
// a background goroutine; the record file stays the source of truth.
type AuditLog struct {
	db  *sql.DB
	log *zap.Logger

	ch     chan Event
	wg     sync.WaitGroup
	once   sync.Once
	mu     sync.RWMutex // guards sends against close(ch)
	closed atomic.Bool
}

// OpenAuditLog opens or creates the database at path.
func OpenAuditLog(path string, log *zap.Logger) (*AuditLog, error) {
	if path == "" {
		return nil, fmt.Errorf("empty audit db path")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		`CREATE TABLE IF NOT EXISTS events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			ts INTEGER NOT NULL,
			kind TEXT NOT NULL,
			mural_id TEXT NOT NULL,
			world TEXT NOT NULL,
			image_url TEXT NOT NULL,
			tiles INTEGER NOT NULL,
			removed INTEGER NOT NULL,
			error TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_mural ON events(mural_id, seq);`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init audit db: %w", err)
		}
	}

	a := &AuditLog{
		db:  db,
		log: log,
		ch:  make(chan Event, 4096),
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.loop()
	}()
	return a, nil
}

// Emit queues ev. Events are dropped if the writer falls behind.
func (a *AuditLog) Emit(ev Event) {
	if a == nil || a.closed.Load() {
		return
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed.Load() {
		return
	}
	select {
	case a.ch <- ev:
	default:
		a.log.Warn("audit queue full, dropping event", zap.String("kind", string(ev.Kind)))
	}
}

func (a *AuditLog) loop() {
	insert, err := a.db.Prepare(`INSERT INTO events(ts,kind,mural_id,world,image_url,tiles,removed,error) VALUES(?,?,?,?,?,?,?,?)`)
	if err != nil {
		a.log.Error("prepare audit insert", zap.Error(err))
		for range a.ch {
		}
		return
	}
	defer insert.Close()

	for ev := range a.ch {
		if _, err := insert.Exec(ev.Timestamp, string(ev.Kind), ev.MuralID, ev.World, ev.ImageURL, ev.Tiles, ev.Removed, ev.Error); err != nil {
			a.log.Warn("audit insert failed", zap.String("kind", string(ev.Kind)), zap.Error(err))
		}
	}
}

// Close flushes queued events and closes the database.
func (a *AuditLog) Close() error {
	var err error
	a.once.Do(func() {
		a.mu.Lock()
		a.closed.Store(true)
		close(a.ch)
		a.mu.Unlock()
		a.wg.Wait()
		err = a.db.Close()
	})
	return err
}

// Counts returns how many events of each kind were recorded.
func (a *AuditLog) Counts(ctx context.Context) (map[EventKind]int, error) {
	rows, err := a.db.QueryContext(ctx, `SELECT kind, COUNT(*) FROM events GROUP BY kind`)
	if err != nil {
		return nil, fmt.Errorf("query audit counts: %w", err)
	}
	defer rows.Close()

	out := make(map[EventKind]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		out[EventKind(kind)] = n
	}
	return out, rows.Err()
}

// History returns up to limit events for one mural, newest first.
func (a *AuditLog) History(ctx context.Context, muralID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := a.db.QueryContext(ctx,
		`SELECT ts, kind, mural_id, world, image_url, tiles, removed, error
		 FROM events WHERE mural_id = ? ORDER BY seq DESC LIMIT ?`, muralID, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit history: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var kind string
		if err := rows.Scan(&ev.Timestamp, &kind, &ev.MuralID, &ev.World, &ev.ImageURL, &ev.Tiles, &ev.Removed, &ev.Error); err != nil {
			return nil, err
		}
		ev.Kind = EventKind(kind)
		out = append(out, ev)
	}
	return out, rows.Err()
}
