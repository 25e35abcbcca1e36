// Package alert is the operator-facing event channel: a durable SQLite log
// with in-process fan-out and optional push notification for severe levels.
package alert

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"punch/internal/logger"
	"punch/internal/notifier"
)

// DedupWindow suppresses repeats of the same (bot, type) pair. A repeat
// inside the window bumps the counter on the existing alert instead of
// producing a new one.
const DedupWindow = 60 * time.Second

type dedupKey struct {
	BotID string
	Type  string
}

type recentEntry struct {
	ID string
	At time.Time
}

type Bus struct {
	mu     sync.Mutex
	db     *sql.DB
	recent map[dedupKey]recentEntry
	now    func() time.Time

	push notifier.TextNotifier

	subMu   sync.RWMutex
	subs    map[int]chan Alert
	nextSub int
	closed  bool
}

// NewBus opens (or creates) the alert log at path. push may be nil; when set,
// critical and emergency alerts are forwarded to it.
func NewBus(path string, push notifier.TextNotifier) (*Bus, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("alert bus: database path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)
	if err := ensureAlertSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Bus{
		db:     db,
		recent: make(map[dedupKey]recentEntry),
		now:    func() time.Time { return time.Now().UTC() },
		push:   push,
		subs:   make(map[int]chan Alert),
	}, nil
}

func ensureAlertSchema(db *sql.DB) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS alerts (
    id              TEXT PRIMARY KEY,
    bot_id          TEXT NOT NULL DEFAULT '',
    type            TEXT NOT NULL,
    level           TEXT NOT NULL,
    message         TEXT NOT NULL,
    created_at      INTEGER NOT NULL,
    repeat_count    INTEGER NOT NULL DEFAULT 0,
    acknowledged    INTEGER NOT NULL DEFAULT 0,
    acknowledged_by TEXT NOT NULL DEFAULT '',
    acknowledged_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_alerts_bot ON alerts(bot_id, created_at);
CREATE INDEX IF NOT EXISTS idx_alerts_open ON alerts(acknowledged, level);
`
	_, err := db.Exec(ddl)
	return err
}

func (b *Bus) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	b.subMu.Lock()
	if !b.closed {
		b.closed = true
		for id, ch := range b.subs {
			close(ch)
			delete(b.subs, id)
		}
	}
	b.subMu.Unlock()
	return b.db.Close()
}

// Publish records the alert and fans it out. Repeats of the same (bot, type)
// inside the dedup window bump the counter of the prior alert instead of
// inserting a new row; a repeat that outranks the stored level upgrades the
// record in place. The returned alert is the surviving record either way.
func (b *Bus) Publish(ctx context.Context, a Alert) (Alert, error) {
	if b == nil || b.db == nil {
		return Alert{}, fmt.Errorf("alert bus not initialized")
	}
	a.Type = strings.TrimSpace(a.Type)
	if a.Type == "" {
		return Alert{}, fmt.Errorf("publish alert: type is required")
	}
	if !a.Level.Valid() {
		return Alert{}, fmt.Errorf("publish alert: invalid level %q", a.Level)
	}
	now := b.now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}

	b.mu.Lock()
	key := dedupKey{BotID: a.BotID, Type: a.Type}
	if prev, ok := b.recent[key]; ok && now.Sub(prev.At) < DedupWindow {
		b.mu.Unlock()
		return b.bumpRepeat(ctx, prev.ID, a)
	}
	a.ID = uuid.NewString()
	a.RepeatCount = 0
	b.recent[key] = recentEntry{ID: a.ID, At: now}
	b.mu.Unlock()

	_, err := b.db.ExecContext(ctx,
		`INSERT INTO alerts (id, bot_id, type, level, message, created_at, repeat_count) VALUES (?, ?, ?, ?, ?, ?, 0)`,
		a.ID, a.BotID, a.Type, string(a.Level), a.Message, a.CreatedAt.UnixMilli())
	if err != nil {
		return Alert{}, fmt.Errorf("publish alert: %w", err)
	}

	b.fanout(a)
	if b.push != nil && a.Level.AtLeast(LevelCritical) {
		go b.pushOut(a)
	}
	return a, nil
}

// bumpRepeat folds a deduped publish into the surviving alert. An incoming
// level that outranks the stored one replaces the level and message, so a
// critical arriving inside the window of an info is never recorded as an
// info repeat; the upgraded record is fanned out and pushed like a fresh
// insert would be.
func (b *Bus) bumpRepeat(ctx context.Context, id string, in Alert) (Alert, error) {
	prev, err := b.get(ctx, id)
	if err != nil {
		return Alert{}, err
	}
	if prev == nil {
		return Alert{}, fmt.Errorf("publish alert: deduped alert %s vanished", id)
	}

	upgraded := in.Level != prev.Level && in.Level.AtLeast(prev.Level)
	if upgraded {
		_, err = b.db.ExecContext(ctx,
			`UPDATE alerts SET repeat_count = repeat_count + 1, level = ?, message = ? WHERE id = ?`,
			string(in.Level), in.Message, id)
	} else {
		_, err = b.db.ExecContext(ctx,
			`UPDATE alerts SET repeat_count = repeat_count + 1 WHERE id = ?`, id)
	}
	if err != nil {
		return Alert{}, fmt.Errorf("publish alert: bump repeat: %w", err)
	}

	got, err := b.get(ctx, id)
	if err != nil {
		return Alert{}, err
	}
	if got == nil {
		return Alert{}, fmt.Errorf("publish alert: deduped alert %s vanished", id)
	}
	if upgraded {
		b.fanout(*got)
		if b.push != nil && got.Level.AtLeast(LevelCritical) {
			go b.pushOut(*got)
		}
	}
	return *got, nil
}

func (b *Bus) pushOut(a Alert) {
	label := strings.ToUpper(string(a.Level))
	scope := a.BotID
	if scope == "" {
		scope = "fleet"
	}
	if err := b.push.SendText(fmt.Sprintf("[%s] %s %s: %s", label, scope, a.Type, a.Message)); err != nil {
		logger.Warnf("alert push failed for %s: %v", a.ID, err)
	}
}

func (b *Bus) fanout(a Alert) {
	b.subMu.RLock()
	defer b.subMu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- a:
		default:
			// subscriber too slow, drop rather than block publishers
		}
	}
}

// Subscribe returns a channel of live alerts and a cancel func. The channel
// is buffered; alerts are dropped for subscribers that fall behind.
func (b *Bus) Subscribe(buffer int) (<-chan Alert, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Alert, buffer)
	b.subMu.Lock()
	if b.closed {
		b.subMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextSub
	b.nextSub++
	b.subs[id] = ch
	b.subMu.Unlock()

	return ch, func() {
		b.subMu.Lock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
		b.subMu.Unlock()
	}
}

// Acknowledge marks an alert as handled. Acknowledging an already-acked
// alert is a no-op; an unknown id is an error.
func (b *Bus) Acknowledge(ctx context.Context, id, by string) error {
	if b == nil || b.db == nil {
		return fmt.Errorf("alert bus not initialized")
	}
	res, err := b.db.ExecContext(ctx,
		`UPDATE alerts SET acknowledged = 1, acknowledged_by = ?, acknowledged_at = ? WHERE id = ? AND acknowledged = 0`,
		strings.TrimSpace(by), b.now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("acknowledge alert %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	got, err := b.get(ctx, id)
	if err != nil {
		return err
	}
	if got == nil {
		return fmt.Errorf("acknowledge alert: %s not found", id)
	}
	return nil
}

// HasBlockingAlert reports whether an unacknowledged emergency alert exists
// for the bot or for the fleet as a whole.
func (b *Bus) HasBlockingAlert(ctx context.Context, botID string) (bool, error) {
	if b == nil || b.db == nil {
		return false, fmt.Errorf("alert bus not initialized")
	}
	var n int
	err := b.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM alerts WHERE level = ? AND acknowledged = 0 AND (bot_id = ? OR bot_id = '')`,
		string(LevelEmergency), botID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("blocking alert check: %w", err)
	}
	return n > 0, nil
}

// List returns alerts newest-first.
func (b *Bus) List(ctx context.Context, f Filter) ([]Alert, error) {
	if b == nil || b.db == nil {
		return nil, fmt.Errorf("alert bus not initialized")
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	where := []string{"1=1"}
	args := []any{}
	if f.BotID != "" {
		where = append(where, "bot_id = ?")
		args = append(args, f.BotID)
	}
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, f.Type)
	}
	if f.Unacked {
		where = append(where, "acknowledged = 0")
	}
	args = append(args, limit)

	query := fmt.Sprintf(
		`SELECT id, bot_id, type, level, message, created_at, repeat_count, acknowledged, acknowledged_by, acknowledged_at
		 FROM alerts WHERE %s ORDER BY created_at DESC, id DESC LIMIT ?`,
		strings.Join(where, " AND "))

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var out []Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		// MinLevel is filtered in Go so the severity order lives in one place.
		if f.MinLevel != "" && !a.Level.AtLeast(f.MinLevel) {
			continue
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (b *Bus) get(ctx context.Context, id string) (*Alert, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, bot_id, type, level, message, created_at, repeat_count, acknowledged, acknowledged_by, acknowledged_at
		 FROM alerts WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get alert %s: %w", id, err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	a, err := scanAlert(rows)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func scanAlert(rows *sql.Rows) (Alert, error) {
	var (
		a         Alert
		level     string
		createdAt int64
		acked     int
		ackedAt   sql.NullInt64
	)
	if err := rows.Scan(&a.ID, &a.BotID, &a.Type, &level, &a.Message, &createdAt, &a.RepeatCount, &acked, &a.AcknowledgedBy, &ackedAt); err != nil {
		return Alert{}, fmt.Errorf("scan alert: %w", err)
	}
	a.Level = Level(level)
	a.CreatedAt = time.UnixMilli(createdAt).UTC()
	a.Acknowledged = acked != 0
	if ackedAt.Valid && ackedAt.Int64 > 0 {
		ts := time.UnixMilli(ackedAt.Int64).UTC()
		a.AcknowledgedAt = &ts
	}
	return a, nil
}
