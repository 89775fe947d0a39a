// Package ledger persists provider attempt outcomes and issued integrity
// proofs to SQLite.
//
// Outcomes arrive on the request path, so they are queued and written in
// batches by a background goroutine; a full queue drops records rather than
// slowing requests down. Proofs are written synchronously: a proof the caller
// has been handed must be findable afterwards.
//
//	db, _ := ledger.Open("xrelay.db", ledger.WithMkdirAll())
//	l, _ := ledger.New(db)
//	defer l.Close()
//	orchestrator.New(orchestrator.WithSink(l))
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hazyhaar/xrelay/integrity"
	"github.com/hazyhaar/xrelay/kit"
	"github.com/hazyhaar/xrelay/orchestrator"
	"github.com/hazyhaar/xrelay/provider"
)

// ErrNotFound is returned by LookupProof for an unknown content hash.
var ErrNotFound = errors.New("ledger: not found")

// Schema creates the ledger tables. New applies it.
const Schema = `
CREATE TABLE IF NOT EXISTS attempt_outcomes (
	id TEXT PRIMARY KEY,
	request_id TEXT NOT NULL DEFAULT '',
	op TEXT NOT NULL,
	provider TEXT NOT NULL,
	succeeded INTEGER NOT NULL,
	skipped INTEGER NOT NULL,
	attempts INTEGER NOT NULL,
	latency_ms INTEGER NOT NULL,
	kind TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_attempt_outcomes_ts ON attempt_outcomes(created_at);
CREATE INDEX IF NOT EXISTS idx_attempt_outcomes_provider ON attempt_outcomes(provider, created_at);

CREATE TABLE IF NOT EXISTS integrity_proofs (
	content_hash TEXT NOT NULL,
	root_hash TEXT NOT NULL,
	components TEXT NOT NULL,
	item_id TEXT NOT NULL,
	provider TEXT NOT NULL,
	fetched_at TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (content_hash, root_hash)
);
CREATE INDEX IF NOT EXISTS idx_integrity_proofs_item ON integrity_proofs(item_id);
`

const batchSize = 64

// ProofRecord is a stored proof with the item it was issued for.
type ProofRecord struct {
	Proof     integrity.Proof `json:"proof"`
	ItemID    string          `json:"item_id"`
	Provider  provider.ID     `json:"provider"`
	FetchedAt time.Time       `json:"fetched_at"`
	IssuedAt  time.Time       `json:"issued_at"`
}

// Stats aggregates outcomes for one provider.
type Stats struct {
	Attempts     int     `json:"attempts"`
	Successes    int     `json:"successes"`
	Failures     int     `json:"failures"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

type row struct {
	id        string
	requestID string
	o         orchestrator.Outcome
	at        time.Time
}

// Ledger is an orchestrator.OutcomeSink backed by SQLite.
type Ledger struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
	newID  func() string

	mu     sync.RWMutex
	ch     chan row
	closed bool
	done   chan struct{}
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the logger for write failures.
func WithLogger(l *slog.Logger) Option {
	return func(lg *Ledger) { lg.logger = l }
}

// WithClock sets a custom clock function (for testing).
func WithClock(fn func() time.Time) Option {
	return func(lg *Ledger) { lg.now = fn }
}

// WithIDGenerator replaces the UUIDv7 row id generator.
func WithIDGenerator(fn func() string) Option {
	return func(lg *Ledger) { lg.newID = fn }
}

// WithBuffer sets the outcome queue length. Default 1024.
func WithBuffer(n int) Option {
	return func(lg *Ledger) {
		if n > 0 {
			lg.ch = make(chan row, n)
		}
	}
}

// New applies the schema and starts the background writer. The caller keeps
// ownership of db and closes it after Close.
func New(db *sql.DB, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		db:     db,
		logger: slog.Default(),
		now:    time.Now,
		newID:  func() string { return uuid.Must(uuid.NewV7()).String() },
		ch:     make(chan row, 1024),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("ledger: schema: %w", err)
	}
	go l.flushLoop()
	return l, nil
}

// RecordOutcome queues o for persistence. It never blocks; records are
// dropped when the queue is full or the ledger is closed.
func (l *Ledger) RecordOutcome(ctx context.Context, o orchestrator.Outcome) {
	r := row{id: l.newID(), requestID: kit.GetRequestID(ctx), o: o, at: l.now()}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.ch <- r:
	default:
		l.logger.WarnContext(ctx, "ledger: outcome queue full, dropping record",
			"provider", o.Provider, "op", o.Op)
	}
}

// SaveProof stores the proof issued for item. Saving the same proof twice is
// a no-op.
func (l *Ledger) SaveProof(ctx context.Context, item provider.Item, p *integrity.Proof) error {
	components, err := json.Marshal(p.Components)
	if err != nil {
		return fmt.Errorf("ledger: encode components: %w", err)
	}
	_, err = l.db.ExecContext(ctx, `INSERT OR IGNORE INTO integrity_proofs
		(content_hash, root_hash, components, item_id, provider, fetched_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ContentHash, p.RootHash, string(components), item.ID, string(item.Provider),
		item.FetchedAt.UTC().Format(time.RFC3339Nano), l.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("ledger: save proof: %w", err)
	}
	return nil
}

// LookupProof returns the most recently issued proof for contentHash.
func (l *Ledger) LookupProof(ctx context.Context, contentHash string) (*ProofRecord, error) {
	var (
		rec        ProofRecord
		components string
		fetchedAt  string
		issuedAt   int64
		prov       string
	)
	err := l.db.QueryRowContext(ctx, `SELECT content_hash, root_hash, components, item_id, provider, fetched_at, created_at
		FROM integrity_proofs WHERE content_hash = ?
		ORDER BY created_at DESC, fetched_at DESC LIMIT 1`, contentHash).
		Scan(&rec.Proof.ContentHash, &rec.Proof.RootHash, &components, &rec.ItemID, &prov, &fetchedAt, &issuedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: lookup proof: %w", err)
	}
	if err := json.Unmarshal([]byte(components), &rec.Proof.Components); err != nil {
		return nil, fmt.Errorf("ledger: decode components: %w", err)
	}
	rec.FetchedAt, err = time.Parse(time.RFC3339Nano, fetchedAt)
	if err != nil {
		return nil, fmt.Errorf("ledger: decode fetched_at: %w", err)
	}
	rec.Provider = provider.ID(prov)
	rec.IssuedAt = time.UnixMilli(issuedAt).UTC()
	return &rec, nil
}

// ProviderStats aggregates outcomes recorded since the given time. Skipped
// links are not counted.
func (l *Ledger) ProviderStats(ctx context.Context, since time.Time) (map[provider.ID]Stats, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT provider, COUNT(*), SUM(succeeded), AVG(latency_ms)
		FROM attempt_outcomes WHERE created_at >= ? AND skipped = 0
		GROUP BY provider`, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("ledger: stats: %w", err)
	}
	defer rows.Close()

	out := make(map[provider.ID]Stats)
	for rows.Next() {
		var (
			id string
			s  Stats
		)
		if err := rows.Scan(&id, &s.Attempts, &s.Successes, &s.AvgLatencyMs); err != nil {
			return nil, fmt.Errorf("ledger: stats scan: %w", err)
		}
		s.Failures = s.Attempts - s.Successes
		out[provider.ID(id)] = s
	}
	return out, rows.Err()
}

// Cleanup deletes outcome rows older than retention. Proofs are kept: a
// client may come back to verify content long after the fetch.
func (l *Ledger) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := l.now().Add(-retention).UnixMilli()
	res, err := l.db.ExecContext(ctx, `DELETE FROM attempt_outcomes WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("ledger: cleanup: %w", err)
	}
	return res.RowsAffected()
}

// RunCleanup calls Cleanup every interval until ctx ends.
func (l *Ledger) RunCleanup(ctx context.Context, every, retention time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := l.Cleanup(ctx, retention)
			if err != nil {
				l.logger.WarnContext(ctx, "ledger: cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				l.logger.InfoContext(ctx, "ledger: cleanup", "deleted", n)
			}
		}
	}
}

// Close drains queued outcomes and stops the writer.
func (l *Ledger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.ch)
	l.mu.Unlock()
	<-l.done
	return nil
}

func (l *Ledger) flushLoop() {
	defer close(l.done)

	batch := make([]row, 0, batchSize)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case r, ok := <-l.ch:
			if !ok {
				l.flush(batch)
				return
			}
			batch = append(batch, r)
			if len(batch) >= batchSize {
				l.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				l.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func (l *Ledger) flush(batch []row) {
	if len(batch) == 0 {
		return
	}
	tx, err := l.db.Begin()
	if err != nil {
		l.logger.Error("ledger: begin tx", "error", err)
		return
	}
	stmt, err := tx.Prepare(`INSERT INTO attempt_outcomes
		(id, request_id, op, provider, succeeded, skipped, attempts, latency_ms, kind, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		l.logger.Error("ledger: prepare", "error", err)
		return
	}
	defer stmt.Close()

	for _, r := range batch {
		var kind, msg string
		if r.o.Err != nil {
			kind, msg = r.o.Kind.String(), r.o.Err.Error()
		}
		if _, err := stmt.Exec(r.id, r.requestID, string(r.o.Op), string(r.o.Provider),
			r.o.Succeeded, r.o.Skipped, r.o.Attempts, r.o.Latency.Milliseconds(),
			kind, msg, r.at.UnixMilli()); err != nil {
			l.logger.Error("ledger: insert outcome", "error", err)
		}
	}
	if err := tx.Commit(); err != nil {
		l.logger.Error("ledger: commit", "error", err)
	}
}
