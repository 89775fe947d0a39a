package scraper

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("scraper: pool closed")

// Session is one isolated browsing context. A session is used by a single
// caller at a time.
type Session interface {
	Scrape(ctx context.Context, target string, screenshot bool) (*Snapshot, error)
	Close() error
}

// Factory opens a new session.
type Factory func(ctx context.Context) (Session, error)

// Pool bounds the number of live sessions. Idle sessions are reused in FIFO
// order so load spreads across contexts; new ones are created lazily up to
// the capacity.
type Pool struct {
	factory Factory
	logger  *slog.Logger
	slots   chan struct{} // one token per live-or-creatable session

	mu     sync.Mutex
	idle   []Session
	closed bool
}

// NewPool creates a pool holding at most size sessions.
func NewPool(size int, factory Factory, logger *slog.Logger) *Pool {
	if size <= 0 {
		size = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		factory: factory,
		logger:  logger,
		slots:   make(chan struct{}, size),
	}
}

// Acquire returns an idle session or opens a new one, waiting for a free slot
// until ctx ends. Every successful Acquire must be paired with Release.
func (p *Pool) Acquire(ctx context.Context) (Session, error) {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.slots
		return nil, ErrPoolClosed
	}
	if len(p.idle) > 0 {
		s := p.idle[0]
		p.idle[0] = nil
		p.idle = p.idle[1:]
		p.mu.Unlock()
		return s, nil
	}
	p.mu.Unlock()

	s, err := p.factory(ctx)
	if err != nil {
		<-p.slots
		return nil, err
	}
	return s, nil
}

// Release hands a session back. Broken sessions are closed and their slot
// freed for a fresh one.
func (p *Pool) Release(s Session, broken bool) {
	defer func() { <-p.slots }()

	p.mu.Lock()
	if broken || p.closed {
		p.mu.Unlock()
		if err := s.Close(); err != nil {
			p.logger.Warn("scraper: close session", "error", err)
		}
		return
	}
	p.idle = append(p.idle, s)
	p.mu.Unlock()
}

// Stats reports idle and in-use session counts.
func (p *Pool) Stats() (idle, inUse int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle), len(p.slots)
}

// Close closes idle sessions. Sessions still in use are closed on Release.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	var errs []error
	for _, s := range idle {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
