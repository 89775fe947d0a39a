// Package scraper reads single posts by driving a headless Chrome through
// go-rod. It is the slowest source and the one that works when the API is out
// of quota, so chains place it last for item lookups.
//
// Browser contexts are expensive: the provider keeps a bounded pool of
// incognito sessions and reuses them across requests.
package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"

	"github.com/hazyhaar/xrelay/provider"
)

// ErrNoContent means the page loaded but held no post text.
var ErrNoContent = errors.New("scraper: post text not found")

// Snapshot is what a session extracts from one post page.
type Snapshot struct {
	// Data is the JSON object produced by the in-page extraction script.
	Data string
	// HTML is the outer HTML of the post article.
	HTML string
	// Screenshot is a PNG of the article when requested.
	Screenshot []byte
	// Missing is set when the page reports the post does not exist.
	Missing bool
}

// Config configures the scraper.
type Config struct {
	// RemoteURL is the WebSocket URL of an external Chrome. Empty launches one.
	RemoteURL string
	// BaseURL is the site root. Default https://x.com.
	BaseURL string
	// MaxContexts bounds concurrent browser contexts. Default 3.
	MaxContexts int
	// PageTimeout bounds one scrape. Default 30s.
	PageTimeout time.Duration
	// CaptureScreenshots stores a PNG of the post in Item.Media.
	CaptureScreenshots bool
}

// Provider is the headless-browser source. It only serves item lookups.
type Provider struct {
	cfg     Config
	pool    *Pool
	factory Factory
	md      *converter.Converter
	logger  *slog.Logger
	now     func() time.Time
	closeFn func() error
}

// Option configures a Provider.
type Option func(*Provider)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

// WithClock sets a custom clock function (for testing).
func WithClock(fn func() time.Time) Option {
	return func(p *Provider) { p.now = fn }
}

// WithFactory replaces the browser-backed session factory.
func WithFactory(f Factory) Option {
	return func(p *Provider) { p.factory = f }
}

// New creates the scraper. Chrome is started lazily on the first scrape.
func New(cfg Config, opts ...Option) (*Provider, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://x.com"
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("scraper: base url: %w", err)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.MaxContexts <= 0 {
		cfg.MaxContexts = 3
	}
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = 30 * time.Second
	}

	p := &Provider{
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
		md: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
			),
		),
	}
	for _, o := range opts {
		o(p)
	}
	if p.factory == nil {
		b := newBrowser(cfg, p.logger)
		p.factory = b.session
		p.closeFn = b.Close
	}
	p.pool = NewPool(cfg.MaxContexts, p.factory, p.logger)
	return p, nil
}

func (p *Provider) ID() provider.ID { return provider.Scraper }

// Supports reports true for item lookups only.
func (p *Provider) Supports(op provider.Operation) bool { return op == provider.OpItem }

// Fetch scrapes one post page.
func (p *Provider) Fetch(ctx context.Context, req provider.Request) (*provider.Result, error) {
	if req.Op != provider.OpItem {
		return nil, provider.Errorf(provider.Scraper, provider.KindParse, "unsupported operation %q", req.Op)
	}

	sess, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, provider.Classify(provider.Scraper, fmt.Errorf("acquire session: %w", err))
	}
	broken := false
	defer func() { p.pool.Release(sess, broken) }()

	pageCtx, cancel := context.WithTimeout(ctx, p.cfg.PageTimeout)
	defer cancel()

	target := p.cfg.BaseURL + "/i/status/" + url.PathEscape(req.ItemID)
	snap, err := sess.Scrape(pageCtx, target, p.cfg.CaptureScreenshots)
	if err != nil {
		perr := provider.Classify(provider.Scraper, err)
		// A session that failed for its own reasons may hold a wedged page.
		broken = ctx.Err() == nil && perr.Kind != provider.KindNotFound
		return nil, perr
	}
	if snap.Missing {
		return nil, &provider.Error{Provider: provider.Scraper, Kind: provider.KindNotFound, Err: ErrNoContent}
	}
	return p.toResult(req, snap)
}

// Pool exposes the session pool.
func (p *Provider) Pool() *Pool { return p.pool }

// Close shuts the pool and the browser.
func (p *Provider) Close() error {
	err := p.pool.Close()
	if p.closeFn != nil {
		err = errors.Join(err, p.closeFn())
	}
	return err
}

func (p *Provider) toResult(req provider.Request, snap *Snapshot) (*provider.Result, error) {
	var payload map[string]any
	if err := json.Unmarshal([]byte(snap.Data), &payload); err != nil {
		return nil, provider.Errorf(provider.Scraper, provider.KindParse, "extraction result: %w", err)
	}
	if payload == nil {
		return nil, provider.Errorf(provider.Scraper, provider.KindParse, "extraction returned no object")
	}
	if text, _ := payload["text"].(string); strings.TrimSpace(text) == "" {
		return nil, &provider.Error{Provider: provider.Scraper, Kind: provider.KindParse, Err: ErrNoContent}
	}
	if snap.HTML != "" {
		md, err := p.md.ConvertString(snap.HTML)
		if err != nil {
			p.logger.Debug("scraper: markdown conversion failed", "id", req.ItemID, "error", err)
		} else {
			payload["markdown"] = strings.TrimSpace(md)
		}
	}
	id, _ := payload["id"].(string)
	if id == "" {
		id = req.ItemID
	}
	payload["id"] = id
	payload["url"] = p.cfg.BaseURL + "/i/status/" + id

	now := p.now()
	item := provider.NewItem(id, payload, provider.Scraper, now)
	if len(snap.Screenshot) > 0 {
		item.Media = append([]byte(nil), snap.Screenshot...)
	}
	return &provider.Result{Op: req.Op, Provider: provider.Scraper, FetchedAt: now, Items: []provider.Item{item}}, nil
}
