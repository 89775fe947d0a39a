package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

const (
	textSelector    = `[data-testid="tweetText"]`
	missingSelector = `[data-testid="error-detail"], [data-testid="emptyState"]`
)

// extractScript runs in the page and returns the post as a JSON string.
const extractScript = `() => {
	const text = (sel) => {
		const el = document.querySelector(sel);
		return el ? el.innerText : null;
	};
	const metric = (id) => {
		const el = document.querySelector('[data-testid="' + id + '"]');
		if (!el) return 0;
		const m = (el.getAttribute('aria-label') || el.innerText || '').match(/[\d,]+/);
		return m ? parseInt(m[0].replace(/,/g, ''), 10) : 0;
	};
	const handle = text('[data-testid="User-Name"] a[tabindex="-1"]') || text('[data-testid="User-Name"] a');
	const avatar = document.querySelector('[data-testid="Tweet-User-Avatar"] img');
	const time = document.querySelector('article time');
	return JSON.stringify({
		id: window.location.pathname.split('/').pop(),
		text: text('[data-testid="tweetText"]'),
		author: {
			name: text('[data-testid="User-Name"] span'),
			username: handle ? handle.replace('@', '') : null,
			avatar: avatar ? avatar.src : null,
		},
		timestamp: time ? time.getAttribute('datetime') : null,
		metrics: {
			likes: metric('like'),
			retweets: metric('retweet'),
			replies: metric('reply'),
			bookmarks: metric('bookmark'),
		},
		media: Array.from(document.querySelectorAll('[data-testid="tweetPhoto"] img')).map(img => img.src),
	});
}`

// browser owns one Chrome process, started on first use and restarted when
// the connection dies.
type browser struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	rod     *rod.Browser
	lnch    *launcher.Launcher
	startAt time.Time
	closed  bool
}

func newBrowser(cfg Config, logger *slog.Logger) *browser {
	return &browser{cfg: cfg, logger: logger}
}

// session opens an incognito context. It is the pool's Factory.
func (b *browser) session(_ context.Context) (Session, error) {
	root, err := b.connect()
	if err != nil {
		return nil, err
	}
	// Not bound to ctx: the session outlives the request that opened it.
	inc, err := root.Incognito()
	if err != nil {
		// The process may have crashed under us; force a relaunch next time.
		b.reset()
		return nil, fmt.Errorf("scraper: incognito context: %w", err)
	}
	return &rodSession{browser: inc}, nil
}

// connect starts or reuses Chrome. The process belongs to the provider, not to
// the request that happened to trigger the launch.
func (b *browser) connect() (*rod.Browser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrPoolClosed
	}
	if b.rod != nil {
		return b.rod, nil
	}

	wsURL := b.cfg.RemoteURL
	if wsURL == "" {
		l := launcher.New().
			Headless(true).
			Set("disable-blink-features", "AutomationControlled")
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("scraper: launch chrome: %w", err)
		}
		wsURL = u
		b.lnch = l
		b.logger.Info("scraper: launched local chrome", "url", wsURL)
	} else {
		b.logger.Info("scraper: connecting to remote chrome", "url", wsURL)
	}

	r := rod.New().ControlURL(wsURL)
	if err := r.Connect(); err != nil {
		b.cleanupLocked()
		return nil, fmt.Errorf("scraper: connect: %w", err)
	}
	b.rod = r
	b.startAt = time.Now()
	return r, nil
}

func (b *browser) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rod != nil {
		b.logger.Warn("scraper: dropping browser connection", "uptime", time.Since(b.startAt))
	}
	b.cleanupLocked()
}

// Close shuts Chrome down.
func (b *browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return b.cleanupLocked()
}

func (b *browser) cleanupLocked() error {
	var err error
	if b.rod != nil {
		err = b.rod.Close()
		b.rod = nil
	}
	if b.lnch != nil {
		b.lnch.Cleanup()
		b.lnch = nil
	}
	return err
}

// rodSession is one incognito browser context.
type rodSession struct {
	browser *rod.Browser
}

func (s *rodSession) Scrape(ctx context.Context, target string, screenshot bool) (*Snapshot, error) {
	page, err := stealth.Page(s.browser.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("scraper: open page: %w", err)
	}
	defer page.Close()

	p := page.Context(ctx)
	if err := p.Navigate(target); err != nil {
		return nil, fmt.Errorf("scraper: navigate %s: %w", target, err)
	}
	if err := p.WaitLoad(); err != nil {
		return nil, fmt.Errorf("scraper: wait load: %w", err)
	}

	// Race the post text against the "doesn't exist" placeholder.
	var found *rod.Element
	missing := false
	_, err = p.Race().
		Element(textSelector).Handle(func(e *rod.Element) error { found = e; return nil }).
		Element(missingSelector).Handle(func(*rod.Element) error { missing = true; return nil }).
		Do()
	if err != nil {
		return nil, fmt.Errorf("scraper: wait for post: %w", err)
	}
	if missing || found == nil {
		return &Snapshot{Missing: true}, nil
	}

	res, err := p.Eval(extractScript)
	if err != nil {
		return nil, fmt.Errorf("scraper: extract: %w", err)
	}
	snap := &Snapshot{Data: res.Value.Str()}
	if !json.Valid([]byte(snap.Data)) {
		return nil, errors.New("scraper: extraction did not return JSON")
	}

	if article, err := p.Element("article"); err == nil {
		if h, err := article.HTML(); err == nil {
			snap.HTML = h
		}
		if screenshot {
			if png, err := article.Screenshot(proto.PageCaptureScreenshotFormatPng, 0); err == nil {
				snap.Screenshot = png
			}
		}
	}
	return snap, nil
}

func (s *rodSession) Close() error { return s.browser.Close() }
