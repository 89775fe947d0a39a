// Package mirror reads user timelines from public RSS mirrors (Nitter-style
// front ends). Mirrors are free and fast when they are up, and they go down
// without notice, so the provider keeps a health map over its instances and
// moves on as soon as one misbehaves.
package mirror

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hazyhaar/xrelay/provider"
)

const maxFeedBody = 5 * 1024 * 1024

// ErrNoHealthyInstance is returned when every instance failed its probe.
var ErrNoHealthyInstance = errors.New("mirror: no healthy instance")

// Config lists the mirror instances, tried in order.
type Config struct {
	Instances []string
	// HealthTimeout bounds each /about probe. Default 2s.
	HealthTimeout time.Duration
	// CanonicalBase replaces the mirror host in item URLs. Default https://x.com.
	CanonicalBase string
}

// Provider is the RSS mirror source. It only serves timelines.
type Provider struct {
	cfg    Config
	client *http.Client
	strict *bluemonday.Policy
	logger *slog.Logger
	now    func() time.Time
	mu     sync.Mutex
	health map[string]bool // instance -> last known health; absent = unknown
}

// Option configures a Provider.
type Option func(*Provider)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// WithLogger sets the logger for instance health changes.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

// WithClock sets a custom clock function (for testing).
func WithClock(fn func() time.Time) Option {
	return func(p *Provider) { p.now = fn }
}

// New creates the mirror provider.
func New(cfg Config, opts ...Option) (*Provider, error) {
	if len(cfg.Instances) == 0 {
		return nil, errors.New("mirror: at least one instance is required")
	}
	instances := make([]string, 0, len(cfg.Instances))
	for _, in := range cfg.Instances {
		if _, err := url.Parse(in); err != nil {
			return nil, fmt.Errorf("mirror: instance %q: %w", in, err)
		}
		instances = append(instances, strings.TrimRight(in, "/"))
	}
	cfg.Instances = instances
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = 2 * time.Second
	}
	if cfg.CanonicalBase == "" {
		cfg.CanonicalBase = "https://x.com"
	}
	cfg.CanonicalBase = strings.TrimRight(cfg.CanonicalBase, "/")

	p := &Provider{
		cfg:    cfg,
		client: &http.Client{},
		strict: bluemonday.StrictPolicy(),
		logger: slog.Default(),
		now:    time.Now,
		health: make(map[string]bool),
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

func (p *Provider) ID() provider.ID { return provider.Mirror }

// Supports reports true for timelines only.
func (p *Provider) Supports(op provider.Operation) bool { return op == provider.OpTimeline }

// Fetch reads one user's feed from the first healthy instance. A failing
// instance is marked unhealthy so the next attempt picks another one.
func (p *Provider) Fetch(ctx context.Context, req provider.Request) (*provider.Result, error) {
	if req.Op != provider.OpTimeline {
		return nil, provider.Errorf(provider.Mirror, provider.KindParse, "unsupported operation %q", req.Op)
	}
	instance, err := p.pick(ctx)
	if err != nil {
		return nil, err
	}

	body, err := p.get(ctx, instance+"/"+url.PathEscape(req.Username)+"/rss")
	if err != nil {
		switch provider.KindOf(err) {
		case provider.KindNotFound, provider.KindCanceled:
			// An unknown user or a caller that hung up says nothing about the
			// instance. A deadline does: mirrors mostly fail by hanging.
		default:
			p.mark(ctx, instance, false)
		}
		return nil, err
	}

	entries, err := parseFeed(body)
	if err != nil {
		// Dead mirrors often answer 200 with an HTML error page.
		p.mark(ctx, instance, false)
		return nil, &provider.Error{Provider: provider.Mirror, Kind: provider.KindParse, Err: err}
	}

	now := p.now()
	res := &provider.Result{Op: req.Op, Provider: provider.Mirror, FetchedAt: now}
	for _, e := range entries {
		if req.Limit > 0 && len(res.Items) == req.Limit {
			break
		}
		res.Items = append(res.Items, p.toItem(e, req.Username, now))
	}
	return res, nil
}

// Health returns the last known health of every instance. Instances never
// probed are reported unhealthy.
func (p *Provider) Health() map[string]bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]bool, len(p.cfg.Instances))
	for _, in := range p.cfg.Instances {
		out[in] = p.health[in]
	}
	return out
}

// pick returns the first instance known healthy. When none is, instances
// never seen are probed before those already marked unhealthy, so a retry
// moves past the instance that just failed.
func (p *Provider) pick(ctx context.Context) (string, error) {
	p.mu.Lock()
	var unknown, down []string
	for _, in := range p.cfg.Instances {
		healthy, known := p.health[in]
		switch {
		case healthy:
			p.mu.Unlock()
			return in, nil
		case known:
			down = append(down, in)
		default:
			unknown = append(unknown, in)
		}
	}
	p.mu.Unlock()

	for _, in := range append(unknown, down...) {
		if err := ctx.Err(); err != nil {
			return "", provider.Classify(provider.Mirror, err)
		}
		if p.probe(ctx, in) {
			return in, nil
		}
	}
	return "", &provider.Error{Provider: provider.Mirror, Kind: provider.KindUnavailable, Err: ErrNoHealthyInstance}
}

func (p *Provider) probe(parent context.Context, instance string) bool {
	ctx, cancel := context.WithTimeout(parent, p.cfg.HealthTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, instance+"/about", nil)
	if err != nil {
		p.mark(ctx, instance, false)
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil && errors.Is(parent.Err(), context.Canceled) {
		// The caller gave up; that says nothing about the instance.
		return false
	}
	healthy := err == nil && resp.StatusCode >= 200 && resp.StatusCode < 300
	if err == nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
		resp.Body.Close()
	}
	p.mark(ctx, instance, healthy)
	return healthy
}

func (p *Provider) mark(ctx context.Context, instance string, healthy bool) {
	p.mu.Lock()
	prev, known := p.health[instance]
	p.health[instance] = healthy
	p.mu.Unlock()
	if !known || prev != healthy {
		p.logger.InfoContext(ctx, "mirror instance health changed",
			"instance", instance,
			"healthy", healthy)
	}
}

func (p *Provider) get(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, provider.Errorf(provider.Mirror, provider.KindParse, "new request: %w", err)
	}
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml;q=0.9, */*;q=0.8")
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, provider.Classify(provider.Mirror, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, provider.FromStatus(provider.Mirror, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBody))
	if err != nil {
		return nil, provider.Classify(provider.Mirror, fmt.Errorf("read body: %w", err))
	}
	return body, nil
}

var statusPath = regexp.MustCompile(`/status/(\d+)`)

func (p *Provider) toItem(e entry, username string, now time.Time) provider.Item {
	link := p.canonical(e.Link)
	var id string
	if m := statusPath.FindStringSubmatch(e.Link); m != nil {
		id = m[1]
	} else if m := statusPath.FindStringSubmatch(e.GUID); m != nil {
		id = m[1]
	} else {
		id = e.GUID
	}

	media, links := scanHTML(e.Description)
	payload := map[string]any{
		"id":     id,
		"title":  html.UnescapeString(e.Title),
		"text":   p.plainText(e.Description),
		"url":    link,
		"author": strings.TrimPrefix(firstNonEmpty(e.Author, username), "@"),
	}
	if !e.Published.IsZero() {
		payload["timestamp"] = e.Published.Format(time.RFC3339)
	}
	if len(media) > 0 {
		payload["media"] = toAny(media)
	}
	if len(links) > 0 {
		payload["links"] = toAny(links)
	}
	return provider.NewItem(id, payload, provider.Mirror, now)
}

// canonical rewrites a mirror URL onto the canonical host, keeping the path.
func (p *Provider) canonical(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	u.Fragment = ""
	return p.cfg.CanonicalBase + u.Path
}

var lineBreaks = strings.NewReplacer("<br>", "\n", "<br/>", "\n", "<br />", "\n", "</p>", "\n")

func (p *Provider) plainText(desc string) string {
	text := p.strict.Sanitize(lineBreaks.Replace(desc))
	return strings.TrimSpace(html.UnescapeString(text))
}

// scanHTML collects image sources and outbound link targets from a feed
// description.
func scanHTML(desc string) (media, links []string) {
	if desc == "" {
		return nil, nil
	}
	doc, err := html.Parse(bytes.NewReader([]byte(desc)))
	if err != nil {
		return nil, nil
	}
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Img, atom.Source, atom.Video:
				if src := attr(n, "src"); src != "" {
					media = append(media, src)
				}
			case atom.A:
				if href := attr(n, "href"); href != "" {
					links = append(links, href)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return media, links
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return strings.TrimSpace(a.Val)
		}
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
