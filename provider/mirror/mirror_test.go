package mirror

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/xrelay/provider"
	"github.com/hazyhaar/xrelay/resilience"
)

const sampleRSS = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0" xmlns:dc="http://purl.org/dc/elements/1.1/">
  <channel>
    <title>jack / @jack</title>
    <link>https://nitter.example/jack</link>
    <item>
      <title>just setting up my twttr</title>
      <dc:creator>@jack</dc:creator>
      <description><![CDATA[<p>just setting up my <b>twttr</b><br>second line</p><img src="https://nitter.example/pic/media%2Fabc.jpg" /><a href="https://example.com/x">link</a>]]></description>
      <pubDate>Tue, 21 Mar 2006 20:50:14 GMT</pubDate>
      <guid>https://nitter.example/jack/status/20#m</guid>
      <link>https://nitter.example/jack/status/20#m</link>
    </item>
    <item>
      <title>second &amp; last</title>
      <description>plain &amp;amp; simple</description>
      <pubDate>Wed, 22 Mar 2006 10:00:00 +0000</pubDate>
      <guid>https://nitter.example/jack/status/21#m</guid>
      <link>https://nitter.example/jack/status/21#m</link>
    </item>
  </channel>
</rss>`

const sampleAtom = `<?xml version="1.0" encoding="utf-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <title>jack</title>
  <entry>
    <id>https://mirror.example/jack/status/30</id>
    <title>atom post</title>
    <link rel="alternate" href="https://mirror.example/jack/status/30"/>
    <summary>hello from atom</summary>
    <updated>2024-01-02T03:04:05Z</updated>
    <author><name>jack</name></author>
  </entry>
</feed>`

func TestParseFeed(t *testing.T) {
	entries, err := parseFeed([]byte(sampleRSS))
	if err != nil {
		t.Fatalf("rss: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("rss entries: %d", len(entries))
	}
	if entries[0].Author != "@jack" || entries[0].Published.IsZero() {
		t.Errorf("rss entry: %+v", entries[0])
	}

	entries, err = parseFeed([]byte(sampleAtom))
	if err != nil {
		t.Fatalf("atom: %v", err)
	}
	if len(entries) != 1 || entries[0].Link != "https://mirror.example/jack/status/30" {
		t.Fatalf("atom entries: %+v", entries)
	}
	if want := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC); !entries[0].Published.Equal(want) {
		t.Errorf("atom published: %v", entries[0].Published)
	}

	for _, bad := range []string{"", "<html><body>down</body></html>", "not xml"} {
		if _, err := parseFeed([]byte(bad)); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

type mirrorServer struct {
	srv      *httptest.Server
	up       atomic.Bool
	feeds    atomic.Int32
	feedCode atomic.Int32
}

func newMirror(t *testing.T, up bool) *mirrorServer {
	t.Helper()
	m := &mirrorServer{}
	m.up.Store(up)
	m.feedCode.Store(http.StatusOK)
	m.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.up.Load() {
			http.Error(w, "down", http.StatusBadGateway)
			return
		}
		if r.URL.Path == "/about" {
			w.Write([]byte("ok"))
			return
		}
		m.feeds.Add(1)
		if code := int(m.feedCode.Load()); code != http.StatusOK {
			http.Error(w, "err", code)
			return
		}
		w.Header().Set("Content-Type", "application/rss+xml")
		w.Write([]byte(sampleRSS))
	}))
	t.Cleanup(m.srv.Close)
	return m
}

var timeline = provider.Request{Op: provider.OpTimeline, Username: "jack", Limit: 20}

func TestFetch_Timeline(t *testing.T) {
	m := newMirror(t, true)
	at := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	p, err := New(Config{Instances: []string{m.srv.URL + "/"}}, WithClock(func() time.Time { return at }))
	if err != nil {
		t.Fatal(err)
	}

	res, err := p.Fetch(context.Background(), timeline)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(res.Items) != 2 {
		t.Fatalf("items: %d", len(res.Items))
	}
	it := res.Items[0]
	if it.ID != "20" || it.Provider != provider.Mirror || !it.FetchedAt.Equal(at) {
		t.Errorf("item: %+v", it)
	}
	if it.Payload["url"] != "https://x.com/jack/status/20" {
		t.Errorf("url not canonicalized: %v", it.Payload["url"])
	}
	if it.Payload["text"] != "just setting up my twttr\nsecond line\nlink" {
		t.Errorf("text: %q", it.Payload["text"])
	}
	if it.Payload["author"] != "jack" {
		t.Errorf("author: %v", it.Payload["author"])
	}
	media, _ := it.Payload["media"].([]any)
	if len(media) != 1 {
		t.Errorf("media: %v", it.Payload["media"])
	}
	links, _ := it.Payload["links"].([]any)
	if len(links) != 1 || links[0] != "https://example.com/x" {
		t.Errorf("links: %v", it.Payload["links"])
	}
	if it.Payload["timestamp"] != "2006-03-21T20:50:14Z" {
		t.Errorf("timestamp: %v", it.Payload["timestamp"])
	}
	if got := res.Items[1].Payload["text"]; got != "plain & simple" {
		t.Errorf("entities not unescaped: %q", got)
	}
}

func TestFetch_Limit(t *testing.T) {
	m := newMirror(t, true)
	p, _ := New(Config{Instances: []string{m.srv.URL}})
	res, err := p.Fetch(context.Background(), provider.Request{Op: provider.OpTimeline, Username: "jack", Limit: 1})
	if err != nil || len(res.Items) != 1 {
		t.Fatalf("res=%v err=%v", res, err)
	}
}

func TestFetch_FailsOverToNextInstance(t *testing.T) {
	// WHAT: A failing instance is marked unhealthy and the next attempt uses
	// another one.
	// WHY: The retry policy re-calls Fetch; it must not hammer the same dead mirror.
	a := newMirror(t, true)
	b := newMirror(t, true)
	p, _ := New(Config{Instances: []string{a.srv.URL, b.srv.URL}})

	a.feedCode.Store(http.StatusServiceUnavailable)
	_, err := p.Fetch(context.Background(), timeline)
	if provider.KindOf(err) != provider.KindUnavailable {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if h := p.Health(); h[a.srv.URL] {
		t.Fatal("failing instance should be marked unhealthy")
	}

	res, err := p.Fetch(context.Background(), timeline)
	if err != nil {
		t.Fatalf("second attempt: %v", err)
	}
	if len(res.Items) != 2 || b.feeds.Load() != 1 {
		t.Fatalf("expected b to serve the feed, b feeds=%d", b.feeds.Load())
	}
	if h := p.Health(); !h[b.srv.URL] {
		t.Error("b should be healthy")
	}
}

func TestFetch_HangingInstanceFailsOverUnderAttemptTimeout(t *testing.T) {
	// WHAT: An instance that answers /about but hangs on its feed is marked
	// unhealthy when the attempt deadline fires, and the retry reaches the
	// next instance.
	// WHY: The engine bounds each attempt with its own timeout. Treating that
	// deadline as "the caller gave up" kept every retry on the dead mirror.
	var hung atomic.Int32
	a := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/about" {
			w.Write([]byte("ok"))
			return
		}
		hung.Add(1)
		<-r.Context().Done()
	}))
	defer a.Close()
	b := newMirror(t, true)
	p, _ := New(Config{Instances: []string{a.URL, b.srv.URL}})

	policy := &resilience.RetryPolicy{
		MaxAttempts:    3,
		AttemptTimeout: 100 * time.Millisecond,
		Retryable:      provider.IsTransient,
	}
	var res *provider.Result
	attempts, err := policy.Do(context.Background(), func(ctx context.Context) error {
		var ferr error
		res, ferr = p.Fetch(ctx, timeline)
		return ferr
	})
	if err != nil {
		t.Fatalf("expected b to serve after a timed out, got %v", err)
	}
	if attempts != 2 || hung.Load() != 1 || b.feeds.Load() != 1 {
		t.Fatalf("attempts=%d a feeds=%d b feeds=%d", attempts, hung.Load(), b.feeds.Load())
	}
	if len(res.Items) != 2 {
		t.Fatalf("items: %d", len(res.Items))
	}
	h := p.Health()
	if h[a.URL] || !h[b.srv.URL] {
		t.Fatalf("health: %v", h)
	}
}

func TestFetch_CallerCancelKeepsInstanceHealthy(t *testing.T) {
	m := newMirror(t, true)
	p, _ := New(Config{Instances: []string{m.srv.URL}})
	if _, err := p.Fetch(context.Background(), timeline); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Fetch(ctx, timeline)
	if provider.KindOf(err) != provider.KindCanceled {
		t.Fatalf("expected canceled, got %v", err)
	}
	if !p.Health()[m.srv.URL] {
		t.Fatal("a cancelled caller is not an instance failure")
	}
}

func TestFetch_NoHealthyInstance(t *testing.T) {
	a := newMirror(t, false)
	b := newMirror(t, false)
	p, _ := New(Config{Instances: []string{a.srv.URL, b.srv.URL}, HealthTimeout: time.Second})

	_, err := p.Fetch(context.Background(), timeline)
	if !errors.Is(err, ErrNoHealthyInstance) {
		t.Fatalf("expected ErrNoHealthyInstance, got %v", err)
	}
	if !provider.IsTransient(err) {
		t.Error("no healthy instance should be retryable")
	}
}

func TestFetch_NotFoundKeepsInstanceHealthy(t *testing.T) {
	m := newMirror(t, true)
	p, _ := New(Config{Instances: []string{m.srv.URL}})
	m.feedCode.Store(http.StatusNotFound)

	_, err := p.Fetch(context.Background(), timeline)
	if provider.KindOf(err) != provider.KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
	if !p.Health()[m.srv.URL] {
		t.Fatal("an unknown user is not an instance failure")
	}
}

func TestFetch_HTMLErrorPageIsParseError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html><body>rate limited</body></html>"))
	}))
	defer srv.Close()
	p, _ := New(Config{Instances: []string{srv.URL}})

	_, err := p.Fetch(context.Background(), timeline)
	if provider.KindOf(err) != provider.KindParse {
		t.Fatalf("expected parse error, got %v", err)
	}
	if p.Health()[srv.URL] {
		t.Fatal("instance serving garbage should be marked unhealthy")
	}
}

func TestSupports(t *testing.T) {
	p, _ := New(Config{Instances: []string{"https://nitter.example"}})
	if !p.Supports(provider.OpTimeline) || p.Supports(provider.OpItem) || p.Supports(provider.OpSearch) {
		t.Fatal("mirror serves timelines only")
	}
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without instances")
	}
}
