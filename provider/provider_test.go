package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestFromStatus(t *testing.T) {
	cases := []struct {
		status int
		want   ErrorKind
	}{
		{http.StatusNotFound, KindNotFound},
		{http.StatusGone, KindNotFound},
		{http.StatusTooManyRequests, KindRateLimited},
		{http.StatusGatewayTimeout, KindTimeout},
		{http.StatusRequestTimeout, KindTimeout},
		{http.StatusBadGateway, KindUnavailable},
		{http.StatusUnauthorized, KindUnavailable},
	}
	for _, c := range cases {
		got := FromStatus(API, c.status)
		if got.Kind != c.want {
			t.Errorf("status %d: got %s, want %s", c.status, got.Kind, c.want)
		}
		if got.Status != c.status {
			t.Errorf("status %d: Status field = %d", c.status, got.Status)
		}
	}
}

func TestClassify(t *testing.T) {
	// WHAT: Foreign errors are mapped onto the provider taxonomy.
	// WHY: Retry and breaker decisions only look at ErrorKind.
	if Classify(API, nil) != nil {
		t.Fatal("nil error must classify to nil")
	}

	orig := Errorf(Mirror, KindParse, "bad xml")
	if got := Classify(API, fmt.Errorf("wrapped: %w", orig)); got != orig {
		t.Errorf("existing *Error should pass through, got %v", got)
	}

	if got := Classify(API, context.DeadlineExceeded); got.Kind != KindTimeout {
		t.Errorf("deadline: got %s", got.Kind)
	}
	if got := Classify(API, context.Canceled); got.Kind != KindCanceled {
		t.Errorf("canceled: got %s", got.Kind)
	}
	if got := Classify(API, errors.New("connection refused")); got.Kind != KindUnavailable {
		t.Errorf("generic: got %s", got.Kind)
	}
}

func TestTransient(t *testing.T) {
	transient := []ErrorKind{KindTimeout, KindRateLimited, KindUnavailable}
	permanent := []ErrorKind{KindNotFound, KindParse, KindCircuitOpen, KindCanceled, KindUnknown}
	for _, k := range transient {
		if !k.Transient() {
			t.Errorf("%s should be transient", k)
		}
	}
	for _, k := range permanent {
		if k.Transient() {
			t.Errorf("%s should not be transient", k)
		}
	}
	if IsTransient(errors.New("plain")) {
		t.Error("unclassified error should not be transient")
	}
}

func TestNewItem_CopiesPayload(t *testing.T) {
	// WHAT: NewItem deep-copies the payload.
	// WHY: Items are shared with the cache and must not change under a caller.
	src := map[string]any{
		"text":    "hello",
		"metrics": map[string]any{"likes": 3},
		"media":   []any{"a.jpg"},
	}
	item := NewItem("1", src, API, time.Unix(100, 0))

	src["text"] = "mutated"
	src["metrics"].(map[string]any)["likes"] = 99
	src["media"].([]any)[0] = "b.jpg"

	if item.Payload["text"] != "hello" {
		t.Errorf("text changed: %v", item.Payload["text"])
	}
	if item.Payload["metrics"].(map[string]any)["likes"] != 3 {
		t.Error("nested map was shared")
	}
	if item.Payload["media"].([]any)[0] != "a.jpg" {
		t.Error("nested slice was shared")
	}
}

func TestRequestString(t *testing.T) {
	r := Request{Op: OpSearch, Query: "go", Limit: 5}
	if r.String() != `search("go", 5)` {
		t.Errorf("got %s", r.String())
	}
	if !OpTimeline.Valid() || Operation("bogus").Valid() {
		t.Error("Valid() mismatch")
	}
}
