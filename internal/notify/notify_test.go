package notify

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestBarkPostsForm(t *testing.T) {
	t.Parallel()

	var gotTitle, gotBody, gotGroup string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/key" {
			http.Error(w, "unexpected request", http.StatusBadRequest)
			return
		}
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		gotTitle, gotBody, gotGroup = r.PostForm.Get("title"), r.PostForm.Get("body"), r.PostForm.Get("group")
	}))
	defer srv.Close()

	n, err := NewBarkNotifier(srv.URL + "/key/")
	if err != nil {
		t.Fatalf("NewBarkNotifier: %v", err)
	}
	if err := n.Send(context.Background(), "Task failed", "nightly sync: exit 1"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotTitle != "Task failed" || gotBody != "nightly sync: exit 1" || gotGroup != "taskhub" {
		t.Fatalf("form = %q %q %q", gotTitle, gotBody, gotGroup)
	}
}

func TestBarkErrors(t *testing.T) {
	t.Parallel()

	if _, err := NewBarkNotifier("  "); err == nil {
		t.Fatal("empty url accepted")
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	n, _ := NewBarkNotifier(srv.URL)
	if err := n.Send(context.Background(), "t", "b"); err == nil {
		t.Fatal("Send ignored a 500 response")
	}
}

type countingNotifier struct {
	calls atomic.Int32
	err   error
}

func (c *countingNotifier) Send(context.Context, string, string) error {
	c.calls.Add(1)
	return c.err
}

func TestMultiNotifierTriesAll(t *testing.T) {
	t.Parallel()

	bad := &countingNotifier{err: errors.New("down")}
	good := &countingNotifier{}
	err := NewMultiNotifier(bad, good, &NoOpNotifier{}).Send(context.Background(), "t", "b")
	if err == nil || bad.calls.Load() != 1 || good.calls.Load() != 1 {
		t.Fatalf("err=%v bad=%d good=%d", err, bad.calls.Load(), good.calls.Load())
	}
}

func TestThrottledDropsBeyondBurst(t *testing.T) {
	t.Parallel()

	inner := &countingNotifier{}
	n := NewThrottled(inner, 2)
	var throttled int
	for i := 0; i < 5; i++ {
		if err := n.Send(context.Background(), "t", "b"); errors.Is(err, ErrThrottled) {
			throttled++
		}
	}
	if inner.calls.Load() != 2 || throttled != 3 {
		t.Fatalf("delivered=%d throttled=%d, want 2 and 3", inner.calls.Load(), throttled)
	}

	unlimited := NewThrottled(inner, 0)
	for i := 0; i < 10; i++ {
		if err := unlimited.Send(context.Background(), "t", "b"); err != nil {
			t.Fatalf("unlimited Send: %v", err)
		}
	}
}
