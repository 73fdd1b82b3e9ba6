package control

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeBackend struct {
	mu      sync.Mutex
	text    string
	changed chan struct{}
	reloads int
}

func newFakeBackend(text string) *fakeBackend {
	return &fakeBackend{text: text, changed: make(chan struct{})}
}

func (b *fakeBackend) StatusText() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.text
}

func (b *fakeBackend) StatusChanged() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.changed
}

func (b *fakeBackend) ConfigChanged() {
	b.mu.Lock()
	b.reloads++
	b.mu.Unlock()
}

func (b *fakeBackend) setText(text string) {
	b.mu.Lock()
	b.text = text
	close(b.changed)
	b.changed = make(chan struct{})
	b.mu.Unlock()
}

func (b *fakeBackend) reloadCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reloads
}

func quietConfig(port int) *Config {
	return &Config{Host: "127.0.0.1", Port: port, Logger: log.New(io.Discard, "", 0)}
}

type served struct {
	done chan struct{}
	err  error
}

// startServer runs a server on a free port. The returned served is
// closed once Serve returns.
func startServer(t *testing.T, backend Backend) (*Server, *served) {
	t.Helper()
	srv := NewServer(backend, quietConfig(0))
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &served{done: make(chan struct{})}
	go func() {
		s.err = srv.Serve(ctx)
		close(s.done)
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case <-s.done:
		case <-time.After(10 * time.Second):
		}
	})
	return srv, s
}

func TestClientStatusAndCfgChanged(t *testing.T) {
	backend := newFakeBackend("Daemon is running.")
	srv, _ := startServer(t, backend)
	client := NewClient(srv.Addr())
	ctx := context.Background()

	text, err := client.Status(ctx)
	if err != nil {
		t.Fatalf("Status() failed: %v", err)
	}
	if text != "Daemon is running." {
		t.Errorf("Status() = %q", text)
	}

	ok, err := client.CfgChanged(ctx)
	if err != nil || !ok {
		t.Fatalf("CfgChanged() = %v, %v", ok, err)
	}
	if n := backend.reloadCount(); n != 1 {
		t.Errorf("ConfigChanged called %d times, want 1", n)
	}
}

func TestClientStopEndsServe(t *testing.T) {
	srv, s := startServer(t, newFakeBackend(""))
	client := NewClient(srv.Addr())

	ok, err := client.Stop(context.Background())
	if err != nil || !ok {
		t.Fatalf("Stop() = %v, %v", ok, err)
	}

	select {
	case <-s.done:
		if s.err != nil {
			t.Errorf("Serve() returned %v", s.err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve() did not return after stop")
	}

	select {
	case <-srv.StopRequested():
	default:
		t.Error("StopRequested not closed")
	}

	if _, err := client.Status(context.Background()); !IsUnreachable(err) {
		t.Errorf("Status() after stop = %v, want unreachable", err)
	}
}

func TestClientUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	client := NewClient(addr)
	if _, err := client.Status(context.Background()); !IsUnreachable(err) {
		t.Errorf("Status() = %v, want unreachable", err)
	}
	if _, err := client.Stop(context.Background()); !IsUnreachable(err) {
		t.Errorf("Stop() = %v, want unreachable", err)
	}
	if err := client.Follow(context.Background(), func(StatusMessage) {}); !IsUnreachable(err) {
		t.Errorf("Follow() = %v, want unreachable", err)
	}
}

func TestListenBindConflict(t *testing.T) {
	first := NewServer(newFakeBackend(""), quietConfig(0))
	if err := first.Listen(); err != nil {
		t.Fatalf("Listen() failed: %v", err)
	}
	defer first.listener.Close()

	_, portStr, _ := net.SplitHostPort(first.Addr())
	port, _ := strconv.Atoi(portStr)

	second := NewServer(newFakeBackend(""), quietConfig(port))
	err := second.Listen()
	if err == nil {
		second.listener.Close()
		t.Fatal("expected bind conflict")
	}
	if !IsBindConflict(err) {
		t.Errorf("IsBindConflict(%v) = false", err)
	}
}

func TestServeWithoutListen(t *testing.T) {
	srv := NewServer(newFakeBackend(""), quietConfig(0))
	if err := srv.Serve(context.Background()); err == nil {
		t.Error("expected error serving without a listener")
	}
}

func TestRPCRejectsBadRequests(t *testing.T) {
	srv := NewServer(newFakeBackend(""), quietConfig(0))
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	tests := []struct {
		name   string
		method string
		body   string
		code   int
	}{
		{"get", http.MethodGet, "", http.StatusMethodNotAllowed},
		{"garbage", http.MethodPost, "{", http.StatusBadRequest},
		{"unknown method", http.MethodPost, `{"method":"reboot"}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(tt.method, ts.URL+"/rpc", strings.NewReader(tt.body))
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tt.code {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.code)
			}
			var r Response
			if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
				t.Fatal(err)
			}
			if r.Error == "" {
				t.Error("expected error message in response")
			}
		})
	}
}

func TestHealth(t *testing.T) {
	srv := NewServer(newFakeBackend(""), quietConfig(0))
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Errorf("health status = %v", body["status"])
	}
}

func TestFollowReceivesUpdates(t *testing.T) {
	backend := newFakeBackend("first")
	srv, _ := startServer(t, backend)
	client := NewClient(srv.Addr())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	got := make(chan string, 8)
	followErr := make(chan error, 1)
	go func() {
		followErr <- client.Follow(ctx, func(m StatusMessage) { got <- m.Text })
	}()

	select {
	case text := <-got:
		if text != "first" {
			t.Errorf("initial text = %q, want first", text)
		}
	case <-ctx.Done():
		t.Fatal("no initial status")
	}

	backend.setText("second")
	select {
	case text := <-got:
		if text != "second" {
			t.Errorf("updated text = %q, want second", text)
		}
	case <-ctx.Done():
		t.Fatal("no status update")
	}

	cancel()
	if err := <-followErr; err != nil {
		t.Errorf("Follow() returned %v after cancel", err)
	}
}
