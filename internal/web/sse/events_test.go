package sse

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/saltyorg/txmanager/internal/txmanager"
)

func readEvent(t *testing.T, r *bufio.Reader) (string, string) {
	t.Helper()
	var event, data string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "" && event != "":
			return event, data
		}
	}
}

type nopDB struct{}

func (nopDB) Begin(context.Context, txmanager.BeginOptions) (txmanager.Session, error) {
	return nopSession{}, nil
}

type nopSession struct{}

func (nopSession) Commit(context.Context) error   { return nil }
func (nopSession) Rollback(context.Context) error { return nil }
func (nopSession) Query(context.Context, string, ...any) (*txmanager.Result, error) {
	return &txmanager.Result{}, nil
}

func TestBroker_StreamsTransactionEvents(t *testing.T) {
	b := NewBroker()
	defer b.Stop()

	srv := httptest.NewServer(b)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected event stream, got %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	if event, _ := readEvent(t, reader); event != "connected" {
		t.Fatalf("expected connected event, got %q", event)
	}

	deadline := time.Now().Add(2 * time.Second)
	for b.ClientCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("client never registered")
		}
		time.Sleep(time.Millisecond)
	}

	m, err := txmanager.New(nopDB{}, txmanager.DefaultConfig(), txmanager.WithHooks(b.TransactionHooks()))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if err := m.Run(context.Background(), func(ctx context.Context, tx *txmanager.Transaction) error { return nil }); err != nil {
		t.Fatalf("run: %v", err)
	}

	if event, _ := readEvent(t, reader); event != string(EventTransactionStarted) {
		t.Fatalf("expected %s, got %q", EventTransactionStarted, event)
	}
	event, data := readEvent(t, reader)
	if event != string(EventTransactionFinished) {
		t.Fatalf("expected %s, got %q", EventTransactionFinished, event)
	}
	if !strings.Contains(data, `"status":"committed"`) {
		t.Fatalf("expected committed stats in payload, got %s", data)
	}
}

func TestBroker_FiltersByType(t *testing.T) {
	b := NewBroker()
	defer b.Stop()

	srv := httptest.NewServer(b)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"?types=transaction_finished", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	if event, _ := readEvent(t, reader); event != string(EventConnected) {
		t.Fatalf("expected connected event, got %q", event)
	}
	for b.ClientCount() != 1 {
		time.Sleep(time.Millisecond)
	}

	m, err := txmanager.New(nopDB{}, txmanager.DefaultConfig(), txmanager.WithHooks(b.TransactionHooks()))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if err := m.Run(context.Background(), func(ctx context.Context, tx *txmanager.Transaction) error { return nil }); err != nil {
		t.Fatalf("run: %v", err)
	}

	if event, _ := readEvent(t, reader); event != string(EventTransactionFinished) {
		t.Fatalf("expected only %s, got %q", EventTransactionFinished, event)
	}
}

func TestBroker_StopIsIdempotent(t *testing.T) {
	b := NewBroker()
	b.Stop()
	b.Stop()
	b.Broadcast(Event{Type: EventMaintenance})

	rec := httptest.NewRecorder()
	b.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 after stop, got %d", rec.Code)
	}
}

func TestParseTypes(t *testing.T) {
	if parseTypes("") != nil || parseTypes(" , ") != nil {
		t.Error("expected nil filter for empty input")
	}
	f := parseTypes("deadlock_retry, pool_wait")
	if !f[EventDeadlockRetry] || !f[EventPoolWait] || len(f) != 2 {
		t.Errorf("unexpected filter %v", f)
	}
}
