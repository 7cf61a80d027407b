package cleanup_test

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"invokectl/internal/cleanup"
	"invokectl/internal/invokeai"
	"invokectl/internal/notifications"
	"invokectl/internal/testsupport"
)

type recordingSink struct {
	mu    sync.Mutex
	leaks []cleanup.Leak
}

func (s *recordingSink) RecordLeak(_ context.Context, leak cleanup.Leak) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leaks = append(s.leaks, leak)
	return nil
}

func (s *recordingSink) snapshot() []cleanup.Leak {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]cleanup.Leak(nil), s.leaks...)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notifications.Event
}

func (n *recordingNotifier) Publish(_ context.Context, event notifications.Event, _ notifications.Payload) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func newWorker(t *testing.T, server *testsupport.FakeServer, opts ...cleanup.Option) *cleanup.Worker {
	t.Helper()
	client := invokeai.New(invokeai.Config{BaseURL: server.URL})
	return cleanup.NewWorker(client, nil, cleanup.Options{Attempts: 3, Delay: time.Millisecond}, opts...)
}

func TestDeleteNowSucceedsOnThirdAttempt(t *testing.T) {
	server := testsupport.NewFakeServer(t)
	var deletes atomic.Int32
	server.Handle(http.MethodDelete, "/api/v1/images/i/abc.png", func(w http.ResponseWriter, r *http.Request) {
		if deletes.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})

	outcome := newWorker(t, server).DeleteNow(context.Background(), "abc.png")
	if !outcome.Deleted {
		t.Fatalf("expected deletion to succeed, got %+v", outcome)
	}
	if outcome.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", outcome.Attempts)
	}
	if got := server.Count(http.MethodGet, "/api/v1/images/i/abc.png"); got != 1 {
		t.Fatalf("expected a single verification read, got %d", got)
	}
}

func TestDeleteNowRetriesWhenVerificationFindsImage(t *testing.T) {
	server := testsupport.NewFakeServer(t)
	server.Handle(http.MethodDelete, "/api/v1/images/i/stuck.png", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	server.Handle(http.MethodGet, "/api/v1/images/i/stuck.png", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	outcome := newWorker(t, server).DeleteNow(context.Background(), "stuck.png")
	if outcome.Deleted {
		t.Fatal("expected deletion to remain unconfirmed")
	}
	if outcome.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", outcome.Attempts)
	}
	if outcome.LastError == "" {
		t.Fatal("expected last error to be captured")
	}
}

func TestDeleteArtifactsReportsExhaustionWithoutRaising(t *testing.T) {
	server := testsupport.NewFakeServer(t)
	server.Handle(http.MethodDelete, "/api/v1/images/i/leak.png", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	sink := &recordingSink{}
	notifier := &recordingNotifier{}
	worker := newWorker(t, server, cleanup.WithLeakSink(sink), cleanup.WithNotifier(notifier))

	worker.DeleteArtifacts(7, []string{"leak.png"})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := worker.Wait(ctx); err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}

	leaks := sink.snapshot()
	if len(leaks) != 1 {
		t.Fatalf("expected one leak, got %+v", leaks)
	}
	leak := leaks[0]
	if leak.Name != "leak.png" || leak.ItemID != 7 || leak.Attempts != 3 || leak.Server != server.URL {
		t.Fatalf("unexpected leak: %+v", leak)
	}
	if got := server.Count(http.MethodDelete, "/api/v1/images/i/leak.png"); got != 3 {
		t.Fatalf("expected 3 delete calls, got %d", got)
	}
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.events) != 1 || notifier.events[0] != notifications.EventArtifactsLeaked {
		t.Fatalf("unexpected notifications: %v", notifier.events)
	}
}

func TestDeleteArtifactsRemovesEveryName(t *testing.T) {
	server := testsupport.NewFakeServer(t)
	server.AddImage("a.png", []byte("a"))
	server.AddImage("b.png", []byte("b"))
	worker := newWorker(t, server)

	worker.DeleteArtifacts(1, []string{"a.png", "b.png"})
	if err := worker.Wait(context.Background()); err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}
	for _, name := range []string{"a.png", "b.png"} {
		if !server.Deleted(name) {
			t.Fatalf("expected %s deleted", name)
		}
	}
}

func TestDeleteNowTreatsUnreachableVerificationAsSuccess(t *testing.T) {
	server := testsupport.NewFakeServer(t)
	server.Handle(http.MethodGet, "/api/v1/images/i/gone.png", func(w http.ResponseWriter, r *http.Request) {
		hijacker, ok := w.(http.Hijacker)
		if !ok {
			t.Error("response writer cannot hijack")
			return
		}
		conn, _, err := hijacker.Hijack()
		if err != nil {
			t.Errorf("hijack: %v", err)
			return
		}
		_ = conn.Close()
	})
	server.Handle(http.MethodDelete, "/api/v1/images/i/gone.png", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	outcome := newWorker(t, server).DeleteNow(context.Background(), "gone.png")
	if !outcome.Deleted || outcome.Attempts != 1 {
		t.Fatalf("expected first attempt to count as success, got %+v", outcome)
	}
}

func TestDeleteArtifactsIgnoresEmptyList(t *testing.T) {
	server := testsupport.NewFakeServer(t)
	worker := newWorker(t, server)
	worker.DeleteArtifacts(1, nil)
	if err := worker.Wait(context.Background()); err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}
	if len(server.Requests()) != 0 {
		t.Fatalf("expected no requests, got %v", server.Requests())
	}
}
