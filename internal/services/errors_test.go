package services_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"invokectl/internal/services"
)

func TestWrapIncludesContext(t *testing.T) {
	base := errors.New("boom")
	err := services.Wrap(services.ErrExternal, "submit", "enqueue", "failed", base)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, services.ErrExternal) {
		t.Fatalf("expected marker to be retained, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped error to contain base error, got %v", err)
	}
	msg := err.Error()
	for _, fragment := range []string{"submit", "enqueue", "failed"} {
		if !strings.Contains(msg, fragment) {
			t.Fatalf("expected %q in error string %q", fragment, msg)
		}
	}
}

func TestWrapDefaultsMarker(t *testing.T) {
	err := services.Wrap(nil, "", "", "", nil)
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected transient marker, got %v", err)
	}
	if !strings.Contains(err.Error(), "service failure") {
		t.Fatalf("expected fallback detail, got %q", err.Error())
	}
}

func TestOutcomeMapping(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, "completed"},
		{services.Wrap(services.ErrCanceled, "await", "", "stop", nil), "canceled"},
		{fmt.Errorf("poll: %w", context.Canceled), "canceled"},
		{services.Wrap(services.ErrTimeout, "await", "", "slow", nil), "timed_out"},
		{services.Wrap(services.ErrValidation, "submit", "", "bad graph", nil), "rejected"},
		{services.Wrap(services.ErrConfiguration, "negotiate", "", "old", nil), "incompatible"},
		{services.Wrap(services.ErrProtocol, "submit", "", "no id", nil), "protocol_error"},
		{services.Wrap(services.ErrTransient, "negotiate", "", "refused", nil), "unreachable"},
		{errors.New("other"), "failed"},
	}
	for _, tc := range cases {
		if got := services.Outcome(tc.err); got != tc.want {
			t.Fatalf("Outcome(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}
