package preflight

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"invokectl/internal/config"
	"invokectl/internal/invokeai"
	"invokectl/internal/leaks"
)

// CheckServer negotiates with the configured server using a throwaway client.
// It uses a 15-second overall budget and does not warm any cache.
func CheckServer(ctx context.Context, cfg *config.Config) Result {
	const name = "InvokeAI server"

	if strings.TrimSpace(cfg.InvokeAI.BaseURL) == "" {
		return Result{Name: name, Detail: "missing base_url"}
	}

	checkCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	negotiator := invokeai.NewNegotiator(invokeai.NewFromConfig(cfg), nil)
	profile, err := negotiator.Negotiate(checkCtx)
	if err != nil {
		return Result{Name: name, Detail: summarizeServerError(err)}
	}
	return Result{
		Name:   name,
		Passed: true,
		Detail: fmt.Sprintf("v%s (%s?%s=)", strings.TrimPrefix(profile.Version, "v"), profile.ModelsEndpoint, profile.BaseModelParam),
	}
}

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	if strings.TrimSpace(path) == "" {
		return Result{Name: name, Detail: "not configured"}
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// CheckNotifications validates the ntfy topic URL without publishing.
func CheckNotifications(topic string) Result {
	const name = "Notifications"

	topic = strings.TrimSpace(topic)
	if topic == "" {
		return Result{Name: name, Passed: true, Detail: "Disabled"}
	}
	parsed, err := url.Parse(topic)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return Result{Name: name, Detail: fmt.Sprintf("invalid ntfy topic URL %q", topic)}
	}
	return Result{Name: name, Passed: true, Detail: parsed.Host + parsed.Path}
}

// CheckLeakLedger reports artifacts still awaiting a sweep. Outstanding leaks
// fail the check so they stay visible.
func CheckLeakLedger(ctx context.Context, path string) Result {
	const name = "Leak ledger"

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return Result{Name: name, Passed: true, Detail: "empty"}
	}
	store, err := leaks.Open(path)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("open failed (%v)", err)}
	}
	defer store.Close()

	count, err := store.Count(ctx)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("count failed (%v)", err)}
	}
	if count > 0 {
		return Result{Name: name, Detail: fmt.Sprintf("%d leaked artifact(s); run 'invokectl leaks sweep'", count)}
	}
	return Result{Name: name, Passed: true, Detail: "empty"}
}

// summarizeServerError produces a human-readable summary for negotiation failures.
func summarizeServerError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "negotiation timed out (server unresponsive)"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "negotiation timed out (server unreachable)"
	}
	var incompatible *invokeai.IncompatibleServerError
	if errors.As(err, &incompatible) {
		return incompatible.Error()
	}
	var connErr *invokeai.ConnectionError
	if errors.As(err, &connErr) {
		return fmt.Sprintf("unreachable at %s", connErr.URL)
	}
	return err.Error()
}
