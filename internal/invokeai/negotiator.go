package invokeai

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/mod/semver"

	"invokectl/internal/logging"
	"invokectl/internal/tracing"
)

const (
	versionPath     = "/api/v1/app/version"
	minMajorVersion = 3
	probeBaseFilter = "sdxl"
)

// Probe order matters: newer endpoint first, plural parameter first.
var (
	probeEndpoints = []string{"/api/v2/models/", "/api/v1/models/"}
	probeParams    = []string{"base_models", "base_model"}
)

// WarmupFunc runs once after the first successful negotiation. It must not
// call back into Negotiate.
type WarmupFunc func(ctx context.Context, profile ServerProfile) error

// Negotiator discovers the server's API shape once per lifetime.
type Negotiator struct {
	client *Client
	logger *slog.Logger

	mu        sync.Mutex
	succeeded atomic.Bool
	profile   ServerProfile
	warmup    WarmupFunc
	observe   func(outcome string)
}

// NewNegotiator binds a negotiator to client.
func NewNegotiator(client *Client, logger *slog.Logger) *Negotiator {
	return &Negotiator{
		client: client,
		logger: logging.NewComponentLogger(logger, "negotiator"),
	}
}

// SetWarmup registers the post-negotiation hook. Call before first use.
func (n *Negotiator) SetWarmup(fn WarmupFunc) {
	n.mu.Lock()
	n.warmup = fn
	n.mu.Unlock()
}

// SetObserver registers a callback receiving "ok" or an error outcome label
// for each negotiation that performs network I/O.
func (n *Negotiator) SetObserver(fn func(outcome string)) {
	n.mu.Lock()
	n.observe = fn
	n.mu.Unlock()
}

// Profile returns the negotiated profile without performing I/O.
func (n *Negotiator) Profile() (ServerProfile, bool) {
	if !n.succeeded.Load() {
		return ServerProfile{}, false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.profile, true
}

// Negotiate is idempotent. Concurrent callers before the first success are
// serialized; callers after it return without contention. A failed attempt
// leaves nothing cached, so a later call retries.
func (n *Negotiator) Negotiate(ctx context.Context) (ServerProfile, error) {
	if n.succeeded.Load() {
		n.mu.Lock()
		defer n.mu.Unlock()
		return n.profile, nil
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.succeeded.Load() {
		return n.profile, nil
	}

	ctx, span := tracing.Start(ctx, "invokeai.negotiate", attribute.String("base_url", n.client.BaseURL()))
	profile, err := n.discover(ctx)
	tracing.End(span, err)
	if n.observe != nil {
		outcome := "ok"
		if err != nil {
			outcome = errorLabel(err)
		}
		n.observe(outcome)
	}
	if err != nil {
		return ServerProfile{}, err
	}

	n.profile = profile
	n.succeeded.Store(true)
	n.logger.Info("server negotiated",
		logging.String("version", profile.Version),
		logging.String("models_endpoint", profile.ModelsEndpoint),
		logging.String("base_model_param", profile.BaseModelParam),
	)

	if n.warmup != nil {
		if err := n.warmup(ctx, profile); err != nil {
			logging.WarnWithContext(n.logger, "vae warm-up failed", "vae_warmup_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "run 'invokectl models --type vae' to inspect the server"),
				logging.String(logging.FieldImpact, "no VAE override will be applied"),
			)
		}
	}
	return profile, nil
}

func (n *Negotiator) discover(ctx context.Context) (ServerProfile, error) {
	version, err := n.fetchVersion(ctx)
	if err != nil {
		return ServerProfile{}, err
	}
	major, err := ParseMajorVersion(version)
	if err != nil {
		return ServerProfile{}, err
	}
	if major < minMajorVersion {
		return ServerProfile{}, &IncompatibleServerError{Version: version, MinMajor: minMajorVersion}
	}

	attempts := make([]ProbeAttempt, 0, len(probeEndpoints)*len(probeParams))
	timeout := n.client.Config().ProbeTimeout
	for _, endpoint := range probeEndpoints {
		for _, param := range probeParams {
			attempt := ProbeAttempt{Endpoint: endpoint, Param: param}
			resp, err := n.client.Do(ctx, Request{
				Method:  http.MethodGet,
				Path:    endpoint,
				Query:   url.Values{param: []string{probeBaseFilter}},
				Timeout: timeout,
			})
			if err != nil {
				if ctx.Err() != nil {
					return ServerProfile{}, err
				}
				attempt.Err = err.Error()
				attempts = append(attempts, attempt)
				n.logger.Debug("models endpoint probe failed", logging.String("endpoint", endpoint), logging.String("param", param), logging.Error(err))
				continue
			}
			attempt.StatusCode = resp.StatusCode
			attempts = append(attempts, attempt)
			if resp.StatusCode == http.StatusOK {
				return ServerProfile{Version: version, ModelsEndpoint: endpoint, BaseModelParam: param}, nil
			}
		}
	}
	return ServerProfile{}, &EndpointDiscoveryError{Attempts: attempts}
}

func (n *Negotiator) fetchVersion(ctx context.Context) (string, error) {
	resp, err := n.client.Do(ctx, Request{Method: http.MethodGet, Path: versionPath, Timeout: n.client.Config().ProbeTimeout})
	if err != nil {
		return "", err
	}
	if !resp.OK() {
		return "", &ConnectionError{
			Op:      "GET " + versionPath,
			URL:     n.client.URL(versionPath, nil),
			Timeout: n.client.Config().ProbeTimeout,
			Err:     NewStatusError(http.MethodGet, versionPath, resp),
		}
	}
	var payload struct {
		Version string `json:"version"`
	}
	if err := decodeJSON(resp.Body, &payload); err != nil {
		return "", &ProtocolError{Op: "GET " + versionPath, Detail: err.Error(), Payload: resp.Body}
	}
	version := strings.TrimSpace(payload.Version)
	if version == "" {
		version = "0.0.0"
	}
	return version, nil
}

var versionPattern = regexp.MustCompile(`^v?(\d+)(?:\.(\d+))?(?:\.(\d+))?[-._+]?([0-9A-Za-z.\-]*)$`)

// ParseMajorVersion accepts semver and the looser forms servers report
// ("5.0.0rc2", "4.2", "v3.1.0-post1") and returns the major component.
func ParseMajorVersion(raw string) (int, error) {
	canonical, ok := canonicalSemver(raw)
	if !ok {
		return 0, &ProtocolError{Op: "GET " + versionPath, Detail: fmt.Sprintf("unparseable server version %q", raw)}
	}
	major, err := strconv.Atoi(strings.TrimPrefix(semver.Major(canonical), "v"))
	if err != nil {
		return 0, &ProtocolError{Op: "GET " + versionPath, Detail: fmt.Sprintf("unparseable server version %q", raw)}
	}
	return major, nil
}

func canonicalSemver(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if semver.IsValid(raw) {
		return raw, true
	}
	if semver.IsValid("v" + raw) {
		return "v" + raw, true
	}
	match := versionPattern.FindStringSubmatch(raw)
	if match == nil {
		return "", false
	}
	minor, patch := match[2], match[3]
	if minor == "" {
		minor = "0"
	}
	if patch == "" {
		patch = "0"
	}
	candidate := "v" + match[1] + "." + minor + "." + patch
	if pre := strings.Trim(match[4], ".-"); pre != "" {
		candidate += "-" + pre
	}
	if !semver.IsValid(candidate) {
		return "", false
	}
	return candidate, true
}

func errorLabel(err error) string {
	switch err.(type) {
	case *IncompatibleServerError:
		return "incompatible"
	case *EndpointDiscoveryError:
		return "discovery_failed"
	case *ProtocolError:
		return "protocol_error"
	default:
		return "unreachable"
	}
}
