package invokeai

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"invokectl/internal/services"
)

// IncompatibleServerError reports a server older than the minimum supported major version.
type IncompatibleServerError struct {
	Version  string
	MinMajor int
}

func (e *IncompatibleServerError) Error() string {
	return fmt.Sprintf("incompatible InvokeAI version %q: version %d.0.0 or newer is required", e.Version, e.MinMajor)
}

func (e *IncompatibleServerError) Unwrap() error { return services.ErrConfiguration }

// ProbeAttempt records one endpoint/parameter combination tried during discovery.
type ProbeAttempt struct {
	Endpoint   string
	Param      string
	StatusCode int
	Err        string
}

func (a ProbeAttempt) String() string {
	outcome := a.Err
	if outcome == "" {
		outcome = fmt.Sprintf("http %d", a.StatusCode)
	}
	return fmt.Sprintf("%s?%s=sdxl -> %s", a.Endpoint, a.Param, outcome)
}

// EndpointDiscoveryError reports that the server answered but no known
// model-listing shape worked.
type EndpointDiscoveryError struct {
	Attempts []ProbeAttempt
}

func (e *EndpointDiscoveryError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, attempt := range e.Attempts {
		parts = append(parts, attempt.String())
	}
	return "could not find a working models endpoint; the server is reachable but its API shape may have changed (tried: " + strings.Join(parts, "; ") + ")"
}

func (e *EndpointDiscoveryError) Unwrap() error { return services.ErrExternal }

// ConnectionError reports a transport failure: refused, reset, DNS, or timeout.
type ConnectionError struct {
	Op      string
	URL     string
	Timeout time.Duration
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("could not reach InvokeAI server (%s, timeout=%s); is it running and is the URL correct: %v", e.Op, e.Timeout, e.Err)
}

func (e *ConnectionError) Unwrap() []error { return []error{services.ErrTransient, e.Err} }

// GraphRejectedError carries the server's validation diagnostics verbatim.
type GraphRejectedError struct {
	StatusCode int
	Payload    json.RawMessage
	Body       string
}

func (e *GraphRejectedError) Error() string {
	detail := e.Body
	if len(e.Payload) > 0 {
		detail = string(e.Payload)
	}
	return fmt.Sprintf("server rejected graph (http %d): %s", e.StatusCode, summarizeSnippet(detail))
}

func (e *GraphRejectedError) Unwrap() error { return services.ErrValidation }

// Diagnostics returns the server's complete rejection detail, indented when
// it is JSON. Error() only carries a summary.
func (e *GraphRejectedError) Diagnostics() string {
	if len(e.Payload) > 0 {
		return indentJSON(e.Payload)
	}
	return e.Body
}

// ProtocolError reports a response that did not match the expected shape.
type ProtocolError struct {
	Op      string
	Detail  string
	Payload []byte
}

func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("unexpected response from %s: %s", e.Op, e.Detail)
	if len(e.Payload) > 0 {
		msg += " (payload: " + summarizeSnippet(string(e.Payload)) + ")"
	}
	return msg
}

func (e *ProtocolError) Unwrap() error { return services.ErrProtocol }

// ResultParseError reports a completed job whose image could not be located.
type ResultParseError struct {
	ItemID  int64
	Payload json.RawMessage
}

func (e *ResultParseError) Error() string {
	return fmt.Sprintf("job %d completed but no image could be located in the result (payload: %s)", e.ItemID, summarizeSnippet(string(e.Payload)))
}

func (e *ResultParseError) Unwrap() error { return services.ErrProtocol }

// Diagnostics returns the complete status payload.
func (e *ResultParseError) Diagnostics() string {
	return indentJSON(e.Payload)
}

func indentJSON(raw []byte) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}

// GenerationFailedError reports a server-side failure or cancellation.
type GenerationFailedError struct {
	ItemID  int64
	Status  string
	Message string
	Payload json.RawMessage
}

func (e *GenerationFailedError) Error() string {
	return fmt.Sprintf("job %d %s: %s", e.ItemID, e.Status, e.Message)
}

func (e *GenerationFailedError) Unwrap() error { return services.ErrExternal }

// TimeoutError reports a job that did not reach a terminal state within budget.
type TimeoutError struct {
	ItemID     int64
	Limit      time.Duration
	LastStatus string
}

func (e *TimeoutError) Error() string {
	status := e.LastStatus
	if status == "" {
		status = "unknown"
	}
	return fmt.Sprintf("job %d did not finish within %s (last status: %s)", e.ItemID, e.Limit, status)
}

func (e *TimeoutError) Unwrap() error { return services.ErrTimeout }

// CanceledError reports a caller-requested cancellation.
type CanceledError struct {
	ItemID int64
}

func (e *CanceledError) Error() string {
	return fmt.Sprintf("job %d canceled by request", e.ItemID)
}

func (e *CanceledError) Unwrap() error { return services.ErrCanceled }
