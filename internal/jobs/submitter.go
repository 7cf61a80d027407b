package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"invokectl/internal/graph"
	"invokectl/internal/invokeai"
	"invokectl/internal/logging"
	"invokectl/internal/tracing"
)

const enqueuePath = "/api/v1/queue/default/enqueue_batch"

// Handle identifies a submitted queue item.
type Handle struct {
	ItemID      int64
	Graph       *graph.Graph
	SubmittedAt time.Time
}

type batchEnvelope struct {
	Batch batchBody `json:"batch"`
}

type batchBody struct {
	Graph *graph.Graph `json:"graph"`
	Runs  int          `json:"runs"`
}

// Submitter enqueues graphs.
type Submitter struct {
	client *invokeai.Client
	logger *slog.Logger
	now    func() time.Time
}

// NewSubmitter binds a submitter to client.
func NewSubmitter(client *invokeai.Client, logger *slog.Logger) *Submitter {
	return &Submitter{
		client: client,
		logger: logging.NewComponentLogger(logger, "submitter"),
		now:    time.Now,
	}
}

// Submit posts g as a one-run batch using the submit timeout. A non-2xx reply
// becomes GraphRejectedError carrying the server's payload.
func (s *Submitter) Submit(ctx context.Context, g *graph.Graph) (Handle, error) {
	ctx, span := tracing.Start(ctx, "invokeai.submit", attribute.Int("graph.nodes", len(g.Nodes)))
	handle, err := s.submit(ctx, g)
	if err == nil {
		span.SetAttributes(attribute.Int64("queue.item_id", handle.ItemID))
	}
	tracing.End(span, err)
	return handle, err
}

func (s *Submitter) submit(ctx context.Context, g *graph.Graph) (Handle, error) {
	resp, err := s.client.Do(ctx, invokeai.Request{
		Method:  http.MethodPost,
		Path:    enqueuePath,
		Body:    batchEnvelope{Batch: batchBody{Graph: g, Runs: 1}},
		Timeout: s.client.Config().SubmitTimeout,
	})
	if err != nil {
		return Handle{}, err
	}
	if !resp.OK() {
		rejected := &invokeai.GraphRejectedError{StatusCode: resp.StatusCode}
		if json.Valid(resp.Body) {
			rejected.Payload = json.RawMessage(append([]byte(nil), resp.Body...))
		} else {
			rejected.Body = string(resp.Body)
		}
		logging.WarnWithContext(logging.WithContext(ctx, s.logger), "graph rejected", "graph_rejected",
			logging.Int("status", resp.StatusCode),
			logging.String("payload", rejected.Diagnostics()),
			logging.String(logging.FieldErrorHint, "inspect the payload with 'invokectl graph'"),
			logging.String(logging.FieldImpact, "generation aborted"),
		)
		return Handle{}, rejected
	}

	itemID, err := firstItemID(resp.Body)
	if err != nil {
		return Handle{}, &invokeai.ProtocolError{Op: "POST " + enqueuePath, Detail: err.Error(), Payload: resp.Body}
	}
	s.logger.Info("batch enqueued", logging.Int64(logging.FieldItemID, itemID))
	return Handle{ItemID: itemID, Graph: g, SubmittedAt: s.now()}, nil
}

type enqueueResult struct {
	ItemIDs []json.Number `json:"item_ids"`
}

func firstItemID(body []byte) (int64, error) {
	var result enqueueResult
	if err := invokeai.DecodeJSON(body, &result); err != nil {
		return 0, err
	}
	if len(result.ItemIDs) == 0 {
		return 0, errMissingItemID
	}
	id, err := result.ItemIDs[0].Int64()
	if err != nil {
		return 0, errMalformedItemID
	}
	return id, nil
}
