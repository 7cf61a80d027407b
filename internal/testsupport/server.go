package testsupport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// FakeServer is a scriptable in-process InvokeAI server. Defaults cover
// negotiation, model listing, enqueue, status, image download, and delete;
// individual routes can be overridden with Handle.
type FakeServer struct {
	*httptest.Server

	mu             sync.Mutex
	version        string
	modelsEndpoint string
	modelsParam    string
	models         []map[string]any
	nextItemID     int64
	statuses       map[int64][]string
	images         map[string][]byte
	deleted        map[string]bool
	overrides      map[string]http.HandlerFunc
	requests       []string
	submitted      []json.RawMessage
}

// NewFakeServer starts a server that negotiates as version 5.6.0 on
// /api/v2/models/ with the base_models parameter.
func NewFakeServer(t testing.TB) *FakeServer {
	t.Helper()
	f := &FakeServer{
		version:        "5.6.0",
		modelsEndpoint: "/api/v2/models/",
		modelsParam:    "base_models",
		nextItemID:     1,
		statuses:       make(map[int64][]string),
		images:         make(map[string][]byte),
		deleted:        make(map[string]bool),
		overrides:      make(map[string]http.HandlerFunc),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.Server.Close)
	return f
}

// SetVersion changes the reported server version.
func (f *FakeServer) SetVersion(version string) {
	f.mu.Lock()
	f.version = version
	f.mu.Unlock()
}

// AddModel registers a model returned by the listing endpoint.
func (f *FakeServer) AddModel(model map[string]any) {
	f.mu.Lock()
	f.models = append(f.models, model)
	f.mu.Unlock()
}

// AddImage registers image bytes retrievable by name.
func (f *FakeServer) AddImage(name string, data []byte) {
	f.mu.Lock()
	f.images[name] = data
	f.mu.Unlock()
}

// ScriptStatuses queues raw status payloads for an item. Each poll consumes
// one; the last one repeats.
func (f *FakeServer) ScriptStatuses(itemID int64, payloads ...string) {
	f.mu.Lock()
	f.statuses[itemID] = append(f.statuses[itemID], payloads...)
	f.mu.Unlock()
}

// Handle overrides a route such as "GET /api/v1/app/version".
func (f *FakeServer) Handle(method, path string, handler http.HandlerFunc) {
	f.mu.Lock()
	f.overrides[method+" "+path] = handler
	f.mu.Unlock()
}

// Count returns how many requests hit method and path.
func (f *FakeServer) Count(method, path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := method + " " + path
	n := 0
	for _, r := range f.requests {
		if r == prefix || strings.HasPrefix(r, prefix+"?") {
			n++
		}
	}
	return n
}

// Requests returns a copy of the request log as "METHOD path?query".
func (f *FakeServer) Requests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

// Submitted returns the raw enqueue_batch bodies received.
func (f *FakeServer) Submitted() []json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]json.RawMessage(nil), f.submitted...)
}

// Deleted reports whether an image was deleted.
func (f *FakeServer) Deleted(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deleted[name]
}

func (f *FakeServer) serve(w http.ResponseWriter, r *http.Request) {
	entry := r.Method + " " + r.URL.Path
	if r.URL.RawQuery != "" {
		entry += "?" + r.URL.RawQuery
	}
	f.mu.Lock()
	f.requests = append(f.requests, entry)
	override := f.overrides[r.Method+" "+r.URL.Path]
	f.mu.Unlock()
	if override != nil {
		override(w, r)
		return
	}

	path := r.URL.Path
	switch {
	case r.Method == http.MethodGet && path == "/api/v1/app/version":
		f.mu.Lock()
		version := f.version
		f.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]string{"version": version})
	case r.Method == http.MethodGet && (path == "/api/v2/models/" || path == "/api/v1/models/"):
		f.serveModels(w, r)
	case r.Method == http.MethodPost && path == "/api/v1/queue/default/enqueue_batch":
		f.serveEnqueue(w, r)
	case strings.HasPrefix(path, "/api/v1/queue/default/i/"):
		f.serveQueueItem(w, r)
	case strings.HasPrefix(path, "/api/v1/images/i/"):
		f.serveImage(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (f *FakeServer) serveModels(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r.URL.Path != f.modelsEndpoint {
		http.NotFound(w, r)
		return
	}
	query := r.URL.Query()
	for key := range query {
		if key != f.modelsParam && key != "model_type" {
			http.Error(w, `{"detail":"unknown parameter"}`, http.StatusUnprocessableEntity)
			return
		}
	}
	base := query.Get(f.modelsParam)
	modelType := query.Get("model_type")
	out := make([]map[string]any, 0, len(f.models))
	for _, m := range f.models {
		if base != "" && m["base"] != base {
			continue
		}
		if modelType != "" && m["type"] != modelType {
			continue
		}
		out = append(out, m)
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": out})
}

func (f *FakeServer) serveEnqueue(w http.ResponseWriter, r *http.Request) {
	var body json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	id := f.nextItemID
	f.nextItemID++
	f.submitted = append(f.submitted, body)
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"item_ids": []int64{id}})
}

func (f *FakeServer) serveQueueItem(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/queue/default/i/")
	idPart, action, _ := strings.Cut(rest, "/")
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if r.Method == http.MethodPut && action == "cancel" {
		writeJSON(w, http.StatusOK, map[string]any{"item_id": id, "status": "canceled"})
		return
	}
	f.mu.Lock()
	queue := f.statuses[id]
	var payload string
	switch len(queue) {
	case 0:
		payload = fmt.Sprintf(`{"item_id":%d,"status":"pending"}`, id)
	case 1:
		payload = queue[0]
	default:
		payload = queue[0]
		f.statuses[id] = queue[1:]
	}
	f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(payload))
}

func (f *FakeServer) serveImage(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/images/i/")
	name, suffix, _ := strings.Cut(rest, "/")
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.images[name]
	switch {
	case r.Method == http.MethodDelete:
		if !ok {
			http.NotFound(w, r)
			return
		}
		delete(f.images, name)
		f.deleted[name] = true
		w.WriteHeader(http.StatusNoContent)
	case !ok:
		http.NotFound(w, r)
	case suffix == "full":
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(data)
	default:
		writeJSON(w, http.StatusOK, map[string]any{"image_name": name})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// CompletedStatus renders a completed queue item whose l2i node produced name.
func CompletedStatus(itemID int64, name string) string {
	return fmt.Sprintf(`{"item_id":%d,"status":"completed","session":{"source_prepared_mapping":{"l2i":["prep-l2i"]},"results":{"prep-l2i":{"type":"image_output","image":{"image_name":%q}}}}}`, itemID, name)
}

// StatusPayload renders a bare status payload.
func StatusPayload(itemID int64, status string) string {
	return fmt.Sprintf(`{"item_id":%d,"status":%q}`, itemID, status)
}
