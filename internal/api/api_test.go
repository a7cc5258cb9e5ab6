package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/andresmejia3/facewatch/internal/embedding"
	"github.com/andresmejia3/facewatch/internal/notify"
	"github.com/andresmejia3/facewatch/internal/registry"
	"github.com/andresmejia3/facewatch/internal/session"
	"github.com/andresmejia3/facewatch/internal/types"
)

type fakeSource struct{}

func (fakeSource) Active() bool          { return true }
func (fakeSource) Frame() ([]byte, bool) { return nil, false }

type noFaces struct{}

func (noFaces) Extract(context.Context, []byte) ([]types.FaceResult, error) { return nil, nil }

func newTestServer(t *testing.T, withSession bool) (*Server, *registry.Registry, *notify.Hub) {
	t.Helper()
	reg := registry.New()
	hub := notify.NewHub()
	deps := Deps{Registry: reg, Hub: hub, Threshold: 0.6}
	if withSession {
		c := session.New(reg, fakeSource{}, noFaces{}, hub, session.Config{Threshold: 0.6, Period: time.Hour}, nil)
		t.Cleanup(c.Stop)
		deps.Session = c
	}
	return NewServer(deps, ":0"), reg, hub
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("failed to unmarshal response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestRespondJSON_SetsContentType(t *testing.T) {
	recorder := httptest.NewRecorder()
	respondJSON(recorder, http.StatusOK, map[string]string{"status": "ok"})

	if ct := recorder.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected Content-Type 'application/json', got '%s'", ct)
	}
}

func TestHealth(t *testing.T) {
	s, reg, _ := newTestServer(t, true)
	reg.Enroll("Ann", embedding.New(0, 0), nil)

	rec := do(t, s, http.MethodGet, "/api/v1/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	got := decode[map[string]any](t, rec)
	if got["status"] != "ok" || got["identities"] != float64(1) || got["session"] != "idle" {
		t.Errorf("unexpected health payload: %v", got)
	}
}

func TestEnrollListRemove(t *testing.T) {
	s, _, _ := newTestServer(t, false)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"Enroll new identity", http.MethodPost, "/api/v1/identities/Ann/embeddings", `{"embedding":[0,0,1],"reference":"/9j/2Q=="}`, http.StatusCreated},
		{"Re-enroll appends", http.MethodPost, "/api/v1/identities/Ann/embeddings", `{"embedding":[0,1,0]}`, http.StatusCreated},
		{"Dimension mismatch", http.MethodPost, "/api/v1/identities/Bob/embeddings", `{"embedding":[1,2]}`, http.StatusUnprocessableEntity},
		{"Reserved name", http.MethodPost, "/api/v1/identities/unknown/embeddings", `{"embedding":[1,0,0]}`, http.StatusBadRequest},
		{"Empty embedding", http.MethodPost, "/api/v1/identities/Bob/embeddings", `{"embedding":[]}`, http.StatusUnprocessableEntity},
		{"Malformed body", http.MethodPost, "/api/v1/identities/Bob/embeddings", `{"embedding":`, http.StatusBadRequest},
		{"Unknown field", http.MethodPost, "/api/v1/identities/Bob/embeddings", `{"vector":[1,2,3]}`, http.StatusBadRequest},
		{"Get enrolled", http.MethodGet, "/api/v1/identities/Ann", "", http.StatusOK},
		{"Get missing", http.MethodGet, "/api/v1/identities/Bob", "", http.StatusNotFound},
		{"Remove missing", http.MethodDelete, "/api/v1/identities/Bob", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, tt.method, tt.path, tt.body)
			if rec.Code != tt.status {
				t.Errorf("expected %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
		})
	}

	list := decode[[]identityResponse](t, do(t, s, http.MethodGet, "/api/v1/identities", ""))
	if len(list) != 1 || list[0].Name != "Ann" || list[0].Samples != 2 {
		t.Fatalf("unexpected list: %+v", list)
	}
	if list[0].References[0] == "-" || list[0].References[1] != "-" {
		t.Errorf("expected digest for first reference only, got %v", list[0].References)
	}

	if rec := do(t, s, http.MethodDelete, "/api/v1/identities/Ann", ""); rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
	list = decode[[]identityResponse](t, do(t, s, http.MethodGet, "/api/v1/identities", ""))
	if len(list) != 0 {
		t.Errorf("expected empty list after remove, got %+v", list)
	}
}

func TestMatch(t *testing.T) {
	s, reg, _ := newTestServer(t, false)

	// Empty registry: unknown, no distance in the payload.
	rec := do(t, s, http.MethodPost, "/api/v1/match", `{"embedding":[0.3,0]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	empty := decode[matchResponse](t, rec)
	if empty.Name != "unknown" || empty.IsMatch || empty.Distance != nil {
		t.Errorf("expected unknown without distance, got %+v", empty)
	}

	reg.Enroll("Ann", embedding.New(0, 0), nil)

	tests := []struct {
		name    string
		body    string
		status  int
		isMatch bool
	}{
		{"Default threshold accepts", `{"embedding":[0.3,0]}`, http.StatusOK, true},
		{"Stricter threshold rejects", `{"embedding":[0.3,0],"threshold":0.8}`, http.StatusOK, false},
		{"Invalid threshold", `{"embedding":[0.3,0],"threshold":1}`, http.StatusBadRequest, false},
		{"Dimension mismatch", `{"embedding":[0.3,0,0]}`, http.StatusUnprocessableEntity, false},
		{"Missing embedding", `{}`, http.StatusBadRequest, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, http.MethodPost, "/api/v1/match", tt.body)
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
			if rec.Code != http.StatusOK {
				return
			}
			res := decode[matchResponse](t, rec)
			if res.IsMatch != tt.isMatch || res.Name != "Ann" {
				t.Errorf("unexpected verdict %+v", res)
			}
			if res.Distance == nil || *res.Distance < 0.299 || *res.Distance > 0.301 {
				t.Errorf("expected distance ~0.3, got %v", res.Distance)
			}
		})
	}
}

func TestSession(t *testing.T) {
	s, reg, _ := newTestServer(t, true)

	rec := do(t, s, http.MethodPut, "/api/v1/session", `{"state":"running"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 with empty registry, got %d", rec.Code)
	}

	reg.Enroll("Ann", embedding.New(0, 0), nil)

	rec = do(t, s, http.MethodPut, "/api/v1/session", `{"state":"running","threshold":0.7,"period":"2s"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	st := decode[sessionResponse](t, rec)
	if st.State != "running" || st.Threshold != 0.7 || st.Period != "2s" {
		t.Errorf("unexpected session state %+v", st)
	}

	// Starting again is idempotent over HTTP.
	if rec := do(t, s, http.MethodPut, "/api/v1/session", `{"state":"running"}`); rec.Code != http.StatusOK {
		t.Errorf("expected 200 for repeated start, got %d", rec.Code)
	}

	for _, body := range []string{`{"threshold":0}`, `{"period":"-1s"}`, `{"state":"paused"}`} {
		if rec := do(t, s, http.MethodPut, "/api/v1/session", body); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", body, rec.Code)
		}
	}

	rec = do(t, s, http.MethodPut, "/api/v1/session", `{"state":"idle"}`)
	if st := decode[sessionResponse](t, rec); st.State != "idle" || st.Threshold != 0.7 {
		t.Errorf("unexpected state after stop %+v", st)
	}
}

func TestSession_NotAttached(t *testing.T) {
	s, _, _ := newTestServer(t, false)
	if rec := do(t, s, http.MethodGet, "/api/v1/session", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
}

func TestEvents(t *testing.T) {
	s, _, hub := newTestServer(t, false)
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET events failed: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected event stream, got %q", ct)
	}

	lines := bufio.NewScanner(resp.Body)
	next := func() string {
		if !lines.Scan() {
			t.Fatalf("stream ended: %v", lines.Err())
		}
		return lines.Text()
	}

	if got := next(); got != "event: ready" {
		t.Fatalf("expected ready event, got %q", got)
	}
	next() // data
	next() // blank

	hub.Notify(ctx, types.NewIdentityAppeared("Ann", 0.2, nil, 3))

	if got := next(); got != "event: "+types.EventTypeIdentityAppeared {
		t.Fatalf("expected identity event, got %q", got)
	}
	var event types.IdentityAppeared
	if err := json.Unmarshal([]byte(strings.TrimPrefix(next(), "data: ")), &event); err != nil {
		t.Fatal(err)
	}
	if event.Name != "Ann" || event.Cycle != 3 {
		t.Errorf("unexpected event %+v", event)
	}
}

func TestShutdown_EndsOpenEventStreams(t *testing.T) {
	s, _, hub := newTestServer(t, false)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	served := make(chan error, 1)
	go func() { served <- s.Serve(ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/api/v1/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	lines := bufio.NewScanner(resp.Body)
	if !lines.Scan() || lines.Text() != "event: ready" {
		t.Fatalf("expected ready event, got %q (err %v)", lines.Text(), lines.Err())
	}
	if hub.Listeners() != 1 {
		t.Fatalf("expected 1 listener, got %d", hub.Listeners())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	start := time.Now()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown with a connected client failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Shutdown took %s, want the stream to end promptly", elapsed)
	}

	// The client sees the stream end.
	for lines.Scan() {
	}
	if err := <-served; err != nil {
		t.Errorf("Serve returned %v", err)
	}
	if hub.Listeners() != 0 {
		t.Errorf("expected listener to be released, got %d", hub.Listeners())
	}
}
