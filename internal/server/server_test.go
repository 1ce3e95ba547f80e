package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"formcoach/internal/camera"
	"formcoach/internal/streamer"
)

type fakeStreamer struct {
	mu       sync.Mutex
	startErr error
	calls    []string
	snap     streamer.Snapshot
	subs     map[chan streamer.Snapshot]struct{}
}

func newFakeStreamer() *fakeStreamer {
	return &fakeStreamer{
		snap: streamer.Snapshot{State: streamer.StateIdle, Mounted: true},
		subs: make(map[chan streamer.Snapshot]struct{}),
	}
}

func (f *fakeStreamer) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeStreamer) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeStreamer) Start(ctx context.Context) error {
	f.record("start")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.snap.State = streamer.StateStreaming
	f.snap.SessionID = "session-1"
	return nil
}

func (f *fakeStreamer) Stop() {
	f.record("stop")
	f.mu.Lock()
	f.snap.State = streamer.StateIdle
	f.snap.SessionID = ""
	f.mu.Unlock()
}

func (f *fakeStreamer) ChooseDifferentExercise(onSelect func()) {
	f.Stop()
	onSelect()
}

func (f *fakeStreamer) SetExercise(e streamer.Exercise) {
	f.record("select:" + e.Name)
	f.mu.Lock()
	f.snap.Exercise = e
	f.mu.Unlock()
}

func (f *fakeStreamer) Snapshot() streamer.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeStreamer) Subscribe() chan streamer.Snapshot {
	ch := make(chan streamer.Snapshot, 1)
	f.mu.Lock()
	f.subs[ch] = struct{}{}
	f.mu.Unlock()
	return ch
}

func (f *fakeStreamer) Unsubscribe(ch chan streamer.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[ch]; ok {
		delete(f.subs, ch)
		close(ch)
	}
}

func (f *fakeStreamer) subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeStreamer) push(s streamer.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs {
		ch <- s
	}
}

func newTestServer(t *testing.T, opts ...Option) (*Server, *fakeStreamer) {
	t.Helper()
	fs := newFakeStreamer()
	srv := NewServer(fs, opts...)
	t.Cleanup(srv.Close)
	return srv, fs
}

func do(srv http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func decodeSnapshot(t *testing.T, w *httptest.ResponseRecorder) streamer.Snapshot {
	t.Helper()
	var snap streamer.Snapshot
	if err := json.NewDecoder(w.Body).Decode(&snap); err != nil {
		t.Fatalf("decoding snapshot: %v", err)
	}
	return snap
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	w := do(srv, http.MethodGet, "/api/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp["status"] != "ok" {
		t.Fatalf("expected status ok, got %s", resp["status"])
	}
}

func TestVersionEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	w := do(srv, http.MethodGet, "/api/version", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"version"`) {
		t.Errorf("missing version field: %s", w.Body.String())
	}
}

func TestGetState(t *testing.T) {
	srv, fs := newTestServer(t)
	fb := "Keep going"
	fs.snap.RepCount = 3
	fs.snap.Feedback = &fb

	w := do(srv, http.MethodGet, "/api/state", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected application/json, got %s", ct)
	}
	snap := decodeSnapshot(t, w)
	if snap.RepCount != 3 || snap.Feedback == nil || *snap.Feedback != fb {
		t.Errorf("unexpected snapshot %+v", snap)
	}
}

func TestStartStream(t *testing.T) {
	srv, _ := newTestServer(t)
	w := do(srv, http.MethodPost, "/api/stream/start", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if snap := decodeSnapshot(t, w); snap.State != streamer.StateStreaming {
		t.Errorf("expected streaming, got %s", snap.State)
	}
}

func TestStartStreamErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"already streaming", streamer.ErrAlreadyStreaming, http.StatusConflict},
		{"not mounted", streamer.ErrNotMounted, http.StatusServiceUnavailable},
		{"permission", fmt.Errorf("opening camera: %w", camera.ErrPermission), http.StatusServiceUnavailable},
		{"device", fmt.Errorf("opening camera: %w", camera.ErrDevice), http.StatusServiceUnavailable},
		{"other", fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, fs := newTestServer(t)
			fs.startErr = tt.err
			w := do(srv, http.MethodPost, "/api/stream/start", "")
			if w.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, w.Code)
			}
			var resp map[string]string
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("decoding response: %v", err)
			}
			if resp["error"] == "" {
				t.Error("expected error message")
			}
		})
	}
}

func TestStopStream(t *testing.T) {
	srv, fs := newTestServer(t)
	do(srv, http.MethodPost, "/api/stream/start", "")
	w := do(srv, http.MethodPost, "/api/stream/stop", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if snap := decodeSnapshot(t, w); snap.State != streamer.StateIdle {
		t.Errorf("expected idle, got %s", snap.State)
	}
	calls := fs.Calls()
	if len(calls) != 2 || calls[1] != "stop" {
		t.Errorf("unexpected calls %v", calls)
	}
}

func TestChooseExerciseStopsThenSelects(t *testing.T) {
	srv, fs := newTestServer(t)
	do(srv, http.MethodPost, "/api/stream/start", "")

	w := do(srv, http.MethodPost, "/api/exercise", `{"name":" Push-ups ","icon":"💪"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	snap := decodeSnapshot(t, w)
	if snap.Exercise.Name != "Push-ups" || snap.State != streamer.StateIdle {
		t.Errorf("unexpected snapshot %+v", snap)
	}
	want := []string{"start", "stop", "select:Push-ups"}
	if got := fs.Calls(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("expected calls %v, got %v", want, got)
	}
}

func TestChooseExerciseValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{`},
		{"missing name", `{"icon":"x"}`},
		{"blank name", `{"name":"   "}`},
		{"long name", `{"name":"` + strings.Repeat("a", maxExerciseNameLen+1) + `"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, fs := newTestServer(t)
			w := do(srv, http.MethodPost, "/api/exercise", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", w.Code)
			}
			if len(fs.Calls()) != 0 {
				t.Errorf("streamer should be untouched, got %v", fs.Calls())
			}
		})
	}
}

func TestMetricsRoute(t *testing.T) {
	srv, _ := newTestServer(t)
	if w := do(srv, http.MethodGet, "/metrics", ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without metrics, got %d", w.Code)
	}

	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "formcoach_frames_sent_total 1\n")
	})
	srv, _ = newTestServer(t, WithMetrics(h))
	w := do(srv, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "frames_sent") {
		t.Fatalf("unexpected metrics response %d %q", w.Code, w.Body.String())
	}
}

func TestCORSPreflight(t *testing.T) {
	srv, _ := newTestServer(t, WithCORSOrigin("http://localhost:3000"))
	w := do(srv, http.MethodOptions, "/api/state", "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("unexpected allow origin %q", got)
	}
}

func TestControlRateLimit(t *testing.T) {
	srv, _ := newTestServer(t, WithControlRateLimit(2, time.Minute))
	for i := 0; i < 2; i++ {
		if w := do(srv, http.MethodPost, "/api/stream/stop", ""); w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, w.Code)
		}
	}
	w := do(srv, http.MethodPost, "/api/stream/stop", "")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	// reads are not limited
	if w := do(srv, http.MethodGet, "/api/state", ""); w.Code != http.StatusOK {
		t.Fatalf("expected 200 for state, got %d", w.Code)
	}
}

func TestRateLimiterWindow(t *testing.T) {
	rl := newRateLimiter(1, 20*time.Millisecond)
	defer rl.stop()
	if !rl.allow("a") {
		t.Fatal("first request should pass")
	}
	if rl.allow("a") {
		t.Fatal("second request should be limited")
	}
	if !rl.allow("b") {
		t.Fatal("other clients are independent")
	}
	time.Sleep(30 * time.Millisecond)
	if !rl.allow("a") {
		t.Fatal("window should have expired")
	}
}

func TestStateSSE(t *testing.T) {
	srv, fs := newTestServer(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/state/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected text/event-stream, got %s", ct)
	}

	events := make(chan streamer.Snapshot, 4)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			line := sc.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var snap streamer.Snapshot
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &snap); err == nil {
				events <- snap
			}
		}
	}()

	next := func() streamer.Snapshot {
		select {
		case s := <-events:
			return s
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for event")
			return streamer.Snapshot{}
		}
	}

	if first := next(); first.State != streamer.StateIdle {
		t.Fatalf("expected initial idle snapshot, got %+v", first)
	}

	deadline := time.Now().Add(2 * time.Second)
	for fs.subscribers() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	fs.push(streamer.Snapshot{State: streamer.StateStreaming, RepCount: 7})
	if got := next(); got.RepCount != 7 || got.State != streamer.StateStreaming {
		t.Fatalf("unexpected pushed snapshot %+v", got)
	}

	cancel()
	deadline = time.Now().Add(2 * time.Second)
	for fs.subscribers() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := fs.subscribers(); n != 0 {
		t.Errorf("expected subscriber to be released, got %d", n)
	}
}
