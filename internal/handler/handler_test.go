package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/pavelanni/examgen/internal/exam"
	appI18n "github.com/pavelanni/examgen/internal/i18n"
	"github.com/pavelanni/examgen/internal/metrics"
	"github.com/pavelanni/examgen/internal/model"
	"github.com/pavelanni/examgen/internal/pubsub"
	"github.com/pavelanni/examgen/internal/store"
)

func TestMain(m *testing.M) {
	if err := appI18n.Init("en"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(m.Run())
}

// gatedGenerator blocks every call until gate is closed.
type gatedGenerator struct {
	kind    model.Kind
	gate    chan struct{}
	started *atomic.Int64
	calls   atomic.Int64
}

func (g *gatedGenerator) Generate(ctx context.Context, gc model.GenerationContext) (model.Item, error) {
	g.started.Add(1)
	select {
	case <-g.gate:
	case <-ctx.Done():
		return model.Item{}, ctx.Err()
	}
	n := g.calls.Add(1)
	it := model.Item{Kind: g.kind, Text: fmt.Sprintf("%s %d on %s", g.kind, n, gc.Prompt), Explanation: "x"}
	if g.kind.IsChoice() {
		it.Choice = &model.Choice{Options: []string{"a", "b"}, Correct: []int{0}}
		if g.kind.IsMulti() {
			it.Choice.Correct = []int{0, 1}
		}
	} else {
		it.Blanks = &model.Blanks{Count: 1, Answers: []string{"a"}}
	}
	return it, nil
}

type staticSelector []model.Kind

func (s staticSelector) Select(context.Context, model.GenerationContext, int) ([]model.Kind, error) {
	return s, nil
}

type testServer struct {
	*httptest.Server
	broker  *pubsub.Broker
	gate    chan struct{}
	started *atomic.Int64
}

// release lets all pending generations finish.
func (ts *testServer) release() { close(ts.gate) }

func newTestServer(t *testing.T, exec *exam.Executor) *testServer {
	t.Helper()
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	gate := make(chan struct{})
	started := new(atomic.Int64)
	gens := map[model.Kind]exam.ItemGenerator{}
	for _, k := range model.DefaultKinds {
		gens[k] = &gatedGenerator{kind: k, gate: gate, started: started}
	}
	if exec == nil {
		exec = exam.NewExecutor(2, 8)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		exec.Shutdown(ctx)
	})

	cfg := model.Config{
		MaxItems:        10,
		MaxRetries:      1,
		MaxConcurrency:  4,
		GenerateTimeout: 5 * time.Second,
		Heartbeat:       50 * time.Millisecond,
		DefaultSubject:  "math",
	}
	broker := pubsub.NewBroker()
	m := metrics.New()
	sel := staticSelector{model.KindSingleChoice, model.KindMultiChoice, model.KindFillInBlanks}
	orch := exam.New(s, sel, gens, broker, exec, m, cfg)

	r := chi.NewRouter()
	r.Use(appI18n.Middleware("en"))
	New(orch, broker, m, cfg, t.TempDir()).Routes(r)

	srv := httptest.NewUnstartedServer(r)
	srv.Config = NewServer("", r)
	srv.Start()
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, broker: broker, gate: gate, started: started}
}

func (ts *testServer) createExam(t *testing.T, body string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Post(ts.URL+"/api/exams", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp.StatusCode, out
}

func (ts *testServer) snapshot(t *testing.T, examID string) model.ExamSnapshot {
	t.Helper()
	resp, err := http.Get(ts.URL + "/api/exams/" + examID)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("snapshot status = %d", resp.StatusCode)
	}
	var snap model.ExamSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return snap
}

func (ts *testServer) waitSubscribers(t *testing.T, examID string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for ts.broker.Subscribers(examID) != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d subscribers, have %d", n, ts.broker.Subscribers(examID))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (ts *testServer) waitStatus(t *testing.T, examID string, want model.ExamStatus) model.ExamSnapshot {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		snap := ts.snapshot(t, examID)
		if snap.Status == want {
			return snap
		}
		if time.Now().After(deadline) {
			t.Fatalf("status = %s, want %s", snap.Status, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCreateExamValidation(t *testing.T) {
	ts := newTestServer(t, nil)
	defer ts.release()

	tests := []struct {
		name    string
		body    string
		wantMsg string
	}{
		{"malformed", `{"prompt":`, "not valid JSON"},
		{"empty prompt", `{"prompt":"  ","question_count":3}`, "prompt is required"},
		{"zero count", `{"prompt":"x","question_count":0}`, "between 1 and 10"},
		{"too many", `{"prompt":"x","question_count":11}`, "between 1 and 10"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, out := ts.createExam(t, tt.body)
			if status != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", status)
			}
			msg, _ := out["error"].(string)
			if !strings.Contains(msg, tt.wantMsg) {
				t.Errorf("error = %q, want it to contain %q", msg, tt.wantMsg)
			}
		})
	}
}

func TestCreateExamLocalizedError(t *testing.T) {
	ts := newTestServer(t, nil)
	defer ts.release()

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/exams", strings.NewReader(`{"prompt":""}`))
	req.Header.Set("Accept-Language", "vi-VN,vi;q=0.9")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	var out errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Error == "" || strings.Contains(out.Error, "prompt is required") {
		t.Errorf("expected a Vietnamese message, got %q", out.Error)
	}
}

func TestCreateAndFetchExam(t *testing.T) {
	ts := newTestServer(t, nil)

	status, out := ts.createExam(t, `{"prompt":"fractions","question_count":3}`)
	if status != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", status)
	}
	if out["status"] != string(model.ExamGenerating) {
		t.Errorf("status = %v, want generating", out["status"])
	}
	if out["target_count"] != float64(3) {
		t.Errorf("target_count = %v, want 3", out["target_count"])
	}
	examID, _ := out["exam_id"].(string)

	ts.release()
	snap := ts.waitStatus(t, examID, model.ExamComplete)
	if len(snap.Items) != 3 {
		t.Fatalf("items = %d, want 3", len(snap.Items))
	}

	resp, err := http.Get(ts.URL + "/api/exams/unknown")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown exam status = %d, want 404", resp.StatusCode)
	}
}

func TestServerBusy(t *testing.T) {
	exec := exam.NewExecutor(1, 1)
	ts := newTestServer(t, exec)
	defer ts.release()

	// The first exam occupies the worker, the second fills the queue.
	for i := range 2 {
		if status, _ := ts.createExam(t, `{"prompt":"x","question_count":1}`); status != http.StatusAccepted {
			t.Fatalf("exam %d: status = %d, want 202", i, status)
		}
		if i == 0 {
			deadline := time.Now().Add(2 * time.Second)
			for ts.started.Load() == 0 {
				if time.Now().After(deadline) {
					t.Fatal("first exam never started generating")
				}
				time.Sleep(5 * time.Millisecond)
			}
		}
	}
	status, out := ts.createExam(t, `{"prompt":"x","question_count":1}`)
	if status != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", status)
	}
	if msg, _ := out["error"].(string); !strings.Contains(msg, "busy") {
		t.Errorf("error = %q", msg)
	}
}

func TestEventStream(t *testing.T) {
	ts := newTestServer(t, nil)

	_, out := ts.createExam(t, `{"prompt":"fractions","question_count":3}`)
	examID := out["exam_id"].(string)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/exams/"+examID+"/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	ts.waitSubscribers(t, examID, 1)
	ts.release()

	var items []int
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev model.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("decode event %q: %v", line, err)
		}
		switch ev.Type {
		case model.EventItem:
			items = append(items, ev.Item.ID)
		case model.EventComplete:
			if ev.Status != model.ExamComplete {
				t.Errorf("complete status = %s", ev.Status)
			}
			if len(items) != 3 {
				t.Errorf("got %d item events before complete, want 3", len(items))
			}
			cancel()
			ts.waitSubscribers(t, examID, 0)
			return
		}
	}
	t.Fatalf("stream ended without complete event: %v", scanner.Err())
}

func TestEventStreamHeartbeat(t *testing.T) {
	ts := newTestServer(t, nil)
	defer ts.release()

	_, out := ts.createExam(t, `{"prompt":"x","question_count":1}`)
	examID := out["exam_id"].(string)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/exams/"+examID+"/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if scanner.Text() == `data: {"type":"heartbeat"}` {
			return
		}
	}
	t.Fatal("no heartbeat received")
}

func TestWebSocketStream(t *testing.T) {
	ts := newTestServer(t, nil)

	_, out := ts.createExam(t, `{"prompt":"fractions","question_count":3}`)
	examID := out["exam_id"].(string)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/exams/" + examID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	ts.waitSubscribers(t, examID, 1)
	ts.release()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	items := 0
	for {
		var ev model.Event
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("read: %v", err)
		}
		if ev.Type == model.EventItem {
			items++
		}
		if ev.Type == model.EventComplete {
			break
		}
	}
	if items != 3 {
		t.Errorf("got %d items, want 3", items)
	}

	conn.Close()
	ts.waitSubscribers(t, examID, 0)
}

func TestShutdownEndsStreams(t *testing.T) {
	ts := newTestServer(t, nil)
	defer ts.release()

	_, out := ts.createExam(t, `{"prompt":"x","question_count":1}`)
	examID := out["exam_id"].(string)

	resp, err := http.Get(ts.URL + "/api/exams/" + examID + "/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/api/exams/"+examID+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	ts.waitSubscribers(t, examID, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	start := time.Now()
	if err := ts.Config.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if d := time.Since(start); d > time.Second {
		t.Errorf("Shutdown took %v with open streams", d)
	}
	ts.waitSubscribers(t, examID, 0)
}

func TestSubmitAndResults(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.release()

	_, out := ts.createExam(t, `{"prompt":"fractions","question_count":3}`)
	examID := out["exam_id"].(string)
	snap := ts.waitStatus(t, examID, model.ExamComplete)

	right := model.Submission{StudentName: "  ", Answers: map[int]model.Answer{}}
	wrong := model.Submission{StudentName: "Lan", Answers: map[int]model.Answer{}}
	for _, it := range snap.Items {
		right.Answers[it.ID] = it.Expected()
		if it.Kind.IsChoice() {
			wrong.Answers[it.ID] = model.Answer{Choices: []int{1}}
		} else {
			wrong.Answers[it.ID] = model.Answer{Blanks: []string{"zzz"}}
		}
	}

	submit := func(body string) (int, model.GradeResult) {
		resp, err := http.Post(ts.URL+"/api/exams/"+examID+"/submit", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("POST submit: %v", err)
		}
		defer resp.Body.Close()
		var res model.GradeResult
		json.NewDecoder(resp.Body).Decode(&res)
		return resp.StatusCode, res
	}
	encode := func(sub model.Submission) string {
		b, err := json.Marshal(sub)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		return string(b)
	}

	status, res := submit(encode(wrong))
	if status != http.StatusOK || res.Score != 0 || res.Total != 3 {
		t.Fatalf("wrong answers: status %d, score %d/%d", status, res.Score, res.Total)
	}
	if len(res.Items) != 3 {
		t.Errorf("got %d item results, want 3", len(res.Items))
	}
	status, res = submit(encode(right))
	if status != http.StatusOK || res.Score != 3 || res.Percentage != 100 {
		t.Fatalf("right answers: status %d, score %d (%v%%)", status, res.Score, res.Percentage)
	}
	if res.StudentName != "Anonymous" {
		t.Errorf("student name = %q, want Anonymous", res.StudentName)
	}
	if status, _ := submit(`{"answers":`); status != http.StatusBadRequest {
		t.Errorf("malformed submit status = %d, want 400", status)
	}

	resp, err := http.Get(ts.URL + "/api/exams/" + examID + "/results")
	if err != nil {
		t.Fatalf("GET results: %v", err)
	}
	defer resp.Body.Close()
	var results model.ExamResults
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if results.TotalStudents != 2 || len(results.Students) != 2 {
		t.Fatalf("results = %+v", results)
	}
	want := model.ResultStats{Average: 50, Highest: 100, Lowest: 0}
	if results.Statistics != want {
		t.Errorf("statistics = %+v, want %+v", results.Statistics, want)
	}

	missing, err := http.Get(ts.URL + "/api/exams/nope/results")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Errorf("unknown exam results status = %d, want 404", missing.StatusCode)
	}
}

func TestDeleteItem(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.release()

	_, out := ts.createExam(t, `{"prompt":"fractions","question_count":3}`)
	examID := out["exam_id"].(string)
	ts.waitStatus(t, examID, model.ExamComplete)

	del := func(path string) (int, map[string]any) {
		req, _ := http.NewRequest(http.MethodDelete, ts.URL+path, nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("DELETE: %v", err)
		}
		defer resp.Body.Close()
		var body map[string]any
		json.NewDecoder(resp.Body).Decode(&body)
		return resp.StatusCode, body
	}

	status, body := del("/api/exams/" + examID + "/items/2")
	if status != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", status)
	}
	if body["removed_id"] != float64(2) || body["remaining"] != float64(2) {
		t.Errorf("body = %v", body)
	}
	if msg, _ := body["message"].(string); msg != "2 questions remaining." {
		t.Errorf("message = %q", msg)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		snap := ts.snapshot(t, examID)
		if len(snap.Items) == 3 {
			ids := []int{snap.Items[0].ID, snap.Items[1].ID, snap.Items[2].ID}
			if ids[0] != 1 || ids[1] != 3 || ids[2] != 4 {
				t.Errorf("ids = %v, want [1 3 4]", ids)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("replacement not appended, items = %d", len(snap.Items))
		}
		time.Sleep(10 * time.Millisecond)
	}

	tests := []struct {
		name   string
		path   string
		status int
	}{
		{"deleted again", "/api/exams/" + examID + "/items/2", http.StatusNotFound},
		{"unknown exam", "/api/exams/nope/items/1", http.StatusNotFound},
		{"bad id", "/api/exams/" + examID + "/items/abc", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if status, _ := del(tt.path); status != tt.status {
				t.Errorf("status = %d, want %d", status, tt.status)
			}
		})
	}
}

func TestKindsAndHealth(t *testing.T) {
	ts := newTestServer(t, nil)
	defer ts.release()

	resp, err := http.Get(ts.URL + "/api/kinds/english")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	var out struct {
		Subject string       `json:"subject"`
		Kinds   []model.Kind `json:"kinds"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Kinds) != len(model.KindsForSubject("english")) {
		t.Errorf("kinds = %v", out.Kinds)
	}

	for _, path := range []string{"/healthz", "/metrics"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s status = %d", path, resp.StatusCode)
		}
	}
}
