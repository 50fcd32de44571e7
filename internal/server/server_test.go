package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"execstore/internal/codec"
	"execstore/internal/db"
	"execstore/internal/domain"
	"execstore/internal/engine"
	"execstore/internal/engine/auth"
	"execstore/internal/interlink"
	"execstore/internal/ledger"
	"execstore/internal/metrics"
	"execstore/internal/migrate"
	"execstore/internal/repo"
	execstoresdk "execstore/sdk/go"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []interlink.Event
	to     []string
}

func (p *recordingPublisher) Publish(_ context.Context, partition string, ev interlink.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	p.to = append(p.to, partition)
	return nil
}

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

type serverOptions struct {
	partition string
	secret    string
	publisher interlink.Publisher
}

func newTestServer(t *testing.T, opts serverOptions) (*testServer, func()) {
	t.Helper()
	conn, err := db.Open(db.Config{Dialect: db.SQLite, DSN: filepath.Join(t.TempDir(), "server.db")})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(context.Background(), conn, db.SQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	reg := prometheus.NewRegistry()
	sink, err := metrics.NewPrometheusSink(reg)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	r := repo.Repo{
		Pools:   db.Pools{Default: conn, Dialect: db.SQLite},
		Codec:   codec.New(true, 256, codec.Gzip),
		Ledger:  ledger.NewMemory(),
		Metrics: sink,
		Retry:   repo.RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
	}
	e := engine.New(r, opts.partition, opts.publisher)
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: opts.secret}, Gatherer: reg})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type envelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func expectError(t *testing.T, res *http.Response, data []byte, status int, code string) envelope {
	t.Helper()
	if res.StatusCode != status {
		t.Fatalf("expected status %d, got %d: %s", status, res.StatusCode, data)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode error envelope: %v: %s", err, data)
	}
	if env.Error.Code != code {
		t.Fatalf("expected code %q, got %q: %s", code, env.Error.Code, data)
	}
	return env
}

func bearer(t *testing.T, secret, subject string, roles ...string) map[string]string {
	t.Helper()
	token, err := auth.Sign(secret, subject, roles, time.Minute, time.Now())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func TestExecutionLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t, serverOptions{partition: "west"})
	defer cleanup()
	ctx := context.Background()
	c := execstoresdk.New(srv.URL)
	c.RetryMax = 0

	stored, err := c.Store(ctx, execstoresdk.Execution{
		Type:        "PIPELINE",
		Application: "orca",
		Status:      "RUNNING",
		Stages: []*execstoresdk.Stage{
			{RefID: "2", Type: "deploy", Status: "NOT_STARTED", RequisiteStageRefIDs: []string{"1"}},
			{RefID: "1", Type: "wait", Status: "RUNNING"},
		},
	})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if stored.ID == "" || stored.Partition != "west" {
		t.Fatalf("expected minted id in partition west, got %+v", stored)
	}
	id := stored.ID

	paused, err := c.Pause(ctx, "PIPELINE", id)
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if paused.Execution == nil || paused.Execution.Status != "PAUSED" || paused.ForwardedTo != "" {
		t.Fatalf("expected local pause, got %+v", paused)
	}
	if _, err := c.Resume(ctx, "pipeline", id, false); err != nil {
		t.Fatalf("resume: %v", err)
	}

	got, err := c.Get(ctx, "PIPELINE", id, true)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != "RUNNING" || len(got.Stages) != 2 || got.Stages[0].RefID != "1" {
		t.Fatalf("unexpected execution after resume: %+v", got)
	}
	deployID := got.Stages[1].ID

	patched, err := c.PatchStage(ctx, "PIPELINE", id, deployID, map[string]any{"image": "v2"})
	if err != nil {
		t.Fatalf("patch: %v", err)
	}
	if patched.Execution.Stages[1].Context["image"] != "v2" {
		t.Fatalf("patch not applied: %+v", patched.Execution.Stages[1])
	}

	canceled, err := c.Cancel(ctx, "PIPELINE", id, "bad deploy")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !canceled.Execution.Canceled || canceled.Execution.CancellationReason != "bad deploy" || canceled.Execution.CanceledBy != "anonymous" {
		t.Fatalf("unexpected cancel result: %+v", canceled.Execution)
	}

	page, err := c.List(ctx, "PIPELINE", execstoresdk.ListOptions{Application: "orca", Statuses: []string{"running"}})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].ID != id || page.NextCursor != "" {
		t.Fatalf("unexpected page: %+v", page)
	}

	if _, err := c.Delete(ctx, "PIPELINE", id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_, err = c.Get(ctx, "PIPELINE", id, false)
	apiErr, ok := err.(*execstoresdk.APIError)
	if !ok || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %v", err)
	}
}

func TestErrorEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t, serverOptions{})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/executions/PIPELINE/missing/pause", map[string]any{}, nil)
	expectError(t, res, data, http.StatusNotFound, "not_found")

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/executions/job/x", nil, nil)
	expectError(t, res, data, http.StatusBadRequest, "bad_request")

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/executions", map[string]any{
		"type":        "PIPELINE",
		"application": "orca",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("store status %d: %s", res.StatusCode, data)
	}
	var created domain.Execution
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal execution: %v", err)
	}
	if created.Status != domain.StatusNotStarted {
		t.Fatalf("expected NOT_STARTED default, got %s", created.Status)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/executions/PIPELINE/"+created.ID+"/pause", map[string]any{}, nil)
	env := expectError(t, res, data, http.StatusUnprocessableEntity, "invalid_transition")
	if env.Error.Details["reason"] != "UnpausablePipeline" {
		t.Fatalf("expected UnpausablePipeline reason, got %v", env.Error.Details)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/executions/PIPELINE/"+created.ID+"/stages", map[string]any{
		"refId": "9",
		"type":  "manualJudgment",
	}, nil)
	env = expectError(t, res, data, http.StatusUnprocessableEntity, "invalid_transition")
	if env.Error.Details["reason"] != "SyntheticStageRequired" {
		t.Fatalf("expected SyntheticStageRequired reason, got %v", env.Error.Details)
	}
}

func TestBearerAuthentication(t *testing.T) {
	const secret = "s3cret"
	srv, cleanup := newTestServer(t, serverOptions{secret: secret})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should not need auth, got %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/executions/PIPELINE/x", nil, nil)
	expectError(t, res, data, http.StatusUnauthorized, "unauthorized")
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/executions/PIPELINE/x", nil, map[string]string{"Authorization": "Bearer nope"})
	expectError(t, res, data, http.StatusUnauthorized, "invalid_credentials")

	alice := bearer(t, secret, "alice")
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/executions", map[string]any{
		"type":        "ORCHESTRATION",
		"application": "orca",
	}, alice)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("store status %d: %s", res.StatusCode, data)
	}
	var created domain.Execution
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatal(err)
	}

	ev := interlink.NewEvent(interlink.CancelIntent{
		Target: interlink.Target{ExecutionType: domain.Orchestration, ExecutionID: created.ID},
		Actor:  "bob",
		Reason: "forwarded",
	}, "east", time.Now())
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/interlink/intents", ev, alice)
	expectError(t, res, data, http.StatusForbidden, "forbidden")

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/interlink/intents", ev, bearer(t, secret, "east", auth.RolePeer))
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("intent status %d: %s", res.StatusCode, data)
	}
	x, err := srv.Engine.Retrieve(context.Background(), domain.Orchestration, created.ID, false)
	if err != nil {
		t.Fatal(err)
	}
	if x.Status != domain.StatusCanceled || x.CanceledBy != "bob" {
		t.Fatalf("forwarded cancel not applied: %+v", x)
	}
}

func TestForeignMutationIsForwarded(t *testing.T) {
	pub := &recordingPublisher{}
	srv, cleanup := newTestServer(t, serverOptions{partition: "west", publisher: pub})
	defer cleanup()
	client := srv.Client()

	foreign := &domain.Execution{Type: domain.Pipeline, Application: "orca", Partition: "east", Status: domain.StatusRunning}
	if err := srv.Engine.Store(context.Background(), foreign); err != nil {
		t.Fatalf("store: %v", err)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/executions/PIPELINE/"+foreign.ID+"/cancel", map[string]any{"reason": "stop"}, nil)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", res.StatusCode, data)
	}
	var out MutationResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if out.ForwardedTo != "east" || out.Execution != nil {
		t.Fatalf("unexpected forward result: %+v", out)
	}
	if len(pub.events) != 1 || pub.to[0] != "east" || pub.events[0].Type != interlink.TypeCancel {
		t.Fatalf("unexpected published events: %+v", pub.events)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metrics status %d", res.StatusCode)
	}
	if !strings.Contains(string(data), `execstore_forwarded_intents_total{intent="cancel-intent",partition="east"} 1`) {
		t.Fatalf("forwarded counter missing from metrics:\n%s", data)
	}
}
