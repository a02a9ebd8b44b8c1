package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"callbank/internal/config"
	"callbank/internal/db"
	"callbank/internal/engine"
	"callbank/internal/migrate"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default("")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:              testJWTSecret,
			AllowLegacyActorHeader: true,
		},
	})
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

func asActor(actorID string) map[string]string {
	return map[string]string{"X-Actor-Id": actorID}
}

func TestHealthNeedsNoAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/work", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
}

func TestJWTAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "vol-7",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/work", nil, map[string]string{
		"Authorization": "Bearer " + signed,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("work status %d: %s", res.StatusCode, string(data))
	}

	badRes, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/work", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if badRes.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", badRes.StatusCode)
	}
}

func TestCallFlowOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/locations", map[string]any{
		"code": "Austin-01",
		"name": "Austin office",
	}, asActor("lead-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create location status %d: %s", res.StatusCode, string(data))
	}
	var loc LocationResponse
	if err := json.Unmarshal(data, &loc); err != nil {
		t.Fatalf("unmarshal location: %v", err)
	}
	if loc.Code != "austin-01" {
		t.Fatalf("expected normalized code austin-01, got %s", loc.Code)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/locations/"+loc.ID+"/join", map[string]any{
		"group_type": "organizer",
	}, asActor("lead-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("join status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/locations/"+loc.ID+"/tasks", map[string]any{
		"title": "September outreach",
	}, asActor("lead-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task status %d: %s", res.StatusCode, string(data))
	}
	var task TaskResponse
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/targets", map[string]any{
		"targets": []map[string]any{
			{"name": "Ada", "phone": "555-0001"},
			{"name": "Grace", "phone": "555-0002"},
			{"name": "Edsger"},
		},
	}, asActor("lead-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add targets status %d: %s", res.StatusCode, string(data))
	}

	// Volunteer joins and claims a batch.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/locations/"+loc.ID+"/join", map[string]any{
		"group_type": "volunteer",
	}, asActor("vol-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("volunteer join status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/claim", map[string]any{
		"count": 2,
	}, asActor("vol-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("claim status %d: %s", res.StatusCode, string(data))
	}
	var claimed ClaimResponse
	if err := json.Unmarshal(data, &claimed); err != nil {
		t.Fatalf("unmarshal claim: %v", err)
	}
	if claimed.Assigned != 2 {
		t.Fatalf("expected 2 assigned, got %d", claimed.Assigned)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/work", nil, asActor("vol-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("work status %d: %s", res.StatusCode, string(data))
	}
	var work []AssignedWorkResponse
	if err := json.Unmarshal(data, &work); err != nil {
		t.Fatalf("unmarshal work: %v", err)
	}
	if len(work) != 2 {
		t.Fatalf("expected 2 work items, got %d", len(work))
	}

	rating := 4
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/targets/"+work[0].TargetID+"/call", map[string]any{
		"notes":  "friendly, will attend",
		"rating": rating,
	}, asActor("vol-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("record call status %d: %s", res.StatusCode, string(data))
	}
	var n InteractionResponse
	if err := json.Unmarshal(data, &n); err != nil {
		t.Fatalf("unmarshal interaction: %v", err)
	}
	if n.Rating == nil || *n.Rating != rating {
		t.Fatalf("rating not persisted: %+v", n)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/targets/"+work[1].TargetID+"/skip", nil, asActor("vol-1"))
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusNoContent {
		t.Fatalf("skip status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/"+task.ID+"/summary", nil, asActor("lead-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("summary status %d: %s", res.StatusCode, string(data))
	}
	var summary TaskSummaryResponse
	if err := json.Unmarshal(data, &summary); err != nil {
		t.Fatalf("unmarshal summary: %v", err)
	}
	if summary.TotalTargets != 3 || summary.Assigned != 2 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}

func TestDuplicateLocationCodeConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/locations", map[string]any{
		"code": "austin-01",
	}, asActor("lead-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("first create status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/locations", map[string]any{
		"code": "Austin-01",
	}, asActor("lead-2"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate code, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "code_taken" {
		t.Fatalf("expected code_taken, got %q", envelope.Error.Code)
	}
}

func TestGuestForbiddenFromManaging(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/locations", map[string]any{
		"code": "denver-02",
	}, asActor("lead-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create location status %d: %s", res.StatusCode, string(data))
	}
	var loc LocationResponse
	_ = json.Unmarshal(data, &loc)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/locations/"+loc.ID+"/join", map[string]any{
		"group_type": "guest",
	}, asActor("guest-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("guest join status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/locations/"+loc.ID+"/tasks", map[string]any{
		"title": "Should not happen",
	}, asActor("guest-1"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for guest, got %d: %s", res.StatusCode, string(data))
	}

	// Strangers with no membership at all are also denied.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/locations/"+loc.ID+"/tasks", map[string]any{
		"title": "Also no",
	}, asActor("stranger-1"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for stranger, got %d: %s", res.StatusCode, string(data))
	}
}

func TestAssignmentConflictsSurfaceAsConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/locations", map[string]any{
		"code": "tulsa-03",
	}, asActor("lead-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create location status %d: %s", res.StatusCode, string(data))
	}
	var loc LocationResponse
	_ = json.Unmarshal(data, &loc)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/locations/"+loc.ID+"/join", map[string]any{
		"group_type": "organizer",
	}, asActor("lead-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("join status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/locations/"+loc.ID+"/tasks", map[string]any{
		"title": "conflict cases",
	}, asActor("lead-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task status %d: %s", res.StatusCode, string(data))
	}
	var task TaskResponse
	_ = json.Unmarshal(data, &task)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/targets", map[string]any{
		"targets": []map[string]any{{"name": "Ada"}},
	}, asActor("lead-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add targets status %d: %s", res.StatusCode, string(data))
	}

	for _, vol := range []string{"vol-1", "vol-2"} {
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/locations/"+loc.ID+"/join", map[string]any{
			"group_type": "volunteer",
		}, asActor(vol))
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("%s join status %d: %s", vol, res.StatusCode, string(data))
		}
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/claim", map[string]any{
		"count": 1,
	}, asActor("vol-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("claim status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/work", nil, asActor("vol-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("work status %d: %s", res.StatusCode, string(data))
	}
	var work []AssignedWorkResponse
	if err := json.Unmarshal(data, &work); err != nil || len(work) != 1 {
		t.Fatalf("work items %v: %v", work, err)
	}
	targetID := work[0].TargetID

	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}

	// skip by someone who does not hold the assignment
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/targets/"+targetID+"/skip", nil, asActor("vol-2"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for skip by non-holder, got %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.Error.Code != "conflict" {
		t.Fatalf("expected conflict envelope, got %s", string(data))
	}

	// record by someone who does not hold the assignment
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/targets/"+targetID+"/call", map[string]any{
		"notes": "not my call",
	}, asActor("vol-2"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for record by non-holder, got %d: %s", res.StatusCode, string(data))
	}

	// skipping twice: the second hits a terminal assignment
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/targets/"+targetID+"/skip", nil, asActor("vol-1"))
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusNoContent {
		t.Fatalf("skip status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/targets/"+targetID+"/skip", nil, asActor("vol-1"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for double skip, got %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.Error.Code != "conflict" {
		t.Fatalf("expected conflict envelope, got %s", string(data))
	}
}

func TestAPIKeyRoundTrip(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/keys", map[string]any{
		"name": "laptop",
	}, asActor("vol-9"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key status %d: %s", res.StatusCode, string(data))
	}
	var key APIKeyResponse
	if err := json.Unmarshal(data, &key); err != nil {
		t.Fatalf("unmarshal key: %v", err)
	}
	if key.Key == "" {
		t.Fatal("expected plaintext key in create response")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/work", nil, map[string]string{
		"X-Api-Key": key.Key,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api key auth status %d: %s", res.StatusCode, string(data))
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/work", nil, map[string]string{
		"X-Api-Key": "bogus",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bogus key, got %d", res.StatusCode)
	}
}
