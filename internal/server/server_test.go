package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"jalon/internal/config"
	"jalon/internal/db"
	"jalon/internal/ledger"
	"jalon/internal/migrate"
)

type testServer struct {
	URL    string
	Ledger ledger.Ledger
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, auth AuthConfig) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("default")
	l := ledger.New(conn, cfg)
	if err := l.Repo.UpsertPipelineConfig(context.Background(), cfg); err != nil {
		t.Fatalf("seed pipeline config: %v", err)
	}
	handler, err := New(Config{Ledger: l, BasePath: "/v0", Auth: auth})
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
		Ledger: l,
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

func createTestClient(t *testing.T, srv *testServer, name string) ClientResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/clients", map[string]any{
		"name": name,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create client status %d: %s", res.StatusCode, string(data))
	}
	var created ClientResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal client: %v", err)
	}
	return created
}

func TestClientLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	created := createTestClient(t, srv, "Mme Dupont")
	if created.ID == "" || created.Name != "Mme Dupont" {
		t.Fatalf("created = %+v", created)
	}

	getRes, getBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/clients/"+created.ID, nil, nil)
	if getRes.StatusCode != http.StatusOK {
		t.Fatalf("get status %d: %s", getRes.StatusCode, string(getBody))
	}

	patchRes, patchBody := doJSON(t, client, http.MethodPatch, srv.URL+"/v0/clients/"+created.ID, map[string]any{
		"city": "Lyon",
	}, nil)
	if patchRes.StatusCode != http.StatusOK {
		t.Fatalf("patch status %d: %s", patchRes.StatusCode, string(patchBody))
	}
	var updated ClientResponse
	_ = json.Unmarshal(patchBody, &updated)
	if updated.City != "Lyon" {
		t.Fatalf("city = %q, want Lyon", updated.City)
	}

	missRes, missBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/clients/nope", nil, nil)
	if missRes.StatusCode != http.StatusNotFound {
		t.Fatalf("missing client status %d: %s", missRes.StatusCode, string(missBody))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(missBody, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "not_found" {
		t.Fatalf("error code = %q, want not_found", envelope.Error.Code)
	}
}

func TestStageTransitionFlow(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()
	created := createTestClient(t, srv, "M. Martin")

	transRes, transBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/clients/"+created.ID+"/stage-transitions", map[string]any{
		"new_stage": "conception",
	}, nil)
	if transRes.StatusCode != http.StatusCreated {
		t.Fatalf("transition status %d: %s", transRes.StatusCode, string(transBody))
	}
	var trans TransitionResponse
	if err := json.Unmarshal(transBody, &trans); err != nil {
		t.Fatalf("unmarshal transition: %v", err)
	}
	if trans.PreviousStage == nil || *trans.PreviousStage != "qualifie" {
		t.Fatalf("previous stage = %v, want qualifie", trans.PreviousStage)
	}
	if trans.Interval.StageName != "conception" || trans.Interval.EndedAt != nil {
		t.Fatalf("interval = %+v", trans.Interval)
	}

	histRes, histBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/clients/"+created.ID+"/stage-transitions", nil, nil)
	if histRes.StatusCode != http.StatusOK {
		t.Fatalf("history status %d: %s", histRes.StatusCode, string(histBody))
	}
	var history []StageIntervalResponse
	if err := json.Unmarshal(histBody, &history); err != nil {
		t.Fatalf("unmarshal history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}

	curRes, curBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/clients/"+created.ID+"/stage-transitions/current", nil, nil)
	if curRes.StatusCode != http.StatusOK {
		t.Fatalf("current status %d: %s", curRes.StatusCode, string(curBody))
	}
	var current StageIntervalResponse
	_ = json.Unmarshal(curBody, &current)
	if current.StageName != "conception" {
		t.Fatalf("current stage = %q, want conception", current.StageName)
	}

	durRes, durBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/clients/"+created.ID+"/stages/conception/duration", nil, nil)
	if durRes.StatusCode != http.StatusOK {
		t.Fatalf("duration status %d: %s", durRes.StatusCode, string(durBody))
	}
	var dur StageDurationResponse
	_ = json.Unmarshal(durBody, &dur)
	if dur.Display == "" {
		t.Fatalf("duration display empty: %s", string(durBody))
	}

	badRes, badBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/clients/"+created.ID+"/stage-transitions", map[string]any{}, nil)
	if badRes.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing new_stage status %d: %s", badRes.StatusCode, string(badBody))
	}

	missRes, missBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/clients/nope/stage-transitions", map[string]any{
		"new_stage": "conception",
	}, nil)
	if missRes.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown client status %d: %s", missRes.StatusCode, string(missBody))
	}
}

func TestTimelineEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()
	created := createTestClient(t, srv, "Mme Leroy")

	addRes, addBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/clients/"+created.ID+"/timeline", map[string]any{
		"type":        "appel",
		"description": "Rappel devis",
		"payload":     map[string]any{"duree_min": 12},
	}, map[string]string{"X-Actor-Id": "agent-1"})
	if addRes.StatusCode != http.StatusCreated {
		t.Fatalf("add entry status %d: %s", addRes.StatusCode, string(addBody))
	}
	var entry TimelineEntryResponse
	_ = json.Unmarshal(addBody, &entry)
	if entry.ID == 0 || entry.Actor != "agent-1" {
		t.Fatalf("entry = %+v", entry)
	}

	listRes, listBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/clients/"+created.ID+"/timeline", nil, nil)
	if listRes.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", listRes.StatusCode, string(listBody))
	}
	var page paginatedTimeline
	if err := json.Unmarshal(listBody, &page); err != nil {
		t.Fatalf("unmarshal page: %v", err)
	}
	// Seed statut entry plus the appel entry.
	if len(page.Items) != 2 {
		t.Fatalf("timeline items = %d, want 2", len(page.Items))
	}
	if page.Items[0].Type != "appel" || page.Items[1].Type != "statut" {
		t.Fatalf("items = %+v", page.Items)
	}
}

func TestPipelineEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()
	createTestClient(t, srv, "Client A")
	createTestClient(t, srv, "Client B")

	sumRes, sumBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/pipeline/summary", nil, nil)
	if sumRes.StatusCode != http.StatusOK {
		t.Fatalf("summary status %d: %s", sumRes.StatusCode, string(sumBody))
	}
	var summary SummaryResponse
	if err := json.Unmarshal(sumBody, &summary); err != nil {
		t.Fatalf("unmarshal summary: %v", err)
	}
	if len(summary.Stages) == 0 || summary.Stages[0].StageName != "qualifie" || summary.Stages[0].Clients != 2 {
		t.Fatalf("summary = %+v", summary)
	}

	cfgRes, cfgBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/pipeline/config", nil, nil)
	if cfgRes.StatusCode != http.StatusOK {
		t.Fatalf("get config status %d: %s", cfgRes.StatusCode, string(cfgBody))
	}

	putRes, putBody := doJSON(t, client, http.MethodPut, srv.URL+"/v0/pipeline/config", map[string]any{
		"strict_stages": true,
	}, nil)
	if putRes.StatusCode != http.StatusOK {
		t.Fatalf("put config status %d: %s", putRes.StatusCode, string(putBody))
	}
	var updated PipelineConfigResponse
	_ = json.Unmarshal(putBody, &updated)
	if !updated.StrictStages {
		t.Fatalf("strict_stages not persisted: %+v", updated)
	}
}

func TestAuthRequiredWhenSecretConfigured(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: "test-secret"})
	defer cleanup()
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v0/clients", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status %d: %s", res.StatusCode, string(body))
	}

	loginRes, loginBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id": "agent-1",
	}, nil)
	if loginRes.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", loginRes.StatusCode, string(loginBody))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(loginBody, &login); err != nil {
		t.Fatalf("unmarshal login: %v", err)
	}
	if login.Token == "" {
		t.Fatal("expected a token")
	}

	authRes, authBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/clients", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
	})
	if authRes.StatusCode != http.StatusOK {
		t.Fatalf("authenticated status %d: %s", authRes.StatusCode, string(authBody))
	}

	healthRes, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if healthRes.StatusCode != http.StatusOK {
		t.Fatalf("health should bypass auth, got %d", healthRes.StatusCode)
	}
}
