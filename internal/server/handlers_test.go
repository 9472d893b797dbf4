package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"deployhook/internal/deployment"
	"deployhook/internal/rules"
	"deployhook/pkg/cmdutil"
)

const testSecret = "test-secret-at-least-32-chars-long-here"

// fakeDispatcher records submitted jobs instead of running them.
type fakeDispatcher struct {
	mu   sync.Mutex
	jobs []*deployment.Job
}

func (f *fakeDispatcher) Submit(job *deployment.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
}

func (f *fakeDispatcher) InFlight() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.jobs))
}

func (f *fakeDispatcher) Wait(ctx context.Context) error { return nil }

func (f *fakeDispatcher) Jobs() []*deployment.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*deployment.Job(nil), f.jobs...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func setupTestServer(t *testing.T, list []rules.Rule) (*Server, *fakeDispatcher) {
	t.Helper()
	dispatcher := &fakeDispatcher{}
	registry := rules.NewRegistry(rules.NewSet(list), "")
	return NewServer(registry, dispatcher, testSecret, testLogger()), dispatcher
}

func siteRules() []rules.Rule {
	return []rules.Rule{{Repo: "site", Branch: "main", Target: "prod", AppName: "site"}}
}

func pushPayload(repo, ref string) []byte {
	return []byte(`{
		"ref": "` + ref + `",
		"after": "0d1a26e67d8f5eaf1f6ba5c57fc3c7d91ac0fd1c",
		"repository": {"name": "` + repo + `", "clone_url": "https://github.com/acme/` + repo + `.git"}
	}`)
}

func webhookRequest(path, eventType string, payload []byte, signature string) *http.Request {
	req := httptest.NewRequest("POST", path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", eventType)
	req.Header.Set("X-GitHub-Delivery", "72d3162e-cc78-11e3-81ab-4c9367dc0958")
	if signature != "" {
		req.Header.Set("X-Hub-Signature-256", signature)
	}
	return req
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)
	return rr
}

func TestHandleWebhook_PushMatchingRule(t *testing.T) {
	server, dispatcher := setupTestServer(t, siteRules())

	payload := pushPayload("site", "refs/heads/main")
	rr := serve(server, webhookRequest("/webhook", "push", payload, Sign(payload, testSecret)))

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}
	if rr.Body.String() != "OK" {
		t.Errorf("Expected body OK, got %q", rr.Body.String())
	}

	jobs := dispatcher.Jobs()
	if len(jobs) != 1 {
		t.Fatalf("Expected exactly one job, got %d", len(jobs))
	}
	job := jobs[0]
	if job.Rule.Target != "prod" || job.Rule.AppName != "site" {
		t.Errorf("Job rule = %+v", job.Rule)
	}
	if job.CloneURL != "https://github.com/acme/site.git" || job.Branch != "main" {
		t.Errorf("Job = %+v", job)
	}
	if job.Commit != "0d1a26e67d8f5eaf1f6ba5c57fc3c7d91ac0fd1c" {
		t.Errorf("Job commit = %q", job.Commit)
	}
	if job.DeliveryID != "72d3162e-cc78-11e3-81ab-4c9367dc0958" {
		t.Errorf("Job delivery ID = %q", job.DeliveryID)
	}
}

func TestHandleWebhook_FirstMatchWins(t *testing.T) {
	server, dispatcher := setupTestServer(t, []rules.Rule{
		{Repo: "site", Branch: "main", Target: "prod", AppName: "site"},
		{Repo: "site", Branch: "main", Target: "staging", AppName: "site-staging"},
	})

	payload := pushPayload("site", "refs/heads/main")
	serve(server, webhookRequest("/webhook", "push", payload, Sign(payload, testSecret)))

	jobs := dispatcher.Jobs()
	if len(jobs) != 1 || jobs[0].Rule.Target != "prod" {
		t.Errorf("Expected a single job for the first rule, got %+v", jobs)
	}
}

func TestHandleWebhook_DefaultBranchAndAppName(t *testing.T) {
	server, dispatcher := setupTestServer(t, []rules.Rule{{Repo: "api", Target: "prod"}})

	payload := pushPayload("api", "refs/heads/main")
	serve(server, webhookRequest("/webhook", "push", payload, Sign(payload, testSecret)))

	jobs := dispatcher.Jobs()
	if len(jobs) != 1 {
		t.Fatalf("Expected exactly one job, got %d", len(jobs))
	}
	if jobs[0].Rule.AppName != "api" || jobs[0].Rule.Branch != "main" {
		t.Errorf("Defaults not applied: %+v", jobs[0].Rule)
	}
}

func TestHandleWebhook_UnmatchedBranch(t *testing.T) {
	server, dispatcher := setupTestServer(t, siteRules())

	payload := pushPayload("site", "refs/heads/develop")
	rr := serve(server, webhookRequest("/webhook", "push", payload, Sign(payload, testSecret)))

	if rr.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rr.Code)
	}
	if len(dispatcher.Jobs()) != 0 {
		t.Error("Expected no job for a non-matching branch")
	}
}

func TestHandleWebhook_UnmatchedRepository(t *testing.T) {
	server, dispatcher := setupTestServer(t, siteRules())

	payload := pushPayload("Site", "refs/heads/main")
	rr := serve(server, webhookRequest("/webhook", "push", payload, Sign(payload, testSecret)))

	if rr.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rr.Code)
	}
	if len(dispatcher.Jobs()) != 0 {
		t.Error("Repository matching must be case-sensitive")
	}
}

func TestHandleWebhook_NestedBranchUsesLastSegment(t *testing.T) {
	server, dispatcher := setupTestServer(t, []rules.Rule{
		{Repo: "site", Branch: "release/v2", Target: "prod"},
		{Repo: "site", Branch: "v2", Target: "canary"},
	})

	payload := pushPayload("site", "refs/heads/release/v2")
	serve(server, webhookRequest("/webhook", "push", payload, Sign(payload, testSecret)))

	jobs := dispatcher.Jobs()
	if len(jobs) != 1 || jobs[0].Rule.Target != "canary" {
		t.Errorf("Expected the v2 rule to match, got %+v", jobs)
	}
}

func TestHandleWebhook_Ping(t *testing.T) {
	server, dispatcher := setupTestServer(t, siteRules())

	payload := []byte(`{"zen":"Design for failure.","hook_id":1}`)
	rr := serve(server, webhookRequest("/webhook", "ping", payload, Sign(payload, testSecret)))

	if rr.Code != http.StatusOK || rr.Body.String() != "OK" {
		t.Errorf("Expected 200 OK, got %d %q", rr.Code, rr.Body.String())
	}
	if len(dispatcher.Jobs()) != 0 {
		t.Error("Ping must never start a deployment")
	}
}

func TestHandleWebhook_IgnoredEvent(t *testing.T) {
	server, dispatcher := setupTestServer(t, siteRules())

	payload := pushPayload("site", "refs/heads/main")
	rr := serve(server, webhookRequest("/webhook", "issues", payload, Sign(payload, testSecret)))

	if rr.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rr.Code)
	}
	if len(dispatcher.Jobs()) != 0 {
		t.Error("Non-push events must not start a deployment")
	}
}

func TestHandleWebhook_InvalidSignature(t *testing.T) {
	server, dispatcher := setupTestServer(t, siteRules())
	payload := pushPayload("site", "refs/heads/main")

	testCases := []struct {
		name      string
		signature string
	}{
		{"wrong secret", Sign(payload, "wrong-secret-32-chars-long-xxxxxxx")},
		{"missing header", ""},
		{"missing prefix", Sign(payload, testSecret)[len(SignaturePrefix):]},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rr := serve(server, webhookRequest("/webhook", "push", payload, tc.signature))

			if rr.Code != http.StatusUnauthorized {
				t.Errorf("Expected status 401, got %d", rr.Code)
			}
			if rr.Body.String() != "Invalid signature" {
				t.Errorf("Expected 'Invalid signature', got %q", rr.Body.String())
			}
		})
	}

	if len(dispatcher.Jobs()) != 0 {
		t.Error("Unauthenticated requests must not start a deployment")
	}
}

func TestHandleWebhook_SignatureCheckedBeforeParsing(t *testing.T) {
	server, _ := setupTestServer(t, siteRules())

	// Malformed body with a bad signature is an auth failure, not a 500
	payload := []byte(`{"ref":`)
	rr := serve(server, webhookRequest("/webhook", "push", payload, Sign(payload, "wrong-secret-32-chars-long-xxxxxxx")))

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", rr.Code)
	}
}

func TestHandleWebhook_MalformedPush(t *testing.T) {
	server, dispatcher := setupTestServer(t, siteRules())

	testCases := []struct {
		name    string
		payload []byte
	}{
		{"invalid json", []byte(`{"ref":`)},
		{"missing repository", []byte(`{"ref":"refs/heads/main"}`)},
		{"missing ref", []byte(`{"repository":{"name":"site","clone_url":"https://github.com/acme/site.git"}}`)},
		{"missing clone url", []byte(`{"ref":"refs/heads/main","repository":{"name":"site"}}`)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rr := serve(server, webhookRequest("/webhook", "push", tc.payload, Sign(tc.payload, testSecret)))

			if rr.Code != http.StatusInternalServerError {
				t.Errorf("Expected status 500, got %d", rr.Code)
			}
		})
	}

	if len(dispatcher.Jobs()) != 0 {
		t.Error("Malformed payloads must not start a deployment")
	}
}

func TestHandleWebhook_PayloadTooLarge(t *testing.T) {
	server, _ := setupTestServer(t, siteRules())

	// Create payload larger than 1MB
	largePayload := make([]byte, DefaultMaxPayloadBytes+1)

	rr := serve(server, webhookRequest("/webhook", "push", largePayload, Sign(largePayload, testSecret)))

	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("Expected status 413, got %d", rr.Code)
	}
}

func TestHandleWebhook_WrongPathOrMethod(t *testing.T) {
	server, dispatcher := setupTestServer(t, siteRules())
	payload := pushPayload("site", "refs/heads/main")

	testCases := []struct {
		name      string
		method    string
		path      string
		signature string
	}{
		{"wrong path with valid signature", "POST", "/hooks", Sign(payload, testSecret)},
		{"wrong path without signature", "POST", "/in/site", ""},
		{"wrong method", "GET", "/webhook", ""},
		{"root", "GET", "/", ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := webhookRequest(tc.path, "push", payload, tc.signature)
			req.Method = tc.method

			rr := serve(server, req)

			if rr.Code != http.StatusNotFound {
				t.Errorf("Expected status 404, got %d", rr.Code)
			}
		})
	}

	if len(dispatcher.Jobs()) != 0 {
		t.Error("Unrouted requests must not start a deployment")
	}
}

func TestHandleWebhook_CustomPath(t *testing.T) {
	server, dispatcher := setupTestServer(t, siteRules())
	server.WebhookPath = "/hooks/github"

	payload := pushPayload("site", "refs/heads/main")

	if rr := serve(server, webhookRequest("/webhook", "push", payload, Sign(payload, testSecret))); rr.Code != http.StatusNotFound {
		t.Errorf("Default path should be 404 when a custom path is set, got %d", rr.Code)
	}
	if rr := serve(server, webhookRequest("/hooks/github", "push", payload, Sign(payload, testSecret))); rr.Code != http.StatusOK {
		t.Errorf("Expected status 200 on custom path, got %d", rr.Code)
	}
	if len(dispatcher.Jobs()) != 1 {
		t.Errorf("Expected one job, got %d", len(dispatcher.Jobs()))
	}
}

func TestHandleWebhook_RateLimit(t *testing.T) {
	server, _ := setupTestServer(t, siteRules())
	server.RateLimit = 2

	payload := []byte(`{"zen":"Practicality beats purity."}`)
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rr := serve(server, webhookRequest("/webhook", "ping", payload, Sign(payload, testSecret)))
		codes = append(codes, rr.Code)
	}

	if codes[0] != http.StatusOK || codes[1] != http.StatusOK {
		t.Errorf("First requests should pass, got %v", codes)
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Errorf("Expected 429 after the burst, got %d", codes[2])
	}
}

func TestHandleHealth(t *testing.T) {
	server, dispatcher := setupTestServer(t, siteRules())
	server.HealthPath = "/health"
	dispatcher.Submit(&deployment.Job{ID: "queued"})

	rr := serve(server, httptest.NewRequest("GET", "/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}

	var response map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}

	if response["status"] != "ok" {
		t.Errorf("Expected status 'ok', got %v", response["status"])
	}
	if response["rule_count"] != float64(1) {
		t.Errorf("Expected rule_count 1, got %v", response["rule_count"])
	}
	if response["in_flight"] != float64(1) {
		t.Errorf("Expected in_flight 1, got %v", response["in_flight"])
	}
	if fp, _ := response["rules_fingerprint"].(string); fp != server.Rules.Current().Fingerprint() {
		t.Errorf("Expected fingerprint %q, got %v", server.Rules.Current().Fingerprint(), response["rules_fingerprint"])
	}
}

func TestHandleHealth_DisabledByDefault(t *testing.T) {
	server, _ := setupTestServer(t, siteRules())

	rr := serve(server, httptest.NewRequest("GET", "/health", nil))

	if rr.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", rr.Code)
	}
}

// recordingDeployer captures deploy arguments for the end-to-end test.
type recordingDeployer struct {
	mu    sync.Mutex
	calls [][3]string
}

func (d *recordingDeployer) Deploy(ctx context.Context, path, target, appName string) (*cmdutil.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, [3]string{path, target, appName})
	return &cmdutil.Result{}, nil
}

type recordingSyncer struct {
	mu    sync.Mutex
	calls int
}

func (s *recordingSyncer) Clone(ctx context.Context, cloneURL, branch, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return os.MkdirAll(path, 0750)
}

func (s *recordingSyncer) Pull(ctx context.Context, path, branch string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return nil
}

func TestWebhook_EndToEnd(t *testing.T) {
	rulesFile := t.TempDir() + "/deployments.json"
	if err := os.WriteFile(rulesFile, []byte(`[{"repo":"site","branch":"main","target":"prod","app_name":"site"}]`), 0640); err != nil {
		t.Fatalf("Failed to write rules file: %v", err)
	}
	registry, err := rules.Open(rulesFile)
	if err != nil {
		t.Fatalf("rules.Open() error = %v", err)
	}

	syncer := &recordingSyncer{}
	deployer := &recordingDeployer{}
	executor := &deployment.Executor{
		ReposDir: t.TempDir(),
		Syncer:   syncer,
		Deployer: deployer,
		Logger:   testLogger(),
	}
	dispatcher := deployment.NewDispatcher(executor, 1, testLogger())
	server := NewServer(registry, dispatcher, testSecret, testLogger())

	payload := pushPayload("site", "refs/heads/main")
	rr := serve(server, webhookRequest("/webhook", "push", payload, Sign(payload, testSecret)))

	if rr.Code != http.StatusOK || rr.Body.String() != "OK" {
		t.Fatalf("Expected 200 OK, got %d %q", rr.Code, rr.Body.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	if syncer.calls != 1 {
		t.Errorf("Expected exactly one sync, got %d", syncer.calls)
	}
	want := [3]string{executor.WorkingCopy("site"), "prod", "site"}
	if len(deployer.calls) != 1 || deployer.calls[0] != want {
		t.Errorf("Expected one deploy %v, got %v", want, deployer.calls)
	}
}
