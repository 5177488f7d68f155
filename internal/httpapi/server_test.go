package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Codeman-lex/intellimail/internal/analysis"
	"github.com/Codeman-lex/intellimail/internal/intellimail"
	"github.com/Codeman-lex/intellimail/internal/mailbox"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap/zaptest"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const testSecret = "test-secret"

type testEnv struct {
	pipeline *intellimail.Pipeline
	static   *mailbox.Static
	server   *Server
}

func newTestEnv(t *testing.T, cfg ServerConfig) *testEnv {
	t.Helper()
	static := mailbox.NewStatic(10)
	p, err := intellimail.NewPipeline(intellimail.PipelineOptions{
		Backend:          intellimail.NewInMemoryStateBackend(),
		Queue:            intellimail.NewInMemoryTaskQueue(16),
		Mailbox:          static,
		Capability:       analysis.NewHeuristicCapability(nil),
		Aggregator:       intellimail.AggregatorOptions{BucketWidth: time.Hour},
		Profile:          "memory",
		Logger:           zaptest.NewLogger(t),
		DisableWorkers:   true,
		DisableScheduler: true,
	})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	cfg.JWTSecret = testSecret
	cfg.Logger = zaptest.NewLogger(t)
	return &testEnv{pipeline: p, static: static, server: NewServer(p, cfg)}
}

// seed stores a complete result for owner and folds it into aggregates.
func (e *testEnv) seed(t *testing.T, owner, id string, sentiment intellimail.Sentiment, importance float64, categories ...string) {
	t.Helper()
	ctx := context.Background()
	msg := intellimail.Message{ID: id, OwnerID: owner, ContentHash: "hash_" + id}
	result := intellimail.NewAnalysisResult(msg, "heuristic", intellimail.DefaultStages)
	for _, stage := range intellimail.DefaultStages {
		result.Stages[stage] = intellimail.StageDone
	}
	result.Sentiment = sentiment
	result.ImportanceScore = importance
	result.Categories = categories
	result.Summary = "summary of " + id
	result.ComputedAt = time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC)
	stored, err := e.pipeline.Backend().UpsertResult(ctx, result, 0)
	if err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
	if _, err := e.pipeline.Aggregator().Apply(ctx, stored); err != nil {
		t.Fatalf("apply %s: %v", id, err)
	}
}

func token(t *testing.T, owner string, scopes ...string) string {
	t.Helper()
	raw, err := IssueToken(testSecret, "", "user_"+owner, owner, scopes, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return raw
}

func doRequest(t *testing.T, h http.Handler, method, path, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestHealthAndDashboard(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	rec := doRequest(t, env.server, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	rec = doRequest(t, env.server, http.MethodGet, "/dashboard", "")
	if rec.Code != http.StatusOK || !strings.HasPrefix(rec.Header().Get("Content-Type"), "text/html") {
		t.Fatalf("expected html dashboard, got %d %q", rec.Code, rec.Header().Get("Content-Type"))
	}
	if !strings.Contains(rec.Body.String(), "/aggregates") {
		t.Fatalf("expected dashboard to read aggregates")
	}
}

func TestAuthRejectsMissingAndForeignTokens(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})

	rec := doRequest(t, env.server, http.MethodGet, "/v1/owners/alice/results", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	rec = doRequest(t, env.server, http.MethodGet, "/v1/owners/alice/results", token(t, "bob", ScopeAnalyticsRead))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for another owner's token, got %d", rec.Code)
	}

	rec = doRequest(t, env.server, http.MethodGet, "/v1/owners/alice/results", token(t, "ops", ScopeAdmin))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected admin to read any owner, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, env.server, http.MethodGet, "/v1/owners/alice/results", token(t, "alice", "mail:send"))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without analytics scope, got %d", rec.Code)
	}
}

func TestAuthRejectsBadTokens(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		OwnerID: "alice",
		Scopes:  Scopes{ScopeAnalyticsRead: {}},
		RegisteredClaims: jwt.RegisteredClaims{
			Audience:  jwt.ClaimStrings{defaultAudience},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	})
	raw, err := expired.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	wrongKey, err := IssueToken("other-secret", "", "u", "alice", []string{ScopeAnalyticsRead}, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	cases := []struct {
		name    string
		bearer  string
		message string
	}{
		{name: "expired", bearer: raw, message: "token expired"},
		{name: "signature", bearer: wrongKey, message: "jwt signature mismatch"},
		{name: "malformed", bearer: "not-a-jwt", message: "invalid jwt format"},
	}
	for _, tc := range cases {
		rec := doRequest(t, env.server, http.MethodGet, "/v1/owners/alice/results", tc.bearer)
		var body map[string]string
		decode(t, rec, &body)
		if rec.Code != http.StatusUnauthorized || body["message"] != tc.message {
			t.Fatalf("%s: expected 401 %q, got %d %q", tc.name, tc.message, rec.Code, body["message"])
		}
	}
}

func TestScopesAcceptStringOrArray(t *testing.T) {
	var fromString, fromArray Scopes
	if err := json.Unmarshal([]byte(`"analytics:read admin"`), &fromString); err != nil {
		t.Fatalf("string form: %v", err)
	}
	if err := json.Unmarshal([]byte(`["analytics:read"," "]`), &fromArray); err != nil {
		t.Fatalf("array form: %v", err)
	}
	if !fromString.Has(ScopeAdmin) || len(fromString) != 2 || len(fromArray) != 1 {
		t.Fatalf("unexpected scopes %v / %v", fromString, fromArray)
	}
	if err := json.Unmarshal([]byte(`42`), &fromArray); err == nil {
		t.Fatalf("expected error for numeric scopes")
	}
}

func TestAggregatesAndCategories(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	env.seed(t, "alice", "m1", intellimail.SentimentPositive, 0.9, "Finance", "Meeting")
	env.seed(t, "alice", "m2", intellimail.SentimentNegative, 0.2, "Finance")
	env.seed(t, "bob", "m3", intellimail.SentimentNeutral, 0.1, "Travel")
	bearer := token(t, "alice", ScopeAnalyticsRead)

	rec := doRequest(t, env.server, http.MethodGet, "/v1/owners/alice/aggregates?granularity=day&from=2026-03-01&to=2026-03-05", bearer)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var agg struct {
		Granularity string                        `json:"granularity"`
		Buckets     []intellimail.AggregateBucket `json:"buckets"`
	}
	decode(t, rec, &agg)
	if agg.Granularity != "day" || len(agg.Buckets) != 1 {
		t.Fatalf("expected one daily bucket, got %+v", agg)
	}
	bucket := agg.Buckets[0]
	if bucket.Total != 2 || bucket.HighPriorityCount != 1 || bucket.SentimentCounts["negative"] != 1 {
		t.Fatalf("unexpected bucket %+v", bucket)
	}

	rec = doRequest(t, env.server, http.MethodGet, "/v1/owners/alice/categories", bearer)
	var cats struct {
		Categories []categoryCount `json:"categories"`
	}
	decode(t, rec, &cats)
	if len(cats.Categories) != 2 || cats.Categories[0].Name != "Finance" || cats.Categories[0].Count != 2 {
		t.Fatalf("expected Finance first with 2, got %+v", cats.Categories)
	}
}

func TestAggregatesRejectBadParameters(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	bearer := token(t, "alice", ScopeAnalyticsRead)
	paths := []string{
		"/v1/owners/alice/aggregates?granularity=fortnight",
		"/v1/owners/alice/aggregates?from=yesterday",
		"/v1/owners/alice/aggregates?from=2026-03-05&to=2026-03-01",
		"/v1/owners/alice/results?limit=0",
		"/v1/owners/alice/results?sentiment=angry",
	}
	for _, path := range paths {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("Authorization", "Bearer "+bearer)
		req.Header.Set(correlationHeader, "corr_42")
		rec := httptest.NewRecorder()
		env.server.ServeHTTP(rec, req)
		var body map[string]string
		decode(t, rec, &body)
		if rec.Code != http.StatusBadRequest || body["code"] != "bad_request" {
			t.Fatalf("%s: expected 400 bad_request, got %d %v", path, rec.Code, body)
		}
		if body["correlationId"] != "corr_42" || rec.Header().Get(correlationHeader) != "corr_42" {
			t.Fatalf("%s: expected correlation id echoed, got %v", path, body)
		}
	}
}

func TestResultsFilterAndMessageLookup(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	env.seed(t, "alice", "m1", intellimail.SentimentPositive, 0.9, "Finance")
	env.seed(t, "alice", "m2", intellimail.SentimentNegative, 0.2, "Travel")
	env.seed(t, "bob", "m3", intellimail.SentimentNegative, 0.1)
	bearer := token(t, "alice", ScopeAnalyticsRead)

	rec := doRequest(t, env.server, http.MethodGet, "/v1/owners/alice/results?sentiment=negative&limit=9999", bearer)
	var page struct {
		Items []intellimail.AnalysisResult `json:"items"`
		Limit int                          `json:"limit"`
	}
	decode(t, rec, &page)
	if len(page.Items) != 1 || page.Items[0].MessageID != "m2" || page.Limit != maxResultLimit {
		t.Fatalf("expected only alice's negative result with clamped limit, got %+v", page)
	}

	rec = doRequest(t, env.server, http.MethodGet, "/v1/owners/alice/messages/m1/result", bearer)
	var result intellimail.AnalysisResult
	decode(t, rec, &result)
	if rec.Code != http.StatusOK || result.Summary != "summary of m1" {
		t.Fatalf("expected m1 result, got %d %+v", rec.Code, result)
	}

	rec = doRequest(t, env.server, http.MethodGet, "/v1/owners/alice/messages/m3/result", bearer)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected another owner's message to be hidden, got %d", rec.Code)
	}
}

func TestAdminEndpoints(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	admin := token(t, "ops", ScopeAdmin)

	rec := doRequest(t, env.server, http.MethodGet, "/v1/admin/status", token(t, "alice", ScopeAnalyticsRead))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected status to require admin, got %d", rec.Code)
	}
	rec = doRequest(t, env.server, http.MethodGet, "/v1/admin/status", admin)
	var status intellimail.PipelineStatus
	decode(t, rec, &status)
	if rec.Code != http.StatusOK || status.Profile != "memory" || status.Queue.Capacity != 16 {
		t.Fatalf("unexpected status %d %+v", rec.Code, status)
	}

	if err := env.static.Add(mailbox.StaticMessage{OwnerID: "alice", ID: "s1", Subject: "Hello", Body: "Lunch tomorrow?"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	rec = doRequest(t, env.server, http.MethodPost, "/v1/admin/owners/alice/sweep", admin)
	var report intellimail.SweepReport
	decode(t, rec, &report)
	if rec.Code != http.StatusAccepted || report.Enqueued != 1 {
		t.Fatalf("expected one enqueued message, got %d %+v", rec.Code, report)
	}

	env.seed(t, "alice", "m1", intellimail.SentimentPositive, 0.5)
	rec = doRequest(t, env.server, http.MethodPost, "/v1/admin/owners/alice/recompute", admin)
	var recomputed struct {
		Results int `json:"results"`
	}
	decode(t, rec, &recomputed)
	if rec.Code != http.StatusOK || recomputed.Results != 1 {
		t.Fatalf("expected one recomputed result, got %d %+v", rec.Code, recomputed)
	}
}

func TestAdminTaskAndReplay(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	admin := token(t, "ops", ScopeAdmin)
	ctx := context.Background()
	task := intellimail.NewTask(intellimail.Message{ID: "m1", OwnerID: "alice", ContentHash: "h1"}, intellimail.StageSummarize)
	if _, err := env.pipeline.Queue().Enqueue(ctx, task); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	rec := doRequest(t, env.server, http.MethodGet, "/v1/admin/tasks/"+task.ID, admin)
	var got intellimail.Task
	decode(t, rec, &got)
	if rec.Code != http.StatusOK || got.MessageID != "m1" {
		t.Fatalf("expected task lookup, got %d %+v", rec.Code, got)
	}

	rec = doRequest(t, env.server, http.MethodPost, "/v1/admin/tasks/"+task.ID+"/replay", admin)
	var body map[string]string
	decode(t, rec, &body)
	if rec.Code != http.StatusConflict || body["code"] != "not_replayable" {
		t.Fatalf("expected pending task to be not replayable, got %d %v", rec.Code, body)
	}

	rec = doRequest(t, env.server, http.MethodGet, "/v1/admin/tasks/missing", admin)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing task, got %d", rec.Code)
	}
}

func TestRateLimitPerToken(t *testing.T) {
	env := newTestEnv(t, ServerConfig{RateLimit: intellimail.RateLimitOptions{RequestsPerMinute: 2, Burst: 1}})
	alice := token(t, "alice", ScopeAnalyticsRead)

	if rec := doRequest(t, env.server, http.MethodGet, "/v1/owners/alice/results", alice); rec.Code != http.StatusOK {
		t.Fatalf("expected first request allowed, got %d", rec.Code)
	}
	rec := doRequest(t, env.server, http.MethodGet, "/v1/owners/alice/results", alice)
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") != "30" {
		t.Fatalf("expected 429 with Retry-After 30, got %d %q", rec.Code, rec.Header().Get("Retry-After"))
	}
	if rec := doRequest(t, env.server, http.MethodGet, "/v1/owners/bob/results", token(t, "bob", ScopeAnalyticsRead)); rec.Code != http.StatusOK {
		t.Fatalf("expected other tokens unaffected, got %d", rec.Code)
	}
}

func TestUnknownRouteReturnsJSON(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	rec := doRequest(t, env.server, http.MethodGet, "/v2/nothing", "")
	var body map[string]string
	decode(t, rec, &body)
	if rec.Code != http.StatusNotFound || body["code"] != "not_found" || body["correlationId"] == "" {
		t.Fatalf("unexpected 404 body %d %v", rec.Code, body)
	}
}

func TestFeedStreamsOwnerEvents(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	srv := httptest.NewServer(env.server)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/owners/alice/feed?access_token=" + token(t, "alice", ScopeAnalyticsRead)
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	hub := env.pipeline.Events()
	for hub.Subscribers("alice") == 0 {
		select {
		case <-ctx.Done():
			t.Fatalf("expected feed subscription")
		case <-time.After(10 * time.Millisecond):
		}
	}
	hub.Publish(intellimail.CompletionEvent{OwnerID: "bob", MessageID: "other"})
	hub.Publish(intellimail.CompletionEvent{OwnerID: "alice", MessageID: "m1", HighPriority: true})

	var event intellimail.CompletionEvent
	if err := wsjson.Read(ctx, conn, &event); err != nil {
		t.Fatalf("read: %v", err)
	}
	if event.MessageID != "m1" || !event.HighPriority {
		t.Fatalf("expected alice's event, got %+v", event)
	}
	conn.Close(websocket.StatusNormalClosure, "")
}
