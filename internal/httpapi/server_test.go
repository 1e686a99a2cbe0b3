package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"relaybot/internal/apperr"
	"relaybot/internal/conversation"
	"relaybot/internal/dispatch"
	"relaybot/internal/metrics"
	"relaybot/internal/pubsub"
	"relaybot/internal/router"
	"relaybot/internal/scheduler"
	"relaybot/internal/settings"
	"relaybot/internal/storage"
	"relaybot/internal/transport/transporttest"
	logx "relaybot/pkg/logx"
)

type fixture struct {
	srv  *httptest.Server
	fake *transporttest.Adapter
	conv *conversation.Manager
}

func newFixture(t *testing.T, token string) *fixture {
	t.Helper()
	db, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "relaybot.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	fake := transporttest.New()
	m := metrics.New()
	st := settings.New(settings.NewSQLiteStore(db), settings.Defaults{}, nil, logx.Nop())
	sender := dispatch.New(dispatch.Config{SendTimeout: time.Second}, fake, nil, nil, m, logx.Nop())
	conv := conversation.New(conversation.Config{}, conversation.NewSQLiteStore(db), logx.Nop())
	rt, err := router.New(router.Config{}, conv, logx.Nop(), router.WithAudit(router.NewSQLiteAudit(db)))
	if err != nil {
		t.Fatal(err)
	}

	deps := Deps{
		Jobs:          scheduler.New(scheduler.Config{Location: time.UTC}, scheduler.NewSQLiteStore(db), nil, sender, logx.Nop()),
		Topics:        pubsub.New(pubsub.Config{}, pubsub.NewSQLiteStore(db), sender, st, logx.Nop()),
		Settings:      st,
		Conversations: conv,
		Router:        rt,
		Transport:     fake,
		DB:            db,
		Metrics:       m,
	}
	srv := httptest.NewServer(New(Config{Token: token}, deps, logx.Nop()).Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, fake: fake, conv: conv}
}

func (f *fixture) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func TestJobsLifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")

	var job scheduler.Job
	code := f.do(t, http.MethodPost, "/api/jobs", map[string]any{
		"recipient": "62 811 0001", "message": "standup", "schedule": "0 9 * * 1-5",
	}, &job)
	if code != http.StatusCreated || job.ID == "" || job.Recipient != "+628110001" {
		t.Fatalf("create = %d %+v", code, job)
	}
	if code := f.do(t, http.MethodPost, "/api/jobs", map[string]any{"recipient": "+1", "message": "x", "schedule": "bogus"}, nil); code != http.StatusBadRequest {
		t.Fatalf("invalid schedule = %d", code)
	}
	if code := f.do(t, http.MethodPost, "/api/jobs", map[string]any{"unknown": 1}, nil); code != http.StatusBadRequest {
		t.Fatalf("unknown field = %d", code)
	}

	var got scheduler.Job
	if code := f.do(t, http.MethodPatch, "/api/jobs/"+job.ID, map[string]any{"message": "standup now"}, &got); code != http.StatusOK || got.Message != "standup now" {
		t.Fatalf("patch = %d %+v", code, got)
	}
	if code := f.do(t, http.MethodPost, "/api/jobs/"+job.ID+"/toggle", nil, &got); code != http.StatusOK || got.Active {
		t.Fatalf("toggle = %d active=%v", code, got.Active)
	}
	var list []scheduler.Job
	if code := f.do(t, http.MethodGet, "/api/jobs?active=false", nil, &list); code != http.StatusOK || len(list) != 1 {
		t.Fatalf("list = %d %d", code, len(list))
	}
	if code := f.do(t, http.MethodGet, "/api/jobs?active=maybe", nil, nil); code != http.StatusBadRequest {
		t.Fatalf("bad filter = %d", code)
	}
	if code := f.do(t, http.MethodDelete, "/api/jobs/"+job.ID, nil, nil); code != http.StatusNoContent {
		t.Fatalf("delete = %d", code)
	}
	if code := f.do(t, http.MethodGet, "/api/jobs/"+job.ID, nil, nil); code != http.StatusNotFound {
		t.Fatalf("get deleted = %d", code)
	}
	if code := f.do(t, http.MethodDelete, "/api/jobs/"+job.ID, nil, nil); code != http.StatusNotFound {
		t.Fatalf("delete twice = %d", code)
	}
}

func TestTopicsAndPublish(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")

	var topic pubsub.Topic
	if code := f.do(t, http.MethodPost, "/api/topics", map[string]string{"name": "promo"}, &topic); code != http.StatusCreated {
		t.Fatalf("create topic = %d", code)
	}
	base := "/api/topics/" + topic.ID
	if code := f.do(t, http.MethodPost, base+"/subscribers", map[string]string{"identity": "+1555"}, nil); code != http.StatusCreated {
		t.Fatalf("subscribe = %d", code)
	}
	if code := f.do(t, http.MethodPost, base+"/subscribers", map[string]string{"identity": "1555"}, nil); code != http.StatusOK {
		t.Fatalf("resubscribe = %d", code)
	}
	_ = f.do(t, http.MethodPost, base+"/subscribers", map[string]string{"identity": "team@g.us"}, nil)

	var sum pubsub.Summary
	if code := f.do(t, http.MethodPost, base+"/publish", map[string]string{"message": "sale"}, &sum); code != http.StatusOK {
		t.Fatalf("publish = %d", code)
	}
	if sum.Total != 2 || sum.Succeeded != 2 || len(f.fake.Sent()) != 2 {
		t.Fatalf("summary = %+v sent=%d", sum, len(f.fake.Sent()))
	}

	var accepted map[string]string
	if code := f.do(t, http.MethodPost, base+"/publish", map[string]any{"message": "later", "async": true}, &accepted); code != http.StatusAccepted || accepted["job_id"] == "" {
		t.Fatalf("async publish = %d %v", code, accepted)
	}
	var st pubsub.JobStatus
	if code := f.do(t, http.MethodGet, "/api/publish/"+accepted["job_id"], nil, &st); code != http.StatusOK || st.TopicID != topic.ID {
		t.Fatalf("status = %d %+v", code, st)
	}

	var topics []pubsub.Topic
	if code := f.do(t, http.MethodGet, "/api/subscriptions/+1555", nil, &topics); code != http.StatusOK || len(topics) != 1 {
		t.Fatalf("subscription status = %d %v", code, topics)
	}

	f.fake.SetConnected(false)
	if code := f.do(t, http.MethodPost, base+"/publish", map[string]string{"message": "x"}, nil); code != http.StatusServiceUnavailable {
		t.Fatalf("publish while disconnected = %d", code)
	}
	if code := f.do(t, http.MethodPost, "/api/topics/missing/publish", map[string]string{"message": "x"}, nil); code != http.StatusNotFound {
		t.Fatalf("publish unknown topic = %d", code)
	}
	if code := f.do(t, http.MethodDelete, base+"/subscribers/+1555", nil, nil); code != http.StatusOK {
		t.Fatalf("unsubscribe = %d", code)
	}
}

func TestSettings(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")

	var kv map[string]string
	if code := f.do(t, http.MethodPut, "/api/settings/messageDelaySeconds", map[string]string{"value": "1.50"}, &kv); code != http.StatusOK || kv["value"] != "1.5" {
		t.Fatalf("set = %d %v", code, kv)
	}
	if code := f.do(t, http.MethodPut, "/api/settings/color", map[string]string{"value": "blue"}, nil); code != http.StatusBadRequest {
		t.Fatalf("unknown key = %d", code)
	}
	var bs pubsub.BroadcastSettings
	if code := f.do(t, http.MethodGet, "/api/settings/broadcast", nil, &bs); code != http.StatusOK || bs.MessageDelaySeconds != 1.5 {
		t.Fatalf("broadcast settings = %d %+v", code, bs)
	}
	if code := f.do(t, http.MethodPut, "/api/settings/broadcast", map[string]float64{"messageDelaySeconds": -1}, nil); code != http.StatusBadRequest {
		t.Fatalf("negative delay = %d", code)
	}
}

func TestConversations(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	ctx := context.Background()

	c, err := f.conv.Create(ctx, "+1555", "bot", nil)
	if err != nil {
		t.Fatal(err)
	}
	for i, sender := range []string{"+1555", "bot", "+1555"} {
		if _, err := f.conv.Update(ctx, c.ID, conversation.Message{Sender: sender, Text: fmt.Sprintf("m%d", i)}); err != nil {
			t.Fatal(err)
		}
	}

	var hist []conversation.Message
	if code := f.do(t, http.MethodGet, "/api/conversations/"+c.ID+"/history?limit=2&offset=1", nil, &hist); code != http.StatusOK || len(hist) != 2 || hist[0].Text != "m1" {
		t.Fatalf("history = %d %+v", code, hist)
	}
	var tagged conversation.Conversation
	if code := f.do(t, http.MethodPost, "/api/conversations/"+c.ID+"/tags", map[string][]string{"tags": {"vip"}}, &tagged); code != http.StatusOK || !tagged.HasTag("vip") {
		t.Fatalf("tag = %d %+v", code, tagged)
	}
	var list []conversation.Conversation
	if code := f.do(t, http.MethodGet, "/api/conversations?tag=vip", nil, &list); code != http.StatusOK || len(list) != 1 {
		t.Fatalf("list = %d %d", code, len(list))
	}
	var stats map[string]any
	if code := f.do(t, http.MethodGet, "/api/conversations/"+c.ID+"/stats", nil, &stats); code != http.StatusOK || stats["turns"].(float64) != 3 {
		t.Fatalf("stats = %d %v", code, stats)
	}
	var closed map[string]bool
	if code := f.do(t, http.MethodPost, "/api/conversations/"+c.ID+"/close", nil, &closed); code != http.StatusOK || !closed["closed"] {
		t.Fatalf("close = %d %v", code, closed)
	}
	if code := f.do(t, http.MethodGet, "/api/conversations/missing/history", nil, nil); code != http.StatusNotFound {
		t.Fatalf("missing history = %d", code)
	}
}

func TestAuthHealthAndMetrics(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "s3cret")

	if code := f.do(t, http.MethodGet, "/api/jobs", nil, nil); code != http.StatusUnauthorized {
		t.Fatalf("no token = %d", code)
	}
	req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/api/routing/rules", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	var rules []router.RuleInfo
	_ = json.NewDecoder(resp.Body).Decode(&rules)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || len(rules) != 3 {
		t.Fatalf("rules = %d %+v", resp.StatusCode, rules)
	}

	var health struct {
		Status string         `json:"status"`
		Checks map[string]any `json:"checks"`
	}
	if code := f.do(t, http.MethodGet, "/health", nil, &health); code != http.StatusOK || health.Status != "ok" || health.Checks["transport_connected"] != true {
		t.Fatalf("health = %d %+v", code, health)
	}

	resp, err = http.Get(f.srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "go_goroutines") {
		t.Fatalf("metrics = %d", resp.StatusCode)
	}
}

func TestPprofMount(t *testing.T) {
	t.Parallel()
	for _, enabled := range []bool{false, true} {
		srv := httptest.NewServer(New(Config{Token: "tok", Pprof: enabled}, Deps{}, logx.Nop()).Handler())
		req, _ := http.NewRequest(http.MethodGet, srv.URL+"/debug/pprof/", nil)
		req.Header.Set("Authorization", "Bearer tok")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			srv.Close()
			t.Fatal(err)
		}
		resp.Body.Close()
		srv.Close()
		want := http.StatusNotFound
		if enabled {
			want = http.StatusOK
		}
		if resp.StatusCode != want {
			t.Fatalf("pprof=%v status = %d, want %d", enabled, resp.StatusCode, want)
		}
	}
}

func TestStatusFor(t *testing.T) {
	t.Parallel()
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", apperr.ErrValidation), http.StatusBadRequest},
		{pubsub.ErrTopicNotFound, http.StatusNotFound},
		{apperr.ErrTransportUnavailable, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := StatusFor(tc.err); got != tc.want {
			t.Fatalf("StatusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
