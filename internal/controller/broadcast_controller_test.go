package controller_test

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/unclebandit/broadcast-pipeline/internal/broadcastlog"
	"github.com/unclebandit/broadcast-pipeline/internal/clock"
	"github.com/unclebandit/broadcast-pipeline/internal/controller"
	"github.com/unclebandit/broadcast-pipeline/internal/middleware"
	"github.com/unclebandit/broadcast-pipeline/internal/model"
	"github.com/unclebandit/broadcast-pipeline/internal/ratelimit"
	"github.com/unclebandit/broadcast-pipeline/internal/repository/memory"
	"github.com/unclebandit/broadcast-pipeline/internal/service"
	"github.com/unclebandit/broadcast-pipeline/internal/webhook"
)

type testServer struct {
	store  *memory.Store
	clock  *clock.FakeClock
	router http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := memory.New()
	store.AddProject(&model.Project{ID: "p1", UserID: "owner", PhoneNumberIDs: []string{"pn-1"}})
	store.AddTemplate(&model.Template{ID: "t1", ProjectID: "p1", Name: "promo", Status: model.TemplateApproved})
	fc := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))

	svc := &service.BroadcastService{
		Broadcasts: store.Broadcasts,
		Contacts:   store.Contacts,
		Projects:   store.Projects,
		Templates:  store.Templates,
		Logs:       store.Logs,
		Audit:      broadcastlog.NewWriter(store.Logs, fc, zap.NewNop()),
		Clock:      fc,
	}
	bc := &controller.BroadcastController{
		BroadcastService: svc,
		Limiter:          ratelimit.NewMemoryLimiter(fc),
		Limit:            5,
		Window:           time.Minute,
		Log:              zap.NewNop(),
	}
	wc := &controller.WebhookController{
		Receiver:    &webhook.Receiver{Events: store.WebhookEvents, Projects: store.Projects, Clock: fc},
		VerifyToken: "verify-me",
	}

	r := chi.NewRouter()
	r.Get("/webhooks/meta", wc.Verify)
	r.Post("/webhooks/meta", wc.Receive)
	r.Group(func(r chi.Router) {
		r.Use(middleware.UserHeader)
		r.Post("/v1/broadcasts", bc.CreateBroadcast)
		r.Get("/projects/{projectID}/broadcasts", bc.ListBroadcasts)
		r.Post("/projects/{projectID}/broadcasts/csv", bc.UploadCSV)
		r.Get("/broadcasts/{id}", bc.GetBroadcastDetails)
		r.Get("/broadcasts/{id}/attempts", bc.ListAttempts)
		r.Get("/broadcasts/{id}/logs", bc.ListLogs)
		r.Post("/broadcasts/{id}/stop", bc.StopBroadcast)
		r.Post("/broadcasts/{id}/requeue", bc.RequeueBroadcast)
	})
	return &testServer{store: store, clock: fc, router: r}
}

func (s *testServer) do(t *testing.T, method, path, user string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var out map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec, out
}

func validBody() map[string]any {
	return map[string]any{
		"projectId":     "p1",
		"phoneNumberId": "pn-1",
		"templateId":    "t1",
		"contacts": []map[string]any{
			{"phone": "+1111"},
			{"phone": ""},
			{"phone": "+2222", "variables": map[string]string{"name": "Bo"}},
		},
	}
}

func TestCreateBroadcastEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec, out := s.do(t, http.MethodPost, "/v1/broadcasts", "owner", validBody())

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, out["success"])
	assert.Equal(t, "Broadcast queued with 2 contacts.", out["message"])
	id, _ := out["broadcastId"].(string)
	require.NotEmpty(t, id)
	assert.Len(t, s.store.ContactsOf(id), 2)
}

func TestCreateBroadcastEndpointRejectsBadInput(t *testing.T) {
	s := newTestServer(t)

	rec, out := s.do(t, http.MethodPost, "/v1/broadcasts", "owner", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid JSON body.", out["error"])

	rec, out = s.do(t, http.MethodPost, "/v1/broadcasts", "owner", map[string]any{"contacts": []any{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "missing required fields: projectId, phoneNumberId, templateId", out["error"])

	body := validBody()
	body["contacts"] = []any{}
	rec, out = s.do(t, http.MethodPost, "/v1/broadcasts", "owner", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, out["error"], "contacts")

	body = validBody()
	body["contacts"] = []map[string]any{{"phone": "n/a"}}
	rec, out = s.do(t, http.MethodPost, "/v1/broadcasts", "owner", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "no valid contacts", out["error"])

	rec, _ = s.do(t, http.MethodPost, "/v1/broadcasts", "intruder", validBody())
	assert.Equal(t, http.StatusForbidden, rec.Code)

	body = validBody()
	body["templateId"] = "missing"
	rec, _ = s.do(t, http.MethodPost, "/v1/broadcasts", "owner", body)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = s.do(t, http.MethodPost, "/v1/broadcasts", "", validBody())
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateBroadcastEndpointRateLimit(t *testing.T) {
	s := newTestServer(t)

	for i := 0; i < 5; i++ {
		rec, _ := s.do(t, http.MethodPost, "/v1/broadcasts", "owner", validBody())
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i+1)
	}
	rec, out := s.do(t, http.MethodPost, "/v1/broadcasts", "owner", validBody())
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "Rate limit exceeded. Please try again later.", out["error"])
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, 5, s.store.BroadcastCount())

	// another principal has its own window
	rec, _ = s.do(t, http.MethodPost, "/v1/broadcasts", "intruder", validBody())
	assert.Equal(t, http.StatusForbidden, rec.Code)

	s.clock.Advance(61 * time.Second)
	rec, _ = s.do(t, http.MethodPost, "/v1/broadcasts", "owner", validBody())
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUploadCSV(t *testing.T) {
	s := newTestServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("templateId", "t1"))
	require.NoError(t, mw.WriteField("phoneNumberId", "pn-1"))
	fw, err := mw.CreateFormFile("file", "contacts.csv")
	require.NoError(t, err)
	_, _ = fw.Write([]byte("phone,name\n+1 555 0100,Ann\nnope,Bad\n"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/projects/p1/broadcasts/csv", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-User-ID", "owner")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "Broadcast queued with 1 contacts.", out["message"])
	assert.EqualValues(t, 1, out["skipped"])

	contacts := s.store.ContactsOf(out["broadcastId"].(string))
	require.Len(t, contacts, 1)
	assert.Equal(t, "+15550100", contacts[0].Phone)
	assert.Equal(t, map[string]string{"name": "Ann"}, contacts[0].Variables)
}

func TestBroadcastLifecycleEndpoints(t *testing.T) {
	s := newTestServer(t)
	_, out := s.do(t, http.MethodPost, "/v1/broadcasts", "owner", validBody())
	id := out["broadcastId"].(string)

	rec, out := s.do(t, http.MethodGet, "/broadcasts/"+id, "owner", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.BroadcastQueued, out["status"])
	stats := out["stats"].(map[string]any)
	assert.EqualValues(t, 2, stats["total"])
	assert.EqualValues(t, 2, stats[model.ContactPending])
	assert.NotContains(t, out, "accessToken")

	rec, out = s.do(t, http.MethodGet, "/broadcasts/"+id+"/attempts?status=pending&page_size=1", "owner", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, out["data"], 1)
	assert.EqualValues(t, 2, out["pagination"].(map[string]any)["total_count"])

	rec, out = s.do(t, http.MethodGet, "/broadcasts/"+id+"/logs", "owner", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, out["data"])

	rec, out = s.do(t, http.MethodGet, "/projects/p1/broadcasts", "owner", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, out["data"], 1)

	rec, _ = s.do(t, http.MethodPost, "/broadcasts/"+id+"/requeue", "owner", map[string]string{"scope": "FAILED"})
	assert.Equal(t, http.StatusConflict, rec.Code, "cannot requeue an active broadcast")

	rec, out = s.do(t, http.MethodPost, "/broadcasts/"+id+"/stop", "owner", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.BroadcastCancelled, out["status"])

	rec, _ = s.do(t, http.MethodPost, "/broadcasts/"+id+"/stop", "owner", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, out = s.do(t, http.MethodPost, "/broadcasts/"+id+"/requeue", "owner", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Broadcast requeued with 2 contacts.", out["message"])

	rec, _ = s.do(t, http.MethodGet, "/broadcasts/does-not-exist", "owner", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = s.do(t, http.MethodGet, "/broadcasts/"+id, "intruder", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestWebhookEndpoints(t *testing.T) {
	s := newTestServer(t)

	rec, _ := s.do(t, http.MethodGet, "/webhooks/meta?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=42", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "42", rec.Body.String())

	rec, _ = s.do(t, http.MethodGet, "/webhooks/meta?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=42", "", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	payload := `{"object":"whatsapp_business_account","entry":[{"id":"w","changes":[{"field":"messages","value":{"metadata":{"phone_number_id":"pn-1"},"statuses":[]}}]}]}`
	rec, out := s.do(t, http.MethodPost, "/webhooks/meta", "", payload)
	require.Equal(t, http.StatusOK, rec.Code)
	ev, ok := s.store.WebhookEvent(out["id"].(string))
	require.True(t, ok)
	require.NotNil(t, ev.ProjectID)
	assert.Equal(t, "p1", *ev.ProjectID)
	assert.False(t, ev.Processed)

	rec, _ = s.do(t, http.MethodPost, "/webhooks/meta", "", strings.Repeat("x", 10))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
