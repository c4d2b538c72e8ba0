package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"

	"wamator/internal/auth"
	"wamator/internal/logging"
	"wamator/internal/middleware"
	"wamator/internal/model"
	"wamator/internal/session"
	"wamator/internal/store"
	"wamator/internal/store/storetest"
)

type published struct {
	id   string
	body []byte
}

type fakePublisher struct {
	mu     sync.Mutex
	msgs   []published
	failOn map[string]bool
}

func (p *fakePublisher) Publish(_ context.Context, id string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var job model.Job
	_ = json.Unmarshal(body, &job)
	if p.failOn[job.Number] {
		return errors.New("channel closed")
	}
	p.msgs = append(p.msgs, published{id: id, body: body})
	return nil
}

type fakeSessions struct {
	err    error
	calls  int
	listed []session.Info
}

func (f *fakeSessions) Connect(_ context.Context, _, _ int64, address string) (session.Ack, error) {
	f.calls++
	if f.err != nil {
		return session.Ack{}, f.err
	}
	return session.Ack{Status: "processing", Message: "Generating QR code...", SessionID: "1-2-" + address}, nil
}

func (f *fakeSessions) Logout(context.Context, int64, int64, string) error { return f.err }

func (f *fakeSessions) List(int64) []session.Info { return f.listed }

type env struct {
	st       *store.Store
	tenant   storetest.Tenant
	pub      *fakePublisher
	sessions *fakeSessions
	router   *gin.Engine
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st := storetest.New(t)
	tn := storetest.Seed(t, st, "key-1", "2348030000001", 1)
	e := &env{st: st, tenant: tn, pub: &fakePublisher{failOn: map[string]bool{}}, sessions: &fakeSessions{}}

	log := logging.Nop()
	messages := &MessagesHandler{Store: st, Publisher: e.pub, Log: log}
	connect := &ConnectHandler{Sessions: e.sessions, Log: log}
	tokens := &PushTokenHandler{Users: st, TokenConfig: auth.DefaultTokenConfig("secret"), Log: log}

	r := gin.New()
	r.GET("/health", (&HealthHandler{Store: st}).Health)
	api := r.Group("/", middleware.RequireAPIKey(st, log))
	api.POST("/messages", messages.Send)
	api.GET("/messages/batches/:batchId", messages.Batch)
	api.GET("/connect/sessions", connect.List)
	api.POST("/connect/:userId/:phoneNumber", connect.Connect)
	api.DELETE("/connect/:userId/:phoneNumber", connect.Logout)
	api.GET("/session/push-token", tokens.Issue)
	e.router = r
	return e
}

func (e *env) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.APIKeyHeader, e.tenant.APIKey)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode %q: %v", w.Body.String(), err)
		}
	}
	return w.Code, out
}

func (e *env) addContacts(t *testing.T, numbers ...string) {
	t.Helper()
	for _, n := range numbers {
		if _, err := e.st.AddContact(context.Background(), e.tenant.ID, e.tenant.UserID, n, "c"); err != nil {
			t.Fatalf("AddContact: %v", err)
		}
	}
}

func TestSend_QueuesEveryContact(t *testing.T) {
	e := newEnv(t)
	e.addContacts(t, "2348031111111", "2348032222222")

	code, body := e.do(t, http.MethodPost, "/messages", map[string]any{
		"user_id": e.tenant.UserID,
		"message": "Hi {{name}}, code {{ code }}{{missing}}",
		"contacts": []map[string]any{
			{"number": "+234 803 111 1111", "name": "Ada", "code": 7, "metadata": map[string]any{"ref": "a"}},
			{"number": "2348032222222", "name": "Bayo"},
		},
		"template_id": "welcome",
	})
	if code != http.StatusOK || body["status"] != "queued" || body["count"] != float64(2) {
		t.Fatalf("unexpected response %d %v", code, body)
	}
	batchID, _ := body["batch_id"].(string)

	if len(e.pub.msgs) != 2 {
		t.Fatalf("expected two published jobs, got %d", len(e.pub.msgs))
	}
	var job model.Job
	if err := json.Unmarshal(e.pub.msgs[0].body, &job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if job.BatchID != batchID || job.Number != "2348031111111" || job.Message != "Hi Ada, code 7" || job.Type != model.MessageText {
		t.Fatalf("unexpected job %+v", job)
	}
	if int64(job.APIConsumerID) != e.tenant.ID || job.Metadata["ref"] != "a" || job.Metadata["template_id"] != "welcome" {
		t.Fatalf("unexpected job ids/metadata %+v", job)
	}
	if e.pub.msgs[0].id != batchID+":2348031111111" {
		t.Fatalf("unexpected message id %q", e.pub.msgs[0].id)
	}

	rows, err := e.st.ListBatch(context.Background(), e.tenant.ID, batchID)
	if err != nil || len(rows) != 2 || rows[0].Status != model.JobPending {
		t.Fatalf("expected two pending rows, got %v %+v", err, rows)
	}
}

func TestSend_MediaFromFileURL(t *testing.T) {
	e := newEnv(t)
	e.addContacts(t, "2348031111111")

	code, _ := e.do(t, http.MethodPost, "/messages", map[string]any{
		"user_id":  e.tenant.UserID,
		"file_url": "https://cdn.example.com/a/b/invoice.PDF?sig=1",
		"caption":  "for {{name}}",
		"contacts": []map[string]any{{"number": "2348031111111", "name": "Ada"}},
	})
	if code != http.StatusOK {
		t.Fatalf("unexpected status %d", code)
	}
	var job model.Job
	_ = json.Unmarshal(e.pub.msgs[0].body, &job)
	if job.Type != model.MessageDocument || job.MediaFilename != "invoice.PDF" || job.Message != "for Ada" {
		t.Fatalf("unexpected media job %+v", job)
	}
}

func TestSend_Validation(t *testing.T) {
	e := newEnv(t)
	e.addContacts(t, "2348031111111")

	cases := []struct {
		name string
		body map[string]any
		code int
		err  string
	}{
		{"no contacts", map[string]any{"user_id": e.tenant.UserID, "message": "x"}, 400, "Missing required fields: contacts or user_id"},
		{"no user", map[string]any{"contacts": []any{}, "message": "x"}, 400, "Missing required fields: contacts or user_id"},
		{"no content", map[string]any{"user_id": e.tenant.UserID, "contacts": []any{map[string]any{"number": "1"}}}, 400, "Either message or file_url must be provided"},
		{"empty contacts", map[string]any{"user_id": e.tenant.UserID, "contacts": []any{}, "message": "x"}, 400, "Contacts must be a non-empty array"},
		{"contacts not array", map[string]any{"user_id": e.tenant.UserID, "contacts": "2348031111111", "message": "x"}, 400, "Contacts must be a non-empty array"},
		{"foreign user", map[string]any{"user_id": 9999, "contacts": []any{map[string]any{"number": "2348031111111"}}, "message": "x"}, 404, "User not found or not associated with this API consumer"},
	}
	for _, tc := range cases {
		code, body := e.do(t, http.MethodPost, "/messages", tc.body)
		if code != tc.code || body["error"] != tc.err {
			t.Fatalf("%s: got %d %v", tc.name, code, body)
		}
	}
	if len(e.pub.msgs) != 0 {
		t.Fatalf("nothing may be published on validation errors")
	}
}

func TestSend_UnauthorizedNumbers(t *testing.T) {
	e := newEnv(t)
	e.addContacts(t, "2348031111111")

	code, body := e.do(t, http.MethodPost, "/messages", map[string]any{
		"user_id": e.tenant.UserID,
		"message": "x",
		"contacts": []map[string]any{
			{"number": "2348031111111"},
			{"number": "+234 809 999 9999"},
		},
	})
	if code != http.StatusBadRequest || body["code"] != "UNAUTHORIZED_NUMBERS" {
		t.Fatalf("unexpected response %d %v", code, body)
	}
	invalid, _ := body["invalidContacts"].([]any)
	if len(invalid) != 1 || invalid[0] != "+234 809 999 9999" {
		t.Fatalf("unexpected invalid contacts %v", body["invalidContacts"])
	}
	allowed, _ := body["allowedNumbers"].([]any)
	if len(allowed) != 1 || allowed[0] != "2348031111111" {
		t.Fatalf("unexpected allowed numbers %v", body["allowedNumbers"])
	}
}

func TestSend_NoSubscription(t *testing.T) {
	e := newEnv(t)
	userID, err := e.st.CreateUser(context.Background(), e.tenant.ID, "unsubscribed")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	code, body := e.do(t, http.MethodPost, "/messages", map[string]any{
		"user_id":  userID,
		"message":  "x",
		"contacts": []map[string]any{{"number": "2348031111111"}},
	})
	if code != http.StatusForbidden || body["code"] != "NO_ACTIVE_SUBSCRIPTION" {
		t.Fatalf("unexpected response %d %v", code, body)
	}
}

func TestSend_PartialAndTotalFailure(t *testing.T) {
	e := newEnv(t)
	e.addContacts(t, "2348031111111", "2348032222222")
	e.pub.failOn["2348032222222"] = true

	req := map[string]any{
		"user_id":  e.tenant.UserID,
		"message":  "x",
		"contacts": []map[string]any{{"number": "2348031111111"}, {"number": "2348032222222"}},
	}
	code, body := e.do(t, http.MethodPost, "/messages", req)
	if code != http.StatusMultiStatus || body["status"] != "partial_success" || body["success_count"] != float64(1) || body["failed_count"] != float64(1) {
		t.Fatalf("unexpected response %d %v", code, body)
	}

	e.pub.failOn["2348031111111"] = true
	code, body = e.do(t, http.MethodPost, "/messages", req)
	if code != http.StatusInternalServerError || body["error"] != "All messages failed to queue" {
		t.Fatalf("unexpected response %d %v", code, body)
	}
}

func TestBatch(t *testing.T) {
	e := newEnv(t)
	e.addContacts(t, "2348031111111")
	_, body := e.do(t, http.MethodPost, "/messages", map[string]any{
		"user_id":  e.tenant.UserID,
		"message":  "x",
		"contacts": []map[string]any{{"number": "2348031111111"}},
	})
	batchID := body["batch_id"].(string)

	code, body := e.do(t, http.MethodGet, "/messages/batches/"+batchID, nil)
	if code != http.StatusOK || body["total"] != float64(1) {
		t.Fatalf("unexpected response %d %v", code, body)
	}
	counts := body["counts"].(map[string]any)
	if counts["pending"] != float64(1) {
		t.Fatalf("unexpected counts %v", counts)
	}

	if code, _ := e.do(t, http.MethodGet, "/messages/batches/unknown", nil); code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown batch, got %d", code)
	}
}

func TestConnect_MapsAdmissionErrors(t *testing.T) {
	cases := []struct {
		err  error
		code int
		msg  string
	}{
		{session.ErrNotOwned, 403, "User and phone number not associated with this API consumer."},
		{session.ErrNoSubscription, 403, "No active subscription for this user."},
		{session.ErrAlreadyActive, 409, "WhatsApp number is already connected."},
		{session.ErrQuotaExceeded, 403, "Phone number limit exceeded for current plan."},
		{session.ErrAlreadyInitializing, 400, "Session already being initialized, Wait to get QR code."},
		{errors.New("boom"), 500, "Internal server error"},
	}
	e := newEnv(t)
	for _, tc := range cases {
		e.sessions.err = tc.err
		code, body := e.do(t, http.MethodPost, "/connect/2/2348030000001", nil)
		if code != tc.code || body["status"] != "error" || body["message"] != tc.msg {
			t.Fatalf("%v: got %d %v", tc.err, code, body)
		}
	}
}

func TestConnect_Success(t *testing.T) {
	e := newEnv(t)
	code, body := e.do(t, http.MethodPost, "/connect/2/2348030000001", nil)
	if code != http.StatusOK || body["status"] != "processing" || body["session_id"] != "1-2-2348030000001" {
		t.Fatalf("unexpected response %d %v", code, body)
	}

	if code, _ := e.do(t, http.MethodPost, "/connect/abc/2348030000001", nil); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a non-numeric user id, got %d", code)
	}
	if e.sessions.calls != 1 {
		t.Fatalf("invalid params must not reach the manager")
	}
}

func TestConnect_LogoutAndList(t *testing.T) {
	e := newEnv(t)
	if code, body := e.do(t, http.MethodDelete, "/connect/2/2348030000001", nil); code != http.StatusOK || body["status"] != "success" {
		t.Fatalf("unexpected logout response %d %v", code, body)
	}
	e.sessions.err = session.ErrNotOwned
	if code, _ := e.do(t, http.MethodDelete, "/connect/2/2348030000001", nil); code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", code)
	}

	code, body := e.do(t, http.MethodGet, "/connect/sessions", nil)
	if code != http.StatusOK {
		t.Fatalf("unexpected status %d", code)
	}
	if list, ok := body["sessions"].([]any); !ok || len(list) != 0 {
		t.Fatalf("expected empty session list, got %v", body)
	}
}

func TestPushToken(t *testing.T) {
	e := newEnv(t)
	path := "/session/push-token?user_id=" + model.ID(e.tenant.UserID).String()
	code, body := e.do(t, http.MethodGet, path, nil)
	if code != http.StatusOK {
		t.Fatalf("unexpected response %d %v", code, body)
	}
	claims, err := auth.VerifyPushToken(body["token"].(string), auth.DefaultTokenConfig("secret"))
	if err != nil || claims.TenantID != e.tenant.ID {
		t.Fatalf("VerifyPushToken: %v %+v", err, claims)
	}
	if uid, _ := claims.UserID(); uid != e.tenant.UserID {
		t.Fatalf("token bound to %d, want %d", uid, e.tenant.UserID)
	}

	if code, _ := e.do(t, http.MethodGet, "/session/push-token?user_id=9999", nil); code != http.StatusNotFound {
		t.Fatalf("expected 404 for a foreign user, got %d", code)
	}
	if code, _ := e.do(t, http.MethodGet, "/session/push-token", nil); code != http.StatusBadRequest {
		t.Fatalf("expected 400 without user_id, got %d", code)
	}
}

func TestHealth(t *testing.T) {
	e := newEnv(t)
	code, body := e.do(t, http.MethodGet, "/health", nil)
	if code != http.StatusOK || body["ok"] != true {
		t.Fatalf("unexpected response %d %v", code, body)
	}
}

func TestFillTemplateAndTypes(t *testing.T) {
	if got := fillTemplate("{{a}}-{{ b }}-{{c}}", contact{"a": "x", "b": 2.5}); got != "x-2.5-" {
		t.Fatalf("fillTemplate = %q", got)
	}
	types := map[string]model.MessageType{
		"":                               model.MessageText,
		"https://x/y/pic.JPG":            model.MessageImage,
		"https://x/clip.mp4?x=1":         model.MessageVideo,
		"https://x/song.mp3":             model.MessageAudio,
		"https://x/report.docx":          model.MessageDocument,
		"https://x/sheet.xlsx":           model.MessageDocument,
		"https://x/readme":               model.MessageText,
		"https://x/archive.unknownext42": model.MessageText,
	}
	for url, want := range types {
		if got := messageTypeFromURL(url); got != want {
			t.Fatalf("messageTypeFromURL(%q) = %q, want %q", url, got, want)
		}
	}
	if got := mediaFilename("https://x/a/b.png?sig=1"); !strings.EqualFold(got, "b.png") {
		t.Fatalf("mediaFilename = %q", got)
	}
}
