package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BTreeMap/MailPipe/internal/delivery"
	"github.com/BTreeMap/MailPipe/internal/models"
	"github.com/BTreeMap/MailPipe/internal/store"
	"github.com/BTreeMap/MailPipe/internal/testutil"
)

type stubSender struct {
	err   error
	calls int
}

func (s *stubSender) Send(ctx context.Context, p models.ServerProfile, to, subject, html string) error {
	s.calls++
	return s.err
}

type testEnv struct {
	store  *store.InMemoryStore
	sender *stubSender
	orch   *delivery.Orchestrator
	srv    http.Handler
}

func newTestEnv(t *testing.T, withProfile bool) *testEnv {
	t.Helper()
	ctx := context.Background()
	st := store.NewInMemoryStore()
	if withProfile {
		err := st.SaveProfile(ctx, models.ServerProfile{
			Name: "primary", Host: "127.0.0.1", Port: 2525,
			Encryption: models.EncryptionNone, SenderAddress: "noreply@example.com", Active: true,
		})
		if err != nil {
			t.Fatalf("SaveProfile: %v", err)
		}
	}
	err := st.SaveTemplate(ctx, models.Template{
		Key: "welcome", Subject: "Witaj {{name}}", Body: "<p>Cześć {{name}}</p>",
	})
	if err != nil {
		t.Fatalf("SaveTemplate: %v", err)
	}
	sender := &stubSender{}
	orch := delivery.NewOrchestrator(st, sender)
	return &testEnv{
		store:  st,
		sender: sender,
		orch:   orch,
		srv:    NewServer(orch.Engine(), orch, st).Handler(),
	}
}

func (e *testEnv) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, models.APIResponse) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	rr := httptest.NewRecorder()
	e.srv.ServeHTTP(rr, req)

	var resp models.APIResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("%s %s: response is not JSON: %q", method, path, rr.Body.String())
	}
	return rr, resp
}

// resultEntry re-decodes the generic result into a log entry.
func resultEntry(t *testing.T, resp models.APIResponse) models.LogEntry {
	t.Helper()
	raw, _ := json.Marshal(resp.Result)
	var entry models.LogEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		t.Fatalf("result is not a log entry: %s", raw)
	}
	return entry
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, true)
	rr, resp := env.do(t, http.MethodGet, "/healthz", "")
	if rr.Code != http.StatusOK || resp.Status != "ok" {
		t.Errorf("healthz = %d %+v", rr.Code, resp)
	}
	if rr.Header().Get("Content-Type") != "application/json" {
		t.Errorf("Content-Type = %q", rr.Header().Get("Content-Type"))
	}
}

func TestEnqueueHandler(t *testing.T) {
	env := newTestEnv(t, true)
	body := `{"templateKey":"welcome","recipientEmail":"Anna <anna@example.com>","variables":{"name":"Anna"},"dedupeKey":"welcome:42"}`

	rr, resp := env.do(t, http.MethodPost, "/messages", body)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	if resp.Status != string(models.APIStatusQueued) {
		t.Errorf("response status = %q", resp.Status)
	}
	entry := resultEntry(t, resp)
	if entry.Status != models.DeliveryStatusPending || entry.RecipientEmail != "anna@example.com" {
		t.Errorf("entry = %+v", entry)
	}
	if entry.Subject != "Witaj Anna" {
		t.Errorf("Subject = %q", entry.Subject)
	}
	if env.sender.calls != 0 {
		t.Errorf("enqueue must not send, got %d sends", env.sender.calls)
	}

	// Same dedupe key returns the same entry.
	_, resp2 := env.do(t, http.MethodPost, "/messages", body)
	if resultEntry(t, resp2).ID != entry.ID {
		t.Error("repeated enqueue created a second entry")
	}
}

func TestEnqueueHandlerErrors(t *testing.T) {
	env := newTestEnv(t, true)
	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed json", `{"templateKey":`, http.StatusBadRequest},
		{"unknown field", `{"templateKey":"welcome","recipientEmail":"a@example.com","smtpPassword":"x"}`, http.StatusBadRequest},
		{"missing recipient", `{"templateKey":"welcome"}`, http.StatusBadRequest},
		{"bad recipient", `{"templateKey":"welcome","recipientEmail":"not an address"}`, http.StatusBadRequest},
		{"unknown template", `{"templateKey":"nope","recipientEmail":"a@example.com"}`, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr, resp := env.do(t, http.MethodPost, "/messages", tt.body)
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", rr.Code, tt.want, rr.Body.String())
			}
			if resp.Status != "error" {
				t.Errorf("response status = %q", resp.Status)
			}
		})
	}
}

func TestSendHandler(t *testing.T) {
	env := newTestEnv(t, true)
	rr, resp := env.do(t, http.MethodPost, "/messages/send", `{"templateKey":"welcome","recipientEmail":"anna@example.com","variables":{"name":"Anna"}}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	entry := resultEntry(t, resp)
	if entry.Status != models.DeliveryStatusSent || entry.SentAt == nil {
		t.Errorf("entry = %+v", entry)
	}
	if env.sender.calls != 1 {
		t.Errorf("sends = %d, want 1", env.sender.calls)
	}
}

func TestSendHandlerFailure(t *testing.T) {
	env := newTestEnv(t, true)
	env.sender.err = errors.New("smtp: connection refused")

	rr, resp := env.do(t, http.MethodPost, "/messages/send", `{"templateKey":"welcome","recipientEmail":"anna@example.com"}`)
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	entry := resultEntry(t, resp)
	if entry.Status != models.DeliveryStatusFailed || entry.RetryCount != 1 {
		t.Errorf("entry = %+v", entry)
	}
	if entry.ErrorMessage == nil || *entry.ErrorMessage == "" {
		t.Error("failed entry should carry an error message")
	}
}

func TestSendHandlerNoProfile(t *testing.T) {
	env := newTestEnv(t, false)
	rr, resp := env.do(t, http.MethodPost, "/messages/send", `{"templateKey":"welcome","recipientEmail":"anna@example.com"}`)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	if resp.Result != nil {
		t.Errorf("no entry should be returned, got %#v", resp.Result)
	}
	// Nothing is left behind for a later run to send.
	entries, err := env.store.ListEntries(context.Background(), "", 10)
	if err != nil || len(entries) != 0 {
		t.Errorf("entries after configuration error = %+v (%v)", entries, err)
	}
}

func TestSendHandlerIncompleteCredentials(t *testing.T) {
	env := newTestEnv(t, false)
	if err := env.store.SaveProfile(context.Background(), models.ServerProfile{
		ID: "prof_nopass", Host: "smtp.example.com", Port: 587, Username: "u",
		SenderAddress: "noreply@example.com", Active: true,
	}); err != nil {
		t.Fatal(err)
	}
	rr, _ := env.do(t, http.MethodPost, "/messages/send", `{"templateKey":"welcome","recipientEmail":"anna@example.com"}`)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	if n := env.sender.calls; n != 0 {
		t.Errorf("sender invoked %d times", n)
	}
}

func TestGetMessageHandler(t *testing.T) {
	env := newTestEnv(t, true)
	_, resp := env.do(t, http.MethodPost, "/messages", `{"templateKey":"welcome","recipientEmail":"anna@example.com"}`)
	id := resultEntry(t, resp).ID

	rr, got := env.do(t, http.MethodGet, "/messages/"+id, "")
	if rr.Code != http.StatusOK || resultEntry(t, got).ID != id {
		t.Errorf("GET /messages/%s = %d %+v", id, rr.Code, got)
	}

	rr, _ = env.do(t, http.MethodGet, "/messages/msg_missing", "")
	if rr.Code != http.StatusNotFound {
		t.Errorf("unknown id status = %d, want 404", rr.Code)
	}
}

func TestListMessagesHandler(t *testing.T) {
	env := newTestEnv(t, true)
	env.do(t, http.MethodPost, "/messages", `{"templateKey":"welcome","recipientEmail":"a@example.com"}`)
	env.do(t, http.MethodPost, "/messages/send", `{"templateKey":"welcome","recipientEmail":"b@example.com"}`)

	rr, resp := env.do(t, http.MethodGet, "/messages?status=pending", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	list, ok := resp.Result.([]interface{})
	if !ok || len(list) != 1 {
		t.Errorf("pending list = %#v", resp.Result)
	}

	for _, q := range []string{"?status=bogus", "?limit=0", "?limit=abc"} {
		if rr, _ := env.do(t, http.MethodGet, "/messages"+q, ""); rr.Code != http.StatusBadRequest {
			t.Errorf("GET /messages%s = %d, want 400", q, rr.Code)
		}
	}
}

func TestRunHandlers(t *testing.T) {
	env := newTestEnv(t, true)
	env.do(t, http.MethodPost, "/messages", `{"templateKey":"welcome","recipientEmail":"a@example.com"}`)

	rr, resp := env.do(t, http.MethodPost, "/runs", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("POST /runs = %d %s", rr.Code, rr.Body.String())
	}
	raw, _ := json.Marshal(resp.Result)
	var run models.JobRun
	if err := json.Unmarshal(raw, &run); err != nil {
		t.Fatalf("result is not a run: %s", raw)
	}
	if run.Status != models.RunStatusCompleted || run.Counts.Sent != 1 {
		t.Errorf("run = %+v", run)
	}

	rr, resp = env.do(t, http.MethodGet, "/runs", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("GET /runs = %d", rr.Code)
	}
	if list, ok := resp.Result.([]interface{}); !ok || len(list) != 1 {
		t.Errorf("runs = %#v", resp.Result)
	}
}

func TestRunHandlerSkipped(t *testing.T) {
	env := newTestEnv(t, true)
	// A run still marked running blocks the next one.
	if _, err := env.store.StartRun(context.Background(), env.orch.JobName(), env.orch.OverlapWindow(), time.Now().UTC()); err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	rr, resp := env.do(t, http.MethodPost, "/runs", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("POST /runs while running = %d, want 200", rr.Code)
	}
	raw, _ := json.Marshal(resp.Result)
	var run models.JobRun
	if err := json.Unmarshal(raw, &run); err != nil || run.Status != models.RunStatusSkipped {
		t.Errorf("run = %s, want skipped", raw)
	}
	if env.sender.calls != 0 {
		t.Errorf("skipped run sent %d messages", env.sender.calls)
	}
}

func TestRunHandlerWithoutRunner(t *testing.T) {
	st := store.NewInMemoryStore()
	h := NewServer(delivery.NewEngine(st, &stubSender{}), nil, st).Handler()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/runs", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rr.Code)
	}
}

func TestListTemplatesHandler(t *testing.T) {
	env := newTestEnv(t, true)
	rr, resp := env.do(t, http.MethodGet, "/templates", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if list, ok := resp.Result.([]interface{}); !ok || len(list) != 1 {
		t.Errorf("templates = %#v", resp.Result)
	}
}

func TestNotFoundAndMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, true)
	if rr, _ := env.do(t, http.MethodGet, "/nope", ""); rr.Code != http.StatusNotFound {
		t.Errorf("unknown route = %d", rr.Code)
	}
	if rr, _ := env.do(t, http.MethodDelete, "/templates", ""); rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("DELETE /templates = %d", rr.Code)
	}
}

func TestEnqueueThenFetchWithTypedRequest(t *testing.T) {
	env := newTestEnv(t, true)
	req := testutil.CreateJSONRequest(t, http.MethodPost, "/messages", models.SendRequest{
		TemplateKey:    "welcome",
		RecipientEmail: "jan@example.com",
		Variables:      map[string]string{"name": "Jan"},
		Metadata:       map[string]any{"feature": "signup"},
	})
	rr := httptest.NewRecorder()
	env.srv.ServeHTTP(rr, req)
	testutil.AssertHTTPStatus(t, http.StatusAccepted, rr.Code, "POST /messages")
	body := testutil.AssertJSONResponse(t, rr, string(models.APIStatusQueued))

	var entry models.LogEntry
	testutil.MustUnmarshalJSON(t, testutil.MustMarshalJSON(t, body["result"]), &entry)
	if entry.Metadata["feature"] != "signup" {
		t.Errorf("metadata not kept: %+v", entry.Metadata)
	}

	rr = httptest.NewRecorder()
	env.srv.ServeHTTP(rr, testutil.CreateJSONRequest(t, http.MethodGet, "/messages/"+entry.ID, nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "GET /messages/{id}")
	testutil.AssertJSONResponse(t, rr, string(models.APIStatusOK))
}
