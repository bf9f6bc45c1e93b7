package logging

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
)

type entry struct {
	msg string
	kv  map[string]any
}

type recorder struct {
	entries []entry
}

func (r *recorder) Info(msg string, keysAndValues ...any) {
	kv := map[string]any{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		kv[keysAndValues[i].(string)] = keysAndValues[i+1]
	}
	r.entries = append(r.entries, entry{msg: msg, kv: kv})
}

func TestAccessLogRecordsRequest(t *testing.T) {
	rec := &recorder{}
	handler := middleware.RequestID(AccessLog(rec)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/train/start", nil))

	if len(rec.entries) != 1 {
		t.Fatalf("expected one access log entry, got %d", len(rec.entries))
	}
	got := rec.entries[0]
	if got.msg != "http request" || got.kv["method"] != http.MethodPost || got.kv["path"] != "/api/train/start" {
		t.Fatalf("unexpected entry: %#v", got)
	}
	if got.kv["status"] != http.StatusTeapot {
		t.Fatalf("expected status 418, got %v", got.kv["status"])
	}
	if id, _ := got.kv["request_id"].(string); id == "" {
		t.Fatalf("expected request id in entry")
	}
}

func TestNopLoggerAcceptsCalls(t *testing.T) {
	l := NewNop().With("component", "test")
	l.Debug("debug")
	l.Info("info", "k", "v")
	l.Error("error")
	l.Sync()
}
