package loadtest

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"b2cauth/content"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type contentCalls struct {
	creates  atomic.Int64
	deletes  atomic.Int64
	restarts atomic.Int64
	lastName atomic.Value
}

func newTestController(t *testing.T) (*Controller, *contentCalls) {
	t.Helper()
	calls := &contentCalls{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/content":
			var rec content.Record
			if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
				http.Error(w, "bad record", http.StatusBadRequest)
				return
			}
			calls.creates.Add(1)
			calls.lastName.Store(rec.Name)
			rec.ID = "rec"
			_ = json.NewEncoder(w).Encode(rec)
		case r.Method == http.MethodDelete && r.URL.Path == "/content":
			calls.deletes.Add(1)
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodPost && r.URL.Path == "/restart":
			calls.restarts.Add(1)
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	client, err := content.New(content.Config{BaseURL: srv.URL}, testLogger())
	if err != nil {
		t.Fatalf("content.New: %v", err)
	}
	return New(client, testLogger()), calls
}

func TestCreateMakesRequestedRecords(t *testing.T) {
	ctrl, calls := newTestController(t)
	srv := httptest.NewServer(ctrl.Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/create?n=3&o=tester")
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if got := calls.creates.Load(); got != 3 {
		t.Fatalf("created %d records, want 3", got)
	}
	name, _ := calls.lastName.Load().(string)
	if !strings.HasSuffix(name, "-tester") {
		t.Fatalf("record name %q not tagged with origin", name)
	}
	if calls.restarts.Load() != 0 {
		t.Fatalf("restart triggered with r=0")
	}
}

func TestCreateClampsCount(t *testing.T) {
	ctrl, calls := newTestController(t)
	srv := httptest.NewServer(ctrl.Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/create?n=100000")
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	resp.Body.Close()
	if got := calls.creates.Load(); got != maxCreate {
		t.Fatalf("created %d records, want clamp at %d", got, maxCreate)
	}
}

func TestCreateAlwaysRestartsAtFullPercentage(t *testing.T) {
	ctrl, calls := newTestController(t)
	srv := httptest.NewServer(ctrl.Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/create?n=1&r=100")
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	resp.Body.Close()
	if calls.restarts.Load() != 1 {
		t.Fatalf("r=100 did not restart")
	}
	name, _ := calls.lastName.Load().(string)
	if !strings.Contains(name, "-R-") {
		t.Fatalf("restarting batch not marked in name %q", name)
	}
}

func TestClearDeletesByType(t *testing.T) {
	ctrl, calls := newTestController(t)
	srv := httptest.NewServer(ctrl.Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/clear")
	if err != nil {
		t.Fatalf("clear request: %v", err)
	}
	resp.Body.Close()
	if calls.deletes.Load() != 1 {
		t.Fatalf("clear did not delete")
	}
}

func TestCreateSurfacesContentFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	client, err := content.New(content.Config{BaseURL: srv.URL}, testLogger())
	if err != nil {
		t.Fatalf("content.New: %v", err)
	}
	ctrl := New(client, testLogger())
	api := httptest.NewServer(ctrl.Routes())
	defer api.Close()

	resp, err := http.Get(api.URL + "/create?n=1")
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status %d, want 502", resp.StatusCode)
	}
}
