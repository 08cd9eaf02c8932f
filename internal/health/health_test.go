package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func decode(t *testing.T, rec *httptest.ResponseRecorder) Report {
	t.Helper()
	var body Report
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return body
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	h := New(Checker{Name: "pipeline", Check: func(context.Context) error { return errors.New("down") }})
	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	if body := decode(t, rec); body.Status != StatusOK || body.Checks != nil {
		t.Errorf("body = %+v", body)
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	ok := func(context.Context) error { return nil }
	degraded := func(context.Context) error { return Degraded(errors.New("p95 6s")) }
	failing := func(context.Context) error { return errors.New("connection refused") }

	tests := []struct {
		name       string
		checkers   []Checker
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{
			name:       "no checkers",
			wantCode:   http.StatusOK,
			wantStatus: StatusOK,
		},
		{
			name:       "all pass",
			checkers:   []Checker{{Name: "pipeline", Check: ok}, {Name: "database", Check: ok}},
			wantCode:   http.StatusOK,
			wantStatus: StatusOK,
			wantChecks: map[string]string{"pipeline": "ok", "database": "ok"},
		},
		{
			name:       "degraded stays ready",
			checkers:   []Checker{{Name: "pipeline", Check: degraded}, {Name: "database", Check: ok}},
			wantCode:   http.StatusOK,
			wantStatus: StatusDegraded,
			wantChecks: map[string]string{"pipeline": "degraded: p95 6s", "database": "ok"},
		},
		{
			name:       "failure wins over degraded",
			checkers:   []Checker{{Name: "database", Check: failing}, {Name: "pipeline", Check: degraded}},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: StatusFail,
			wantChecks: map[string]string{"database": "fail: connection refused", "pipeline": "degraded: p95 6s"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rec := httptest.NewRecorder()
			New(tt.checkers...).Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))
			if rec.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", rec.Code, tt.wantCode)
			}
			body := decode(t, rec)
			if body.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", body.Status, tt.wantStatus)
			}
			for name, want := range tt.wantChecks {
				if body.Checks[name] != want {
					t.Errorf("check %s = %q, want %q", name, body.Checks[name], want)
				}
			}
		})
	}
}

func TestReadyz_CheckerGetsDeadline(t *testing.T) {
	t.Parallel()

	var deadline time.Time
	h := New(Checker{Name: "slow", Check: func(ctx context.Context) error {
		deadline, _ = ctx.Deadline()
		return nil
	}})
	h.Readyz(httptest.NewRecorder(), httptest.NewRequest("GET", "/readyz", nil))

	if deadline.IsZero() {
		t.Fatal("checker context has no deadline")
	}
	if until := time.Until(deadline); until > checkTimeout {
		t.Errorf("deadline %s exceeds checkTimeout", until)
	}
}

func TestEvaluate_ChecksRunConcurrently(t *testing.T) {
	t.Parallel()

	// Each check waits for the other; run in sequence they would deadlock
	// until their deadlines.
	a, b := make(chan struct{}), make(chan struct{})
	meet := func(mine, theirs chan struct{}) func(context.Context) error {
		return func(ctx context.Context) error {
			close(mine)
			select {
			case <-theirs:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	h := New(Checker{Name: "database", Check: meet(a, b)}, Checker{Name: "cache", Check: meet(b, a)})

	rep := h.Evaluate(context.Background())
	if rep.Status != StatusOK {
		t.Errorf("report = %+v, want both checks ok", rep)
	}
}

func TestDegraded(t *testing.T) {
	t.Parallel()

	if Degraded(nil) != nil {
		t.Error("Degraded(nil) != nil")
	}
	base := errors.New("slow")
	err := Degraded(base)
	if !IsDegraded(err) || !errors.Is(err, base) {
		t.Errorf("Degraded(%v) lost its identity", base)
	}
	if IsDegraded(base) {
		t.Error("plain error reported as degraded")
	}
}

func TestRegister(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	New(Checker{Name: "pipeline", Check: func(context.Context) error { return nil }}).Register(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d", path, resp.StatusCode)
		}
		if !strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
			t.Errorf("GET %s content type %q", path, resp.Header.Get("Content-Type"))
		}
	}
}
