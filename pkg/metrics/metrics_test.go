package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func scrape(t *testing.T, r *Registry) string {
	t.Helper()

	rr := httptest.NewRecorder()
	r.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("scrape: expected 200, got %d", rr.Code)
	}
	body, err := io.ReadAll(rr.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

func TestRegistry_Values(t *testing.T) {
	r := NewRegistry()

	r.IncCounter("docgate_statements_total", map[string]string{"stmt": "update", "result": "ok"}, 1)
	r.IncCounter("docgate_statements_total", map[string]string{"result": "ok", "stmt": "update"}, 2)
	r.IncCounter("docgate_statements_total", map[string]string{"result": "ok", "stmt": "update"}, -5) // игнорируется
	r.SetGauge("docgate_tablets", nil, 4)
	r.ObserveHistogram("docgate_statement_seconds", nil, 0.25)
	r.ObserveHistogram("docgate_statement_seconds", nil, 0.5)

	if v, ok := r.Value("docgate_statements_total", map[string]string{"stmt": "update", "result": "ok"}); !ok || v != 3 {
		t.Fatalf("counter = %v, %v; want 3", v, ok)
	}
	if v, ok := r.Value("docgate_tablets", nil); !ok || v != 4 {
		t.Fatalf("gauge = %v, %v; want 4", v, ok)
	}
	if v, ok := r.Value("docgate_statement_seconds", nil); !ok || v != 0.75 {
		t.Fatalf("histogram sum = %v, %v; want 0.75", v, ok)
	}
	if _, ok := r.Value("docgate_unknown", nil); ok {
		t.Fatal("unknown metric must not be found")
	}
}

func TestRegistry_MismatchedUseIsDropped(t *testing.T) {
	r := NewRegistry()

	r.IncCounter("docgate_requests_total", map[string]string{"kind": "insert"}, 1)
	// другой набор меток и другой тип под тем же именем не паникуют
	r.IncCounter("docgate_requests_total", map[string]string{"kind": "insert", "extra": "x"}, 1)
	r.SetGauge("docgate_requests_total", nil, 7)

	if v, _ := r.Value("docgate_requests_total", map[string]string{"kind": "insert"}); v != 1 {
		t.Fatalf("counter = %v, want 1", v)
	}
}

func TestRegistry_Handler(t *testing.T) {
	r := NewRegistry()
	r.IncCounter("docgate_requests_total", map[string]string{"kind": "insert", "result": `dup"key`}, 2)

	out := scrape(t, r)
	for _, want := range []string{
		"# TYPE docgate_requests_total counter",
		`docgate_requests_total{kind="insert",result="dup\"key"} 2`,
		"go_goroutines",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("scrape output misses %q:\n%s", want, out)
		}
	}
}
