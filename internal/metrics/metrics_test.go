package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveOperation(t *testing.T) {
	before := testutil.ToFloat64(Operations.WithLabelValues("create_table", ResultRejected))
	ObserveOperation("create_table", ResultRejected, time.Now())
	after := testutil.ToFloat64(Operations.WithLabelValues("create_table", ResultRejected))
	if after != before+1 {
		t.Errorf("operations_total = %v, want %v", after, before+1)
	}
}

func TestHandler(t *testing.T) {
	ObserveOperation("drop_table", ResultOK, time.Now())

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Result().Body)

	for _, want := range []string{
		`magicdb_catalog_operations_total{op="drop_table",result="ok"}`,
		"magicdb_catalog_operation_duration_seconds_bucket",
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("exposition missing %s", want)
		}
	}
}
