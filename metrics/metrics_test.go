package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorders(t *testing.T) {
	before := testutil.ToFloat64(importsTotal.WithLabelValues("success"))
	RecordImport(true)
	if got := testutil.ToFloat64(importsTotal.WithLabelValues("success")); got != before+1 {
		t.Errorf("got %v imports, want %v", got, before+1)
	}

	SetPeers(3)
	if got := testutil.ToFloat64(swarmPeers); got != 3 {
		t.Errorf("got %v peers, want 3", got)
	}

	TransferBytes(Upload).Add(100)
	if got := testutil.ToFloat64(TransferBytes(Upload)); got < 100 {
		t.Errorf("got %v upload bytes, want at least 100", got)
	}
}

func TestHandler(t *testing.T) {
	RecordOpen(false)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(body), `dat_archive_opens_total{result="error"}`) {
		t.Error("metrics output lacks dat_archive_opens_total")
	}
}
