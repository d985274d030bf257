package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// TestNilReceiverIsSafe: components built without instrumentation call
// recording methods on a nil *Metrics; none of them may panic.
func TestNilReceiverIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveTick(1, time.Second, nil)
	m.ReceiptAccepted(2)
	m.ReceiptRejected(2)
	m.Promotion(3)
	m.AuthRejected("unauthorized")
}

// TestExposition confirms recorded samples show up on the /metrics handler
// with the expected names and labels.
func TestExposition(t *testing.T) {
	m := New()
	m.ObserveTick(1, 25*time.Millisecond, nil)
	m.ObserveTick(2, 5*time.Millisecond, io.EOF)
	m.ReceiptAccepted(2)
	m.ReceiptRejected(3)
	m.Promotion(3)
	m.AuthRejected("rate_limited")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	for _, want := range []string{
		`chainnode_tick_total{level="1",result="ok"} 1`,
		`chainnode_tick_total{level="2",result="error"} 1`,
		`chainnode_receipts_total{level="2",result="accepted"} 1`,
		`chainnode_receipts_total{level="3",result="rejected"} 1`,
		`chainnode_promotions_total{to_level="3"} 1`,
		`chainnode_auth_rejections_total{reason="rate_limited"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

// TestSeparateRegistries: two Metrics in one process (two nodes in a test
// harness) must not collide on collector registration.
func TestSeparateRegistries(t *testing.T) {
	a := New()
	b := New()
	a.Promotion(3)
	b.Promotion(4)

	rec := httptest.NewRecorder()
	b.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if strings.Contains(rec.Body.String(), `to_level="3"`) {
		t.Fatal("registry b leaked a sample recorded on registry a")
	}
}
