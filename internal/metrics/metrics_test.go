package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeHost(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeHost(tc.input); got != tc.expected {
				t.Errorf("SanitizeHost(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if scansSubmittedTotal == nil || scansFinishedTotal == nil || scansRunning == nil ||
		queueDepth == nil || httpRequestsTotal == nil || httpRequestDurationSeconds == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestScanCollectors(t *testing.T) {
	Init()
	before := testutil.ToFloat64(scansSubmittedTotal.WithLabelValues(SubmissionQueueFull))
	ObserveSubmission(SubmissionQueueFull)
	if got := testutil.ToFloat64(scansSubmittedTotal.WithLabelValues(SubmissionQueueFull)); got != before+1 {
		t.Errorf("expected queue_full submissions to increase by 1, got %f -> %f", before, got)
	}

	finished := testutil.ToFloat64(scansFinishedTotal.WithLabelValues("failed"))
	ObserveFinished("failed", 250*time.Millisecond)
	if got := testutil.ToFloat64(scansFinishedTotal.WithLabelValues("failed")); got != finished+1 {
		t.Errorf("expected failed scans to increase by 1, got %f -> %f", finished, got)
	}

	SetQueueDepth(7)
	if got := testutil.ToFloat64(queueDepth); got != 7 {
		t.Errorf("expected queue depth 7, got %f", got)
	}

	running := testutil.ToFloat64(scansRunning)
	IncRunning()
	IncRunning()
	DecRunning()
	if got := testutil.ToFloat64(scansRunning); got != running+1 {
		t.Errorf("expected running gauge %f, got %f", running+1, got)
	}
}

// Fuzz test for SanitizeHost.
func FuzzSanitizeHost(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeHost(orig)
		if sanitized == "" {
			t.Errorf("SanitizeHost(%q) returned an empty string", orig)
		}
	})
}
