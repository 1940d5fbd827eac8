package report

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/klyr/mutator/internal/logging"
)

func sampleExchanges() []logging.Exchange {
	return []logging.Exchange{
		{
			Timestamp: time.Unix(0, 0), Route: "api", StatusCode: 200, DurationMS: 10, UpstreamMS: 8,
			Request:  logging.Phase{Outcome: "applied", Source: "route", Applied: []string{"X-Scope", "X-Tenant"}},
			Response: logging.Phase{Outcome: "applied", Source: "route", Applied: []string{"X-Bar"}},
		},
		{
			Timestamp: time.Unix(2, 0), Route: "api", StatusCode: 502, DurationMS: 30,
			Request: logging.Phase{
				Outcome: "applied", Source: "route", Applied: []string{"x-scope"},
				Skipped: []logging.SkippedRule{{Header: "X-Tenant", Reason: "render"}},
			},
			Response: logging.Phase{Outcome: "not_run"},
		},
		{
			Timestamp: time.Unix(1, 0), Route: "route-2", StatusCode: 200, DurationMS: 20, UpstreamMS: 15,
			Request:  logging.Phase{Outcome: "route_unresolved", Resolution: "missing"},
			Response: logging.Phase{Outcome: "route_unresolved", Resolution: "missing"},
		},
	}
}

func TestSummarize(t *testing.T) {
	summary := Summarize(sampleExchanges())

	if summary.Total != 3 {
		t.Fatalf("expected total 3, got %d", summary.Total)
	}
	if !summary.Start.Equal(time.Unix(0, 0)) || !summary.End.Equal(time.Unix(2, 0)) {
		t.Fatalf("unexpected window %s..%s", summary.Start, summary.End)
	}
	if summary.Request.Applied != 3 || summary.Request.Skipped != 1 {
		t.Fatalf("unexpected request counts %d/%d", summary.Request.Applied, summary.Request.Skipped)
	}

	wantApplied := []CountItem{{Key: "x-scope", Count: 2}, {Key: "x-tenant", Count: 1}}
	if diff := cmp.Diff(wantApplied, summary.Request.TopApplied); diff != "" {
		t.Fatalf("request top applied mismatch (-want +got):\n%s", diff)
	}
	wantOutcomes := []CountItem{{Key: "applied", Count: 1}, {Key: "not_run", Count: 1}, {Key: "route_unresolved", Count: 1}}
	if diff := cmp.Diff(wantOutcomes, summary.Response.Outcomes); diff != "" {
		t.Fatalf("response outcomes mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]CountItem{{Key: "render", Count: 1}}, summary.Request.SkipReasons); diff != "" {
		t.Fatalf("skip reasons mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]CountItem{{Key: "route-2", Count: 1}}, summary.TopUnrouted); diff != "" {
		t.Fatalf("unresolved routes mismatch (-want +got):\n%s", diff)
	}
	if summary.Latency.P50 != 20 || summary.Latency.P99 != 20 {
		t.Fatalf("unexpected latency %+v", summary.Latency)
	}
}

func TestSummarizeEmpty(t *testing.T) {
	if diff := cmp.Diff(Summary{}, Summarize(nil)); diff != "" {
		t.Fatalf("expected zero summary (-want +got):\n%s", diff)
	}
}

func TestReaderSince(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "exchanges.jsonl")

	logger, closeFn, err := logging.OpenExchangeLog(path)
	if err != nil {
		t.Fatalf("OpenExchangeLog error: %v", err)
	}
	for _, ex := range sampleExchanges() {
		if err := logger.Write(ex); err != nil {
			t.Fatalf("Write error: %v", err)
		}
	}
	if err := closeFn(); err != nil {
		t.Fatalf("close error: %v", err)
	}

	reader := &Reader{Since: time.Unix(1, 0)}
	exchanges, err := reader.Read(path)
	if err != nil {
		t.Fatalf("Read error: %v", err)
	}
	if len(exchanges) != 2 {
		t.Fatalf("expected 2 exchanges since t=1, got %d", len(exchanges))
	}
}

func TestReaderRejectsBadLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.jsonl")
	if err := os.WriteFile(path, []byte("{}\nnot json\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := (&Reader{}).Read(path)
	if err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Fatalf("expected line 2 error, got %v", err)
	}
}

func TestRender(t *testing.T) {
	summary := Summarize(sampleExchanges())

	text := RenderText(summary)
	for _, want := range []string{"Exchanges: 3", "Request headers: 3 applied, 1 skipped", "- api: 2"} {
		if !strings.Contains(text, want) {
			t.Fatalf("text report missing %q:\n%s", want, text)
		}
	}

	md := RenderMarkdown(summary)
	if !strings.HasPrefix(md, "# Header Mutation Report") || !strings.Contains(md, "## Unresolved routes") {
		t.Fatalf("unexpected markdown:\n%s", md)
	}

	if _, err := RenderJSON(summary); err != nil {
		t.Fatalf("expected json render ok: %v", err)
	}
}

func TestReaderFilters(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "exchanges.jsonl.1")
	second := filepath.Join(dir, "exchanges.jsonl")
	for i, path := range []string{first, second} {
		logger, closeFn, err := logging.OpenExchangeLog(path)
		if err != nil {
			t.Fatalf("OpenExchangeLog error: %v", err)
		}
		if err := logger.Write(sampleExchanges()[i]); err != nil {
			t.Fatalf("Write error: %v", err)
		}
		if err := logger.Write(sampleExchanges()[2]); err != nil {
			t.Fatalf("Write error: %v", err)
		}
		if err := closeFn(); err != nil {
			t.Fatalf("close error: %v", err)
		}
	}

	tests := []struct {
		name   string
		reader Reader
		want   int
	}{
		{name: "all", reader: Reader{}, want: 4},
		{name: "route", reader: Reader{Route: "api"}, want: 2},
		{name: "problems", reader: Reader{Problems: true}, want: 3},
		{name: "route and problems", reader: Reader{Route: "api", Problems: true}, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exchanges, err := tt.reader.ReadAll(first, second)
			if err != nil {
				t.Fatalf("ReadAll error: %v", err)
			}
			if len(exchanges) != tt.want {
				t.Fatalf("expected %d exchanges, got %d", tt.want, len(exchanges))
			}
		})
	}

	if _, err := (&Reader{}).ReadAll(first, filepath.Join(dir, "missing")); err == nil || !strings.Contains(err.Error(), "missing") {
		t.Fatalf("expected error naming the missing log, got %v", err)
	}
}

func TestSummarizeTop(t *testing.T) {
	summary := SummarizeTop(sampleExchanges(), 1)
	if diff := cmp.Diff([]CountItem{{Key: "api", Count: 2}}, summary.TopRoutes); diff != "" {
		t.Fatalf("top routes mismatch (-want +got):\n%s", diff)
	}
	if len(summary.Request.TopApplied) != 1 {
		t.Fatalf("expected one top applied header, got %v", summary.Request.TopApplied)
	}
}
