package report

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/klyr/mutator/internal/logging"
)

// Summary aggregates an exchange log.
type Summary struct {
	Total        int            `json:"total"`
	Start        time.Time      `json:"start"`
	End          time.Time      `json:"end"`
	Request      PhaseSummary   `json:"request"`
	Response     PhaseSummary   `json:"response"`
	TopRoutes    []CountItem    `json:"top_routes"`
	TopStatus    []CountItem    `json:"top_status"`
	TopUnrouted  []CountItem    `json:"top_unresolved_routes"`
	Latency      LatencySummary `json:"latency"`
	UpstreamTime LatencySummary `json:"upstream_latency"`
}

// PhaseSummary counts what the header filter did in one direction.
type PhaseSummary struct {
	Outcomes    []CountItem `json:"outcomes"`
	Sources     []CountItem `json:"sources"`
	Applied     int         `json:"applied"`
	Skipped     int         `json:"skipped"`
	TopApplied  []CountItem `json:"top_applied"`
	TopSkipped  []CountItem `json:"top_skipped"`
	SkipReasons []CountItem `json:"skip_reasons"`
}

type CountItem struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

type LatencySummary struct {
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

const topN = 5

// Reader loads exchange logs, keeping only the entries that pass its
// filters.
type Reader struct {
	Since time.Time
	// Route keeps only exchanges matched to this route.
	Route string
	// Problems keeps only exchanges where a rule was skipped or a phase did
	// not apply its rules.
	Problems bool
}

// ReadAll reads each log in order, for example a rotated log followed by the
// live one.
func (r *Reader) ReadAll(paths ...string) ([]logging.Exchange, error) {
	var all []logging.Exchange
	for _, path := range paths {
		exchanges, err := r.Read(path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		all = append(all, exchanges...)
	}
	return all, nil
}

func (r *Reader) Read(path string) ([]logging.Exchange, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return r.decode(file)
}

func (r *Reader) decode(in io.Reader) ([]logging.Exchange, error) {
	var exchanges []logging.Exchange
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var ex logging.Exchange
		if err := json.Unmarshal([]byte(text), &ex); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if !r.keep(ex) {
			continue
		}
		exchanges = append(exchanges, ex)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return exchanges, nil
}

func (r *Reader) keep(ex logging.Exchange) bool {
	if !r.Since.IsZero() && ex.Timestamp.Before(r.Since) {
		return false
	}
	if r.Route != "" && ex.Route != r.Route {
		return false
	}
	if r.Problems && !hasProblem(ex.Request) && !hasProblem(ex.Response) {
		return false
	}
	return true
}

func hasProblem(p logging.Phase) bool {
	if len(p.Skipped) > 0 || p.Error != "" {
		return true
	}
	switch p.Outcome {
	case "route_unresolved", "decode_error":
		return true
	}
	return false
}

type phaseCounts struct {
	outcomes map[string]int
	sources  map[string]int
	applied  map[string]int
	skipped  map[string]int
	reasons  map[string]int
	summary  PhaseSummary
}

func newPhaseCounts() *phaseCounts {
	return &phaseCounts{
		outcomes: map[string]int{},
		sources:  map[string]int{},
		applied:  map[string]int{},
		skipped:  map[string]int{},
		reasons:  map[string]int{},
	}
}

func (c *phaseCounts) add(p logging.Phase) {
	if p.Outcome != "" {
		c.outcomes[p.Outcome]++
	}
	if p.Source != "" {
		c.sources[p.Source]++
	}
	for _, name := range p.Applied {
		c.applied[strings.ToLower(name)]++
		c.summary.Applied++
	}
	for _, s := range p.Skipped {
		c.skipped[strings.ToLower(s.Header)]++
		c.reasons[s.Reason]++
		c.summary.Skipped++
	}
}

func (c *phaseCounts) result(n int) PhaseSummary {
	out := c.summary
	out.Outcomes = topCounts(c.outcomes, len(c.outcomes))
	out.Sources = topCounts(c.sources, len(c.sources))
	out.TopApplied = topCounts(c.applied, n)
	out.TopSkipped = topCounts(c.skipped, n)
	out.SkipReasons = topCounts(c.reasons, len(c.reasons))
	return out
}

func Summarize(exchanges []logging.Exchange) Summary {
	return SummarizeTop(exchanges, topN)
}

// SummarizeTop is Summarize with n entries in each top list.
func SummarizeTop(exchanges []logging.Exchange, n int) Summary {
	if n <= 0 {
		n = topN
	}
	var summary Summary
	if len(exchanges) == 0 {
		return summary
	}

	summary.Start = exchanges[0].Timestamp
	summary.End = exchanges[0].Timestamp

	request := newPhaseCounts()
	response := newPhaseCounts()
	routeCounts := map[string]int{}
	statusCounts := map[string]int{}
	unrouted := map[string]int{}
	latencies := make([]int64, 0, len(exchanges))
	upstream := make([]int64, 0, len(exchanges))

	for _, ex := range exchanges {
		summary.Total++
		if ex.Timestamp.Before(summary.Start) {
			summary.Start = ex.Timestamp
		}
		if ex.Timestamp.After(summary.End) {
			summary.End = ex.Timestamp
		}

		request.add(ex.Request)
		response.add(ex.Response)

		if ex.Route != "" {
			routeCounts[ex.Route]++
		}
		if ex.StatusCode != 0 {
			statusCounts[fmt.Sprintf("%d", ex.StatusCode)]++
		}
		if ex.Request.Outcome == "route_unresolved" || ex.Response.Outcome == "route_unresolved" {
			unrouted[ex.Route]++
		}

		latencies = append(latencies, ex.DurationMS)
		upstream = append(upstream, ex.UpstreamMS)
	}

	summary.Request = request.result(n)
	summary.Response = response.result(n)
	summary.TopRoutes = topCounts(routeCounts, n)
	summary.TopStatus = topCounts(statusCounts, n)
	summary.TopUnrouted = topCounts(unrouted, n)
	summary.Latency = latencySummary(latencies)
	summary.UpstreamTime = latencySummary(upstream)

	return summary
}

func topCounts(counts map[string]int, n int) []CountItem {
	items := make([]CountItem, 0, len(counts))
	for key, count := range counts {
		items = append(items, CountItem{Key: key, Count: count})
	}
	if len(items) == 0 {
		return nil
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].Count == items[j].Count {
			return items[i].Key < items[j].Key
		}
		return items[i].Count > items[j].Count
	})

	if len(items) > n {
		items = items[:n]
	}
	return items
}

func latencySummary(values []int64) LatencySummary {
	if len(values) == 0 {
		return LatencySummary{}
	}
	sorted := make([]int64, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	return LatencySummary{
		P50: percentile(sorted, 0.50),
		P95: percentile(sorted, 0.95),
		P99: percentile(sorted, 0.99),
	}
}

func percentile(values []int64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	idx := int(float64(len(values)-1) * p)
	if idx < 0 {
		idx = 0
	}
	if idx >= len(values) {
		idx = len(values) - 1
	}
	return float64(values[idx])
}

func RenderText(summary Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Exchanges: %d\n", summary.Total)
	if summary.Total > 0 {
		fmt.Fprintf(&b, "Window: %s .. %s\n", summary.Start.Format(time.RFC3339), summary.End.Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "Latency p50/p95/p99 (ms): %.0f/%.0f/%.0f\n", summary.Latency.P50, summary.Latency.P95, summary.Latency.P99)
	fmt.Fprintf(&b, "Upstream p50/p95/p99 (ms): %.0f/%.0f/%.0f\n", summary.UpstreamTime.P50, summary.UpstreamTime.P95, summary.UpstreamTime.P99)

	writePhase(&b, "Request", summary.Request)
	writePhase(&b, "Response", summary.Response)
	writeCounts(&b, "Top routes", summary.TopRoutes)
	writeCounts(&b, "Status codes", summary.TopStatus)
	writeCounts(&b, "Unresolved routes", summary.TopUnrouted)

	return b.String()
}

func writePhase(b *strings.Builder, title string, p PhaseSummary) {
	fmt.Fprintf(b, "%s headers: %d applied, %d skipped\n", title, p.Applied, p.Skipped)
	writeCounts(b, title+" outcomes", p.Outcomes)
	writeCounts(b, title+" rule sources", p.Sources)
	writeCounts(b, title+" top applied", p.TopApplied)
	writeCounts(b, title+" top skipped", p.TopSkipped)
}

func RenderMarkdown(summary Summary) string {
	var b strings.Builder
	b.WriteString("# Header Mutation Report\n\n")
	b.WriteString("## Totals\n\n")
	fmt.Fprintf(&b, "- Exchanges: %d\n", summary.Total)
	fmt.Fprintf(&b, "- Request headers applied/skipped: %d/%d\n", summary.Request.Applied, summary.Request.Skipped)
	fmt.Fprintf(&b, "- Response headers applied/skipped: %d/%d\n", summary.Response.Applied, summary.Response.Skipped)
	fmt.Fprintf(&b, "- Latency p50/p95/p99 (ms): %.0f/%.0f/%.0f\n\n", summary.Latency.P50, summary.Latency.P95, summary.Latency.P99)

	writeCountsMarkdown(&b, "Request outcomes", summary.Request.Outcomes)
	writeCountsMarkdown(&b, "Response outcomes", summary.Response.Outcomes)
	writeCountsMarkdown(&b, "Top applied request headers", summary.Request.TopApplied)
	writeCountsMarkdown(&b, "Top applied response headers", summary.Response.TopApplied)
	writeCountsMarkdown(&b, "Skip reasons (request)", summary.Request.SkipReasons)
	writeCountsMarkdown(&b, "Skip reasons (response)", summary.Response.SkipReasons)
	writeCountsMarkdown(&b, "Top routes", summary.TopRoutes)
	writeCountsMarkdown(&b, "Unresolved routes", summary.TopUnrouted)

	return b.String()
}

func RenderJSON(summary Summary) ([]byte, error) {
	return json.MarshalIndent(summary, "", "  ")
}

func writeCounts(b *strings.Builder, title string, items []CountItem) {
	if len(items) == 0 {
		fmt.Fprintf(b, "%s: none\n", title)
		return
	}
	fmt.Fprintf(b, "%s:\n", title)
	for _, item := range items {
		fmt.Fprintf(b, "- %s: %d\n", item.Key, item.Count)
	}
}

func writeCountsMarkdown(b *strings.Builder, title string, items []CountItem) {
	b.WriteString("## ")
	b.WriteString(title)
	b.WriteString("\n\n")
	if len(items) == 0 {
		b.WriteString("- none\n\n")
		return
	}
	for _, item := range items {
		fmt.Fprintf(b, "- %s: %d\n", item.Key, item.Count)
	}
	b.WriteString("\n")
}

func WriteOutput(path string, content []byte) error {
	if path == "" {
		_, err := io.Copy(os.Stdout, bytes.NewReader(content))
		return err
	}
	return os.WriteFile(path, content, 0o600)
}
