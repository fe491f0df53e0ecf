// Package telemetry records request and dispatch metrics and serves them in
// the Prometheus text exposition format.
package telemetry

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
)

var defaultDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// histogram stores non-cumulative bucket counts; export makes them
// cumulative.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64
	count        int64
	sum          uint64 // math.Float64bits
	mu           sync.Mutex
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{
		boundaries:   boundaries,
		bucketCounts: make([]int64, len(boundaries)),
	}
}

func (h *histogram) Observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	for {
		old := atomic.LoadUint64(&h.sum)
		if atomic.CompareAndSwapUint64(&h.sum, old, math.Float64bits(math.Float64frombits(old)+v)) {
			break
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			return
		}
	}
}

func (h *histogram) Count() int64 { return atomic.LoadInt64(&h.count) }

func (h *histogram) Sum() float64 { return math.Float64frombits(atomic.LoadUint64(&h.sum)) }

func (h *histogram) cumulativeBuckets() []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	cum := make([]int64, len(h.bucketCounts))
	var running int64
	for i, c := range h.bucketCounts {
		running += c
		cum[i] = running
	}
	return cum
}

// Labels are rendered in key order.
type Labels map[string]string

func (l Labels) String() string {
	if len(l) == 0 {
		return ""
	}
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%q", k, l[k])
	}
	return strings.Join(parts, ",")
}

type family struct {
	help    string
	typ     string
	buckets []float64
}

type gaugeFunc struct {
	help string
	fn   func() float64
}

// Provider holds every metric series for one process.
type Provider struct {
	namespace string

	mu         sync.RWMutex
	families   map[string]family
	counters   map[string]map[string]*int64 // name -> labels -> value
	histograms map[string]map[string]*histogram
	gauges     map[string]gaugeFunc

	activeRequests int64
}

func NewProvider(namespace string) *Provider {
	return &Provider{
		namespace:  namespace,
		families:   make(map[string]family),
		counters:   make(map[string]map[string]*int64),
		histograms: make(map[string]map[string]*histogram),
		gauges:     make(map[string]gaugeFunc),
	}
}

func (p *Provider) fullName(name string) string {
	if p.namespace == "" {
		return name
	}
	return p.namespace + "_" + name
}

// Describe sets the HELP text of a counter or histogram family.
func (p *Provider) Describe(name, help string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f := p.families[p.fullName(name)]
	f.help = help
	p.families[p.fullName(name)] = f
}

// DescribeHistogram sets the HELP text and bucket boundaries of a histogram
// family. Series observed before the call keep the default buckets.
func (p *Provider) DescribeHistogram(name, help string, buckets []float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.families[p.fullName(name)] = family{help: help, typ: "histogram", buckets: buckets}
}

// Inc adds one to the counter series name{labels}.
func (p *Provider) Inc(name string, labels Labels) {
	name = p.fullName(name)
	key := labels.String()

	p.mu.RLock()
	v := p.counters[name][key]
	p.mu.RUnlock()
	if v == nil {
		p.mu.Lock()
		if p.counters[name] == nil {
			p.counters[name] = make(map[string]*int64)
			f := p.families[name]
			f.typ = "counter"
			p.families[name] = f
		}
		if v = p.counters[name][key]; v == nil {
			v = new(int64)
			p.counters[name][key] = v
		}
		p.mu.Unlock()
	}
	atomic.AddInt64(v, 1)
}

// Counter returns the current value of name{labels}.
func (p *Provider) Counter(name string, labels Labels) int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if v := p.counters[p.fullName(name)][labels.String()]; v != nil {
		return atomic.LoadInt64(v)
	}
	return 0
}

// Observe records v in the histogram series name{labels}.
func (p *Provider) Observe(name string, labels Labels, v float64) {
	name = p.fullName(name)
	key := labels.String()

	p.mu.Lock()
	if p.histograms[name] == nil {
		p.histograms[name] = make(map[string]*histogram)
		f := p.families[name]
		f.typ = "histogram"
		p.families[name] = f
	}
	h := p.histograms[name][key]
	if h == nil {
		buckets := p.families[name].buckets
		if len(buckets) == 0 {
			buckets = defaultDurationBuckets
		}
		h = newHistogram(buckets)
		p.histograms[name][key] = h
	}
	p.mu.Unlock()
	h.Observe(v)
}

// GaugeFunc registers a gauge sampled at scrape time.
func (p *Provider) GaugeFunc(name, help string, fn func() float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gauges[p.fullName(name)] = gaugeFunc{help: help, fn: fn}
}

// Middleware records request counts and durations by route pattern.
func (p *Provider) Middleware() echo.MiddlewareFunc {
	p.Describe("http_requests_total", "HTTP requests by method, route and status.")
	p.Describe("http_request_duration_seconds", "HTTP request duration in seconds.")
	p.GaugeFunc("http_active_requests", "HTTP requests in flight.", func() float64 {
		return float64(atomic.LoadInt64(&p.activeRequests))
	})

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			atomic.AddInt64(&p.activeRequests, 1)
			start := time.Now()

			err := next(c)
			atomic.AddInt64(&p.activeRequests, -1)

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			labels := Labels{
				"method": c.Request().Method,
				"route":  route,
				"status": strconv.Itoa(statusOf(c, err)),
			}
			p.Inc("http_requests_total", labels)
			p.Observe("http_request_duration_seconds", labels, time.Since(start).Seconds())
			return err
		}
	}
}

// statusOf predicts the status echo will write for err.
func statusOf(c echo.Context, err error) int {
	if err == nil || c.Response().Committed {
		return c.Response().Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return http.StatusInternalServerError
}

// Handler serves every series in the Prometheus text format.
func (p *Provider) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.Blob(http.StatusOK, "text/plain; version=0.0.4; charset=utf-8", []byte(p.Render()))
	}
}

// Render writes the exposition text with families sorted by name.
func (p *Provider) Render() string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var b strings.Builder
	for _, name := range sortedKeys(p.counters) {
		writeHeader(&b, name, p.families[name].help, "counter")
		series := p.counters[name]
		for _, key := range sortedKeys(series) {
			fmt.Fprintf(&b, "%s%s %d\n", name, braces(key), atomic.LoadInt64(series[key]))
		}
	}
	for _, name := range sortedKeys(p.histograms) {
		writeHeader(&b, name, p.families[name].help, "histogram")
		series := p.histograms[name]
		for _, key := range sortedKeys(series) {
			writeHistogram(&b, name, key, series[key])
		}
	}
	for _, name := range sortedKeys(p.gauges) {
		g := p.gauges[name]
		writeHeader(&b, name, g.help, "gauge")
		fmt.Fprintf(&b, "%s %g\n", name, g.fn())
	}
	return b.String()
}

func writeHeader(b *strings.Builder, name, help, typ string) {
	if help != "" {
		fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	}
	fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)
}

func writeHistogram(b *strings.Builder, name, labels string, h *histogram) {
	prefix := ""
	if labels != "" {
		prefix = labels + ","
	}
	cum := h.cumulativeBuckets()
	for i, boundary := range h.boundaries {
		fmt.Fprintf(b, "%s_bucket{%sle=\"%g\"} %d\n", name, prefix, boundary, cum[i])
	}
	fmt.Fprintf(b, "%s_bucket{%sle=\"+Inf\"} %d\n", name, prefix, h.Count())
	fmt.Fprintf(b, "%s_sum%s %g\n", name, braces(labels), h.Sum())
	fmt.Fprintf(b, "%s_count%s %d\n", name, braces(labels), h.Count())
}

func braces(labels string) string {
	if labels == "" {
		return ""
	}
	return "{" + labels + "}"
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
