// Package metrics is a small Prometheus text-format registry. Metrics must be
// registered before use; updates to unknown names or the wrong kind are ignored.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
)

type kind string

const (
	kindCounter   kind = "counter"
	kindGauge     kind = "gauge"
	kindHistogram kind = "histogram"
)

type sample struct {
	labels  map[string]string
	value   float64
	count   uint64
	buckets []uint64
}

type family struct {
	name    string
	help    string
	kind    kind
	bounds  []float64
	samples map[string]*sample
}

func (f *family) sample(labels map[string]string) *sample {
	key := labelsKey(labels)
	s, ok := f.samples[key]
	if !ok {
		s = &sample{labels: cloneLabels(labels)}
		if f.kind == kindHistogram {
			s.buckets = make([]uint64, len(f.bounds)+1)
		}
		f.samples[key] = s
	}
	return s
}

type Registry struct {
	mu       sync.RWMutex
	families map[string]*family
}

func NewRegistry() *Registry {
	r := &Registry{families: make(map[string]*family)}
	r.registerDefaults()
	return r
}

func (r *Registry) registerDefaults() {
	opBuckets := []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000}
	jobBuckets := []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}
	awsBuckets := []float64{25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000, 120000}

	r.RegisterCounter("tether_session_transitions_total", "Total applied session transitions by operation and resulting status.")
	r.RegisterCounter("tether_session_intents_rejected_total", "Total rejected session intents by operation and error code.")
	r.RegisterHistogram("tether_session_op_latency_ms", "Coordinator operation latency in milliseconds by operation.", opBuckets)
	r.RegisterCounter("tether_timer_milestones_total", "Total timer milestones fired by threshold percent.")
	r.RegisterGauge("tether_active_timers", "Session timers currently running.")
	r.RegisterCounter("tether_drift_events_total", "Total persisted drift events by trigger and severity.")
	r.RegisterCounter("tether_events_dropped_total", "Total realtime events dropped because a session queue was full, by event type.")
	r.RegisterGauge("tether_ws_connections", "Open realtime websocket connections.")
	r.RegisterCounter("tether_job_runs_total", "Total background job runs by job and status.")
	r.RegisterHistogram("tether_job_duration_ms", "Background job duration in milliseconds by job.", jobBuckets)
	r.RegisterCounter("tether_room_provision_total", "Total media room provision attempts by provider and status.")
	r.RegisterCounter("tether_room_release_total", "Total media room release attempts by provider and status.")
	r.RegisterCounter("tether_aws_retries_total", "Total AWS retries by operation, region, and error code.")
	r.RegisterCounter("tether_aws_retry_exhausted_total", "Total AWS operations that exhausted retry attempts by operation and region.")
	r.RegisterCounter("tether_aws_operations_total", "Total AWS operation attempts by operation, region, and status.")
	r.RegisterHistogram("tether_aws_operation_latency_ms", "AWS operation latency in milliseconds by operation, region, and status.", awsBuckets)
}

func (r *Registry) register(name, help string, k kind, bounds []float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.families[name] = &family{
		name:    name,
		help:    help,
		kind:    k,
		bounds:  bounds,
		samples: make(map[string]*sample),
	}
}

func (r *Registry) RegisterCounter(name, help string) {
	r.register(name, help, kindCounter, nil)
}

func (r *Registry) RegisterGauge(name, help string) {
	r.register(name, help, kindGauge, nil)
}

func (r *Registry) RegisterHistogram(name, help string, buckets []float64) {
	bounds := append([]float64(nil), buckets...)
	sort.Float64s(bounds)
	r.register(name, help, kindHistogram, bounds)
}

// update runs fn on the sample for labels while holding the write lock.
func (r *Registry) update(name string, k kind, labels map[string]string, fn func(f *family, s *sample)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.families[name]
	if !ok || f.kind != k {
		return
	}
	fn(f, f.sample(labels))
}

func (r *Registry) IncCounter(name string, labels map[string]string) {
	r.update(name, kindCounter, labels, func(_ *family, s *sample) {
		s.value++
	})
}

// AddGauge shifts a gauge by delta; SetGauge replaces it.
func (r *Registry) AddGauge(name string, delta float64, labels map[string]string) {
	r.update(name, kindGauge, labels, func(_ *family, s *sample) {
		s.value += delta
	})
}

func (r *Registry) SetGauge(name string, value float64, labels map[string]string) {
	r.update(name, kindGauge, labels, func(_ *family, s *sample) {
		s.value = value
	})
}

func (r *Registry) ObserveHistogram(name string, value float64, labels map[string]string) {
	r.update(name, kindHistogram, labels, func(f *family, s *sample) {
		// Last slot is +Inf.
		idx := sort.SearchFloat64s(f.bounds, value)
		s.buckets[idx]++
		s.count++
		s.value += value
	})
}

func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = w.Write([]byte(r.Render()))
	})
}

func (r *Registry) Render() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.families))
	for name := range r.families {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		f := r.families[name]
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s %s\n", name, f.help, name, f.kind)

		keys := make([]string, 0, len(f.samples))
		for key := range f.samples {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			s := f.samples[key]
			if f.kind != kindHistogram {
				writeSample(&b, name, s.labels, formatFloat(s.value))
				continue
			}
			var cumulative uint64
			for i, n := range s.buckets {
				cumulative += n
				le := "+Inf"
				if i < len(f.bounds) {
					le = formatFloat(f.bounds[i])
				}
				withLE := cloneLabels(s.labels)
				withLE["le"] = le
				writeSample(&b, name+"_bucket", withLE, strconv.FormatUint(cumulative, 10))
			}
			writeSample(&b, name+"_sum", s.labels, formatFloat(s.value))
			writeSample(&b, name+"_count", s.labels, strconv.FormatUint(s.count, 10))
		}
	}
	return b.String()
}

func writeSample(b *strings.Builder, name string, labels map[string]string, value string) {
	b.WriteString(name)
	if len(labels) > 0 {
		keys := sortedKeys(labels)
		pairs := make([]string, 0, len(keys))
		for _, key := range keys {
			pairs = append(pairs, key+`="`+escapeLabel(labels[key])+`"`)
		}
		b.WriteString("{" + strings.Join(pairs, ",") + "}")
	}
	b.WriteString(" " + value + "\n")
}

func sortedKeys(labels map[string]string) []string {
	keys := make([]string, 0, len(labels))
	for key := range labels {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func labelsKey(labels map[string]string) string {
	var b strings.Builder
	for _, key := range sortedKeys(labels) {
		fmt.Fprintf(&b, "%s=%s;", key, labels[key])
	}
	return b.String()
}

func cloneLabels(in map[string]string) map[string]string {
	out := make(map[string]string, len(in)+1)
	for key, value := range in {
		out[key] = value
	}
	return out
}

var labelEscaper = strings.NewReplacer(`\`, `\\`, "\n", `\n`, `"`, `\"`)

func escapeLabel(v string) string {
	return labelEscaper.Replace(v)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

var (
	defaultMu       sync.Mutex
	defaultRegistry = NewRegistry()
)

func Default() *Registry {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultRegistry
}

func ResetDefaultForTest() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultRegistry = NewRegistry()
}
