// Package metrics exposes supervisor counters in the Prometheus text format.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pmd/pmd/pkg/types"
)

// Collector provides a minimal Prometheus-compatible metrics exporter.
type Collector struct {
	startedAt time.Time

	eventsTotal atomic.Uint64
	byType      sync.Map // string -> *atomic.Uint64

	launches       atomic.Uint64
	launchFailures sync.Map // result code -> *atomic.Uint64
	exits          atomic.Uint64
	forced         atomic.Uint64
	journalErrors  atomic.Uint64
}

func New() *Collector {
	return &Collector{startedAt: time.Now().UTC()}
}

// Observe counts ev by type and feeds the lifecycle counters.
func (c *Collector) Observe(ev types.Event) {
	if c == nil {
		return
	}
	c.IncEvent(ev.Type)
	switch ev.Type {
	case types.EventProcessLaunched:
		c.launches.Add(1)
	case types.EventLaunchFailed:
		incKey(&c.launchFailures, fmt.Sprintf("0x%08X", ev.Result))
	case types.EventProcessExited:
		c.exits.Add(1)
	case types.EventProcessForced:
		c.forced.Add(1)
	}
}

func (c *Collector) IncEvent(eventType string) {
	if c == nil {
		return
	}
	c.eventsTotal.Add(1)
	if eventType == "" {
		eventType = "unknown"
	}
	incKey(&c.byType, eventType)
}

func (c *Collector) IncJournalError() {
	if c == nil {
		return
	}
	c.journalErrors.Add(1)
}

func incKey(m *sync.Map, key string) {
	ptr, _ := m.LoadOrStore(key, &atomic.Uint64{})
	ptr.(*atomic.Uint64).Add(1)
}

// HandlerOptions supplies gauges read at scrape time.
type HandlerOptions struct {
	RegistryUsed     func() int
	RegistryCapacity func() int
	DroppedEvents    func() int64
	Subscribers      func() int
}

func (c *Collector) Handler(opts HandlerOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		writeMetric(w, "pmd_up", "gauge", "Whether the pmd supervisor is running.", 1)
		writeMetric(w, "pmd_uptime_seconds", "gauge", "Seconds since the supervisor started.",
			uint64(time.Since(c.startedAt).Seconds()))
		writeMetric(w, "pmd_events_total", "counter", "Total number of lifecycle events emitted.", c.eventsTotal.Load())
		writeMetric(w, "pmd_launches_total", "counter", "Processes launched.", c.launches.Load())
		writeMetric(w, "pmd_exits_total", "counter", "Process deaths observed by the monitor.", c.exits.Load())
		writeMetric(w, "pmd_forced_terminations_total", "counter", "Processes terminated without a successful notification.", c.forced.Load())
		writeMetric(w, "pmd_journal_errors_total", "counter", "Journal append failures.", c.journalErrors.Load())

		writeLabelled(w, "pmd_launch_failures_total", "Failed launches by result code.", "result", &c.launchFailures)
		writeLabelled(w, "pmd_events_by_type_total", "Lifecycle events by type.", "type", &c.byType)

		if opts.RegistryUsed != nil {
			writeMetric(w, "pmd_registry_records", "gauge", "Process records in use.", uint64(opts.RegistryUsed()))
		}
		if opts.RegistryCapacity != nil {
			writeMetric(w, "pmd_registry_capacity", "gauge", "Process record slots.", uint64(opts.RegistryCapacity()))
		}
		if opts.DroppedEvents != nil {
			writeMetric(w, "pmd_events_dropped_total", "counter", "Events dropped for slow subscribers.", uint64(opts.DroppedEvents()))
		}
		if opts.Subscribers != nil {
			writeMetric(w, "pmd_event_subscribers", "gauge", "Active event stream subscribers.", uint64(opts.Subscribers()))
		}
	})
}

func writeMetric(w http.ResponseWriter, name, kind, help string, v uint64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, kind)
	fmt.Fprintf(w, "%s %d\n", name, v)
}

func writeLabelled(w http.ResponseWriter, name, help, label string, m *sync.Map) {
	keys := snapshotKeys(m)
	if len(keys) == 0 {
		return
	}
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s counter\n", name)
	for _, k := range keys {
		n := uint64(0)
		if ptr, ok := m.Load(k); ok {
			n = ptr.(*atomic.Uint64).Load()
		}
		fmt.Fprintf(w, "%s{%s=\"%s\"} %d\n", name, label, escapeLabelValue(k), n)
	}
}

func snapshotKeys(m *sync.Map) []string {
	var out []string
	m.Range(func(k, _ any) bool {
		if s, ok := k.(string); ok {
			out = append(out, s)
		}
		return true
	})
	sort.Strings(out)
	return out
}

func escapeLabelValue(v string) string {
	// Prometheus text format label escaping for " and \ and newlines.
	v = strings.ReplaceAll(v, "\\", "\\\\")
	v = strings.ReplaceAll(v, "\n", "\\n")
	v = strings.ReplaceAll(v, "\"", "\\\"")
	return v
}
