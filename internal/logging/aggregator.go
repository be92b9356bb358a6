package logging

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

type aggregateKey struct {
	component string
	event     string
}

type aggregateEntry struct {
	count int64
	// perAgent counts records carrying an "agent" attribute.
	perAgent map[string]int64
	last     []slog.Attr
}

// Aggregator batches high-frequency events such as poll-loop
// classifications and emits one summary per event per interval, with a
// per-agent breakdown.
type Aggregator struct {
	logger   *slog.Logger
	interval time.Duration

	mu      sync.Mutex
	entries map[aggregateKey]*aggregateEntry

	done chan struct{}
	wg   sync.WaitGroup
}

// NewAggregator creates an aggregator that flushes every interval. With a
// nil logger recorded events are dropped.
func NewAggregator(logger *slog.Logger, interval time.Duration) *Aggregator {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Aggregator{
		logger:   logger,
		interval: interval,
		entries:  make(map[aggregateKey]*aggregateEntry),
		done:     make(chan struct{}),
	}
}

func (a *Aggregator) Start() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				a.flush()
			case <-a.done:
				return
			}
		}
	}()
}

// Stop ends the flush loop and emits whatever is pending.
func (a *Aggregator) Stop() {
	close(a.done)
	a.wg.Wait()
	a.flush()
}

// Record counts one occurrence of event. The latest non-agent fields are
// kept for the summary.
func (a *Aggregator) Record(component, event string, fields ...slog.Attr) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := aggregateKey{component: component, event: event}
	e, ok := a.entries[key]
	if !ok {
		e = &aggregateEntry{perAgent: map[string]int64{}}
		a.entries[key] = e
	}
	e.count++
	var rest []slog.Attr
	for _, f := range fields {
		if f.Key == "agent" {
			e.perAgent[f.Value.String()]++
			continue
		}
		rest = append(rest, f)
	}
	if len(rest) > 0 {
		e.last = rest
	}
}

func (a *Aggregator) flush() {
	a.mu.Lock()
	entries := a.entries
	a.entries = make(map[aggregateKey]*aggregateEntry)
	a.mu.Unlock()

	if a.logger == nil || len(entries) == 0 {
		return
	}

	keys := make([]aggregateKey, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].component != keys[j].component {
			return keys[i].component < keys[j].component
		}
		return keys[i].event < keys[j].event
	})

	for _, key := range keys {
		e := entries[key]
		attrs := []any{
			slog.String("component", key.component),
			slog.String("event", key.event),
			slog.Int64("count", e.count),
			slog.Duration("window", a.interval),
		}
		if len(e.perAgent) > 0 {
			attrs = append(attrs, slog.String("agents", formatAgentCounts(e.perAgent)))
		}
		for _, f := range e.last {
			attrs = append(attrs, f)
		}
		a.logger.Info("event_summary", attrs...)
	}
}

// formatAgentCounts renders {"qa":1,"dev":3} as "dev=3,qa=1".
func formatAgentCounts(counts map[string]int64) string {
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = fmt.Sprintf("%s=%d", name, counts[name])
	}
	return strings.Join(parts, ",")
}
