package observability

import (
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"sync"
)

// family is one counter or gauge with its series keyed by rendered labels.
type family struct {
	name   string
	help   string
	kind   string
	labels []string

	mu     sync.Mutex
	series map[string]float64
}

func newCounter(name, help string, labels ...string) *family {
	return &family{name: name, help: help, kind: "counter", labels: labels, series: map[string]float64{}}
}

func newGauge(name, help string, labels ...string) *family {
	return &family{name: name, help: help, kind: "gauge", labels: labels, series: map[string]float64{}}
}

func (f *family) add(d float64, values ...string) {
	key := renderLabels(f.labels, values)
	f.mu.Lock()
	f.series[key] += d
	f.mu.Unlock()
}

func (f *family) set(v float64, values ...string) {
	key := renderLabels(f.labels, values)
	f.mu.Lock()
	f.series[key] = v
	f.mu.Unlock()
}

func (f *family) WritePrometheus(w io.Writer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := writeHeader(w, f.name, f.help, f.kind); err != nil {
		return err
	}
	for _, key := range sortedKeys(f.series) {
		if _, err := fmt.Fprintf(w, "%s%s %s\n", f.name, key, formatValue(f.series[key])); err != nil {
			return err
		}
	}
	return nil
}

// histogram keeps cumulative bucket counts per label set.
type histogram struct {
	name   string
	help   string
	labels []string
	bounds []float64

	mu     sync.Mutex
	series map[string]*histSeries
}

type histSeries struct {
	values []string
	counts []uint64
	count  uint64
	sum    float64
}

func newHistogram(name, help string, bounds []float64, labels ...string) *histogram {
	return &histogram{name: name, help: help, labels: labels, bounds: bounds, series: map[string]*histSeries{}}
}

func (h *histogram) observe(v float64, values ...string) {
	key := renderLabels(h.labels, values)
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.series[key]
	if !ok {
		vals := make([]string, len(h.labels))
		for i := range vals {
			vals[i] = "unknown"
			if i < len(values) {
				vals[i] = values[i]
			}
		}
		s = &histSeries{values: vals, counts: make([]uint64, len(h.bounds))}
		h.series[key] = s
	}
	for i, b := range h.bounds {
		if v <= b {
			s.counts[i]++
		}
	}
	s.count++
	s.sum += v
}

func (h *histogram) WritePrometheus(w io.Writer) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := writeHeader(w, h.name, h.help, "histogram"); err != nil {
		return err
	}
	names := append(slices.Clone(h.labels), "le")
	for _, key := range sortedKeys(h.series) {
		s := h.series[key]
		values := append(slices.Clone(s.values), "")
		for i, b := range h.bounds {
			values[len(values)-1] = formatValue(b)
			if _, err := fmt.Fprintf(w, "%s_bucket%s %d\n", h.name, renderLabels(names, values), s.counts[i]); err != nil {
				return err
			}
		}
		values[len(values)-1] = "+Inf"
		if _, err := fmt.Fprintf(w, "%s_bucket%s %d\n%s_sum%s %s\n%s_count%s %d\n",
			h.name, renderLabels(names, values), s.count,
			h.name, key, formatValue(s.sum),
			h.name, key, s.count); err != nil {
			return err
		}
	}
	return nil
}

func writeHeader(w io.Writer, name, help, kind string) error {
	_, err := fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s %s\n", name, help, name, kind)
	return err
}

// renderLabels formats {a="x",b="y"}. Missing values render as "unknown".
func renderLabels(names, values []string) string {
	if len(names) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteByte('{')
	for i, name := range names {
		if i > 0 {
			b.WriteByte(',')
		}
		v := "unknown"
		if i < len(values) {
			v = values[i]
		}
		b.WriteString(name)
		b.WriteString(`="`)
		b.WriteString(labelEscaper.Replace(v))
		b.WriteByte('"')
	}
	b.WriteByte('}')
	return b.String()
}

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
