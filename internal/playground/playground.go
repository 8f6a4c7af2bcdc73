// Package playground holds small runnable scenarios that walk through the
// dispatch API: hopping between QoS queues and the main queue, sync versus
// async submission, reentrant waits, barrier-protected state and bursts of
// work growing the pool.
package playground

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	dispatch "github.com/Swind/go-dispatch"
)

// Options tunes the scenarios. Zero values pick the defaults used by the CLI.
type Options struct {
	// Delay is how long dispatch-types waits before its delayed step.
	Delay time.Duration

	// Timeout bounds every wait a scenario performs, including the one the
	// deadlock scenario gives up on.
	Timeout time.Duration

	// Readers is the number of concurrent readers in thread-safe.
	Readers int

	// BurstTasks, BurstRate and BurstWidth shape the burst scenario.
	BurstTasks int
	BurstRate  float64
	BurstWidth int
}

func (o Options) withDefaults() Options {
	if o.Delay <= 0 {
		o.Delay = time.Second
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	if o.Readers <= 0 {
		o.Readers = 4
	}
	if o.BurstTasks <= 0 {
		o.BurstTasks = 64
	}
	if o.BurstRate <= 0 {
		o.BurstRate = 200
	}
	if o.BurstWidth <= 0 {
		o.BurstWidth = 8
	}
	return o
}

// Scenario is one runnable walkthrough.
type Scenario struct {
	Name        string
	Description string
	Run         func(ctx context.Context, d *dispatch.Dispatcher, t *Transcript, opts Options) error
}

var scenarios = map[string]Scenario{}

func register(s Scenario) {
	if _, dup := scenarios[s.Name]; dup {
		panic("playground: duplicate scenario " + s.Name)
	}
	scenarios[s.Name] = s
}

// Scenarios returns every scenario sorted by name.
func Scenarios() []Scenario {
	out := make([]Scenario, 0, len(scenarios))
	for _, s := range scenarios {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Lookup finds a scenario by name.
func Lookup(name string) (Scenario, bool) {
	s, ok := scenarios[name]
	return s, ok
}

// Run executes the named scenario on d and writes its transcript to w.
func Run(ctx context.Context, name string, d *dispatch.Dispatcher, w io.Writer, opts Options) (*Transcript, error) {
	s, ok := Lookup(name)
	if !ok {
		return nil, fmt.Errorf("unknown scenario %q", name)
	}
	t := NewTranscript(w)
	if err := s.Run(ctx, d, t, opts.withDefaults()); err != nil {
		return t, fmt.Errorf("scenario %s: %w", name, err)
	}
	return t, nil
}

// Transcript collects the lines a scenario prints. Tasks on different
// queues print concurrently, so lines are serialised here.
type Transcript struct {
	mu    sync.Mutex
	w     io.Writer
	lines []string
}

// NewTranscript echoes every line to w. A nil w only records.
func NewTranscript(w io.Writer) *Transcript {
	return &Transcript{w: w}
}

func (t *Transcript) Printf(format string, args ...any) {
	line := fmt.Sprintf(format, args...)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if t.w != nil {
		fmt.Fprintln(t.w, line)
	}
}

// Lines returns a copy of everything printed so far.
func (t *Transcript) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.lines...)
}

// Contains reports whether some line contains substr.
func (t *Transcript) Contains(substr string) bool {
	for _, l := range t.Lines() {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}

func labelOf(ctx context.Context) string {
	if label, ok := dispatch.CurrentQueueLabel(ctx); ok {
		return label
	}
	return "<no queue>"
}

// await blocks until done closes, ctx ends or timeout elapses.
func await(ctx context.Context, done <-chan struct{}, timeout time.Duration, what string) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %s: %w", what, ctx.Err())
	}
}

// tempQueue creates a queue that is closed when the scenario ends, so that
// scenarios can run repeatedly on one Dispatcher.
func tempQueue(d *dispatch.Dispatcher, label string, discipline dispatch.Discipline, qos dispatch.QoSClass, opts ...dispatch.QueueOption) (*dispatch.WorkQueue, func(), error) {
	q, err := d.CreateQueue(label, discipline, qos, opts...)
	if err != nil {
		return nil, nil, err
	}
	return q, q.Close, nil
}
