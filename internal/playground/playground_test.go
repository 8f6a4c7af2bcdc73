package playground

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dispatch "github.com/Swind/go-dispatch"
	"github.com/Swind/go-dispatch/core"
)

func newDispatcher(t *testing.T) *dispatch.Dispatcher {
	t.Helper()
	d, err := dispatch.New(&core.SchedulerConfig{
		MinWorkers: 2,
		MaxWorkers: 16,
		Logger:     core.NewNoOpLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(d.Shutdown)
	return d
}

var testOptions = Options{
	Delay:      20 * time.Millisecond,
	Timeout:    200 * time.Millisecond,
	Readers:    3,
	BurstTasks: 32,
	BurstRate:  2000,
	BurstWidth: 4,
}

func indexOf(t *testing.T, lines []string, prefix string) int {
	t.Helper()
	for i, l := range lines {
		if strings.HasPrefix(l, prefix) {
			return i
		}
	}
	t.Fatalf("no line starting with %q in %q", prefix, lines)
	return -1
}

func TestScenariosAreListedByName(t *testing.T) {
	var names []string
	for _, s := range Scenarios() {
		names = append(names, s.Name)
		assert.NotEmpty(t, s.Description)
	}
	assert.Equal(t, []string{"burst", "deadlock", "dispatch-types", "qos", "thread-safe"}, names)
}

func TestRunUnknownScenario(t *testing.T) {
	_, err := Run(context.Background(), "nope", nil, nil, Options{})
	assert.ErrorContains(t, err, "unknown scenario")
}

func TestQoSHopsBackToMain(t *testing.T) {
	d := newDispatcher(t)
	var out bytes.Buffer

	tr, err := Run(context.Background(), "qos", d, &out, testOptions)

	require.NoError(t, err)
	assert.Equal(t, []string{
		"Now on a pool worker with QoS class: dispatch.root.utility",
		"And now back to: dispatch.main",
	}, tr.Lines())
	assert.Equal(t, strings.Join(tr.Lines(), "\n")+"\n", out.String())
}

func TestDispatchTypesOrdering(t *testing.T) {
	d := newDispatcher(t)

	tr, err := Run(context.Background(), "dispatch-types", d, nil, testOptions)

	require.NoError(t, err)
	lines := tr.Lines()
	require.Len(t, lines, 8)
	// Step 2 races steps 3 and 4, everything else is ordered.
	order := []string{"1.", "3.", "4.", "5.", "6.", "7.", "8."}
	for i := 1; i < len(order); i++ {
		assert.Less(t, indexOf(t, lines, order[i-1]), indexOf(t, lines, order[i]))
	}
	assert.Less(t, indexOf(t, lines, "2."), indexOf(t, lines, "5."))
	assert.Contains(t, lines[indexOf(t, lines, "5.")], "playground.bckg.worker")
	assert.Contains(t, lines[indexOf(t, lines, "8.")], dispatch.MainQueueLabel)
}

func TestDeadlockScenario(t *testing.T) {
	d := newDispatcher(t)

	tr, err := Run(context.Background(), "deadlock", d, nil, testOptions)

	require.NoError(t, err)
	assert.True(t, tr.Contains("onto itself refused") && tr.Contains("reentrant wait would deadlock"))
	assert.True(t, tr.Contains("gave up waiting on playground.deadlock.worker: context deadline exceeded"))
	assert.True(t, tr.Contains("supposedly running sync on playground.deadlock.worker"))
	assert.False(t, tr.Contains("deadlocked!!!"))
}

func TestThreadSafeScenario(t *testing.T) {
	d := newDispatcher(t)

	tr, err := Run(context.Background(), "thread-safe", d, nil, testOptions)

	require.NoError(t, err)
	lines := tr.Lines()
	assert.Equal(t, "Tyke the Puppy", lines[0])
	assert.True(t, tr.Contains("Latest shape:"))
	assert.True(t, strings.HasSuffix(lines[len(lines)-1], "(on "+dispatch.MainQueueLabel+")"))
	for _, l := range lines {
		if strings.HasPrefix(l, "Current shape: ") {
			assert.Contains(t, []string{"Current shape: Tom the Cat", "Current shape: Spike the Bulldog", "Current shape: Jerry the Mouse"}, l)
		}
	}
}

func TestBurstRespectsWidth(t *testing.T) {
	d := newDispatcher(t)

	tr, err := Run(context.Background(), "burst", d, nil, testOptions)

	require.NoError(t, err)
	assert.True(t, tr.Contains("submitted 32 tasks"))
	assert.True(t, tr.Contains("with width 4"))
}

func TestScenariosCanRepeatOnOneDispatcher(t *testing.T) {
	d := newDispatcher(t)

	for range 2 {
		_, err := Run(context.Background(), "dispatch-types", d, nil, testOptions)
		require.NoError(t, err)
	}
}
