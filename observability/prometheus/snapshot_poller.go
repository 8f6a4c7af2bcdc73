package prometheus

import (
	"context"
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/Swind/go-dispatch/core"
)

// QueueSnapshotProvider provides the current stats of one queue.
type QueueSnapshotProvider interface {
	Stats() core.QueueStats
}

// QueueSetProvider provides stats for a changing set of queues, such as
// every live queue of a Dispatcher.
type QueueSetProvider interface {
	QueueStats() []core.QueueStats
}

// PoolSnapshotProvider provides current pool stats snapshots.
type PoolSnapshotProvider interface {
	Stats() core.PoolStats
}

// SnapshotPoller periodically exports queue/pool Stats() snapshots into Prometheus gauges.
type SnapshotPoller struct {
	interval time.Duration

	queuesMu  sync.RWMutex
	queues    map[string]QueueSnapshotProvider
	queueSets []QueueSetProvider

	poolsMu sync.RWMutex
	pools   map[string]PoolSnapshotProvider

	queuePending        *prom.GaugeVec
	queueRunning        *prom.GaugeVec
	queueRejected       *prom.GaugeVec
	queueCompleted      *prom.GaugeVec
	queuePanicked       *prom.GaugeVec
	queueClosed         *prom.GaugeVec
	queueBarrierRunning *prom.GaugeVec

	poolQueued      *prom.GaugeVec
	poolActive      *prom.GaugeVec
	poolDelayed     *prom.GaugeVec
	poolWorkers     *prom.GaugeVec
	poolIdleWorkers *prom.GaugeVec
	poolOutstanding *prom.GaugeVec
	poolRunning     *prom.GaugeVec

	stateMu sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func newQueueGauge(name, help string) *prom.GaugeVec {
	return prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: defaultNamespace,
		Name:      name,
		Help:      help,
	}, []string{"queue", "discipline", "qos"})
}

func newPoolGauge(name, help string) *prom.GaugeVec {
	return prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: defaultNamespace,
		Name:      name,
		Help:      help,
	}, []string{"pool"})
}

// NewSnapshotPoller creates a snapshot poller and registers its collectors.
func NewSnapshotPoller(reg prom.Registerer, interval time.Duration) (*SnapshotPoller, error) {
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	if interval <= 0 {
		interval = time.Second
	}

	p := &SnapshotPoller{
		interval: interval,
		queues:   make(map[string]QueueSnapshotProvider),
		pools:    make(map[string]PoolSnapshotProvider),
	}

	gauges := []struct {
		target **prom.GaugeVec
		vec    *prom.GaugeVec
	}{
		{&p.queuePending, newQueueGauge("queue_pending", "Tasks waiting to start per queue.")},
		{&p.queueRunning, newQueueGauge("queue_running", "Tasks running per queue.")},
		{&p.queueRejected, newQueueGauge("queue_rejected_total", "Queue rejected submission count snapshot.")},
		{&p.queueCompleted, newQueueGauge("queue_completed_total", "Tasks that finished running per queue.")},
		{&p.queuePanicked, newQueueGauge("queue_panicked_total", "Tasks that panicked per queue.")},
		{&p.queueClosed, newQueueGauge("queue_closed", "Queue closed state (1=closed, 0=open).")},
		{&p.queueBarrierRunning, newQueueGauge("queue_barrier_running", "Whether a barrier is running (1) on the queue.")},
		{&p.poolQueued, newPoolGauge("pool_queued", "Ready tasks waiting for a worker per pool.")},
		{&p.poolActive, newPoolGauge("pool_active", "Active tasks per pool.")},
		{&p.poolDelayed, newPoolGauge("pool_delayed", "Delayed tasks per pool.")},
		{&p.poolWorkers, newPoolGauge("pool_workers", "Worker count per pool.")},
		{&p.poolIdleWorkers, newPoolGauge("pool_idle_workers", "Idle worker count per pool.")},
		{&p.poolOutstanding, newPoolGauge("pool_outstanding", "Admitted tasks not yet completed per pool.")},
		{&p.poolRunning, newPoolGauge("pool_running", "Pool running state (1=running, 0=stopped).")},
	}
	for _, g := range gauges {
		vec, err := registerCollector(reg, g.vec)
		if err != nil {
			return nil, err
		}
		*g.target = vec
	}
	return p, nil
}

// AddQueue adds or replaces a queue snapshot provider by name.
func (p *SnapshotPoller) AddQueue(name string, provider QueueSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	name = normalizeLabel(name, "queue")
	p.queuesMu.Lock()
	p.queues[name] = provider
	p.queuesMu.Unlock()
}

// AddQueueSet adds a provider whose queues are exported under their own labels.
func (p *SnapshotPoller) AddQueueSet(provider QueueSetProvider) {
	if p == nil || provider == nil {
		return
	}
	p.queuesMu.Lock()
	p.queueSets = append(p.queueSets, provider)
	p.queuesMu.Unlock()
}

// AddPool adds or replaces a pool snapshot provider by name.
func (p *SnapshotPoller) AddPool(name string, provider PoolSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	name = normalizeLabel(name, "pool")
	p.poolsMu.Lock()
	p.pools[name] = provider
	p.poolsMu.Unlock()
}

// Start begins periodic polling; repeated calls are no-ops.
func (p *SnapshotPoller) Start(ctx context.Context) {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if p.running {
		p.stateMu.Unlock()
		return
	}
	pollCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true
	p.stateMu.Unlock()

	go p.loop(pollCtx, p.done)
}

// Stop stops periodic polling; repeated calls are safe.
func (p *SnapshotPoller) Stop() {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if !p.running {
		p.stateMu.Unlock()
		return
	}
	cancel := p.cancel
	done := p.done
	p.stateMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	p.stateMu.Lock()
	p.running = false
	p.cancel = nil
	p.done = nil
	p.stateMu.Unlock()
}

func (p *SnapshotPoller) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.collectOnce()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.collectOnce()
		}
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func (p *SnapshotPoller) setQueue(name string, stats core.QueueStats) {
	labels := []string{name, stats.Discipline.String(), qosLabel(stats.QoS)}
	p.queuePending.WithLabelValues(labels...).Set(float64(stats.Pending))
	p.queueRunning.WithLabelValues(labels...).Set(float64(stats.Running))
	p.queueRejected.WithLabelValues(labels...).Set(float64(stats.Rejected))
	p.queueCompleted.WithLabelValues(labels...).Set(float64(stats.Completed))
	p.queuePanicked.WithLabelValues(labels...).Set(float64(stats.Panicked))
	p.queueClosed.WithLabelValues(labels...).Set(boolGauge(stats.Closed))
	p.queueBarrierRunning.WithLabelValues(labels...).Set(boolGauge(stats.BarrierRunning))
}

func (p *SnapshotPoller) collectOnce() {
	p.queuesMu.RLock()
	for name, provider := range p.queues {
		p.setQueue(name, provider.Stats())
	}
	for _, set := range p.queueSets {
		for _, stats := range set.QueueStats() {
			p.setQueue(normalizeLabel(stats.Label, "queue"), stats)
		}
	}
	p.queuesMu.RUnlock()

	p.poolsMu.RLock()
	for name, provider := range p.pools {
		stats := provider.Stats()
		p.poolQueued.WithLabelValues(name).Set(float64(stats.Queued))
		p.poolActive.WithLabelValues(name).Set(float64(stats.Active))
		p.poolDelayed.WithLabelValues(name).Set(float64(stats.Delayed))
		p.poolWorkers.WithLabelValues(name).Set(float64(stats.Workers))
		p.poolIdleWorkers.WithLabelValues(name).Set(float64(stats.IdleWorkers))
		p.poolOutstanding.WithLabelValues(name).Set(float64(stats.Outstanding))
		p.poolRunning.WithLabelValues(name).Set(boolGauge(stats.Running))
	}
	p.poolsMu.RUnlock()
}
