package server

import (
	"sync"
	"time"

	movingaverage "github.com/RobinUS2/golang-moving-average"

	"github.com/snehar97/text/logging"
)

// Monitor keeps SessionService stats.
type Monitor struct {
	sync.Mutex
	logger        logging.Logger
	pushesServed  int
	syncsServed   int
	stepsAccepted int
	pushDur       *movingaverage.MovingAverage
	syncDur       *movingaverage.MovingAverage
	stopCh        chan struct{}
}

// NewMonitor creates a Monitor reporting through the given logger.
func NewMonitor(logger logging.Logger) *Monitor {
	return &Monitor{
		logger:  logger,
		pushDur: movingaverage.New(3),
		syncDur: movingaverage.New(3),
	}
}

// PushServed updates the accepted steps / push handling duration metrics.
func (m *Monitor) PushServed(count int, dur time.Duration) {
	m.Lock()
	defer m.Unlock()

	m.pushesServed++
	m.stepsAccepted += count
	m.pushDur.Add(float64(dur/time.Microsecond) / 1000.0)
}

// SyncServed updates the sync handling duration metric.
func (m *Monitor) SyncServed(count int, dur time.Duration) {
	m.Lock()
	defer m.Unlock()

	m.syncsServed++
	m.syncDur.Add(float64(dur/time.Microsecond) / 1000.0)
}

// Start starts the Monitor worker.
func (m *Monitor) Start() {
	m.Lock()
	defer m.Unlock()

	if m.stopCh != nil {
		return
	}
	m.stopCh = make(chan struct{})

	go m.worker(m.stopCh)
}

// Stop stops the Monitor worker.
func (m *Monitor) Stop() {
	m.Lock()
	defer m.Unlock()

	if m.stopCh == nil {
		return
	}
	close(m.stopCh)
	m.stopCh = nil
}

// worker does the actual job.
func (m *Monitor) worker(stopCh chan struct{}) {
	const period = 30 * time.Second

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			m.Lock()
			m.logger.Infof("monitor: pushes: %d, syncs: %d, steps accepted: %d, push dur [ms]: %.2f, sync dur [ms]: %.2f",
				m.pushesServed, m.syncsServed, m.stepsAccepted, m.pushDur.Avg(), m.syncDur.Avg())
			m.pushesServed = 0
			m.syncsServed = 0
			m.stepsAccepted = 0
			m.Unlock()
		}
	}
}
