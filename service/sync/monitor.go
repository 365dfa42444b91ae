package sync

import (
	"sync"
	"time"

	movingaverage "github.com/RobinUS2/golang-moving-average"

	"github.com/snehar97/text/logging"
)

// Monitor keeps per-service sync stats.
type Monitor struct {
	sync.Mutex
	logger        logging.Logger
	pushDur       *movingaverage.MovingAverage
	fetchDur      *movingaverage.MovingAverage
	stepsSent     int
	stepsReceived int
	fetches       int
	stopCh        chan struct{}
}

// newMonitor creates a Monitor reporting through the given logger.
func newMonitor(logger logging.Logger) *Monitor {
	return &Monitor{
		logger:   logger,
		pushDur:  movingaverage.New(3),
		fetchDur: movingaverage.New(3),
	}
}

// PushDone updates the push duration / steps sent metrics.
func (m *Monitor) PushDone(count int, dur time.Duration) {
	m.Lock()
	defer m.Unlock()

	m.stepsSent += count
	m.pushDur.Add(float64(dur/time.Microsecond) / 1000.0)
}

// FetchDone updates the fetch duration / steps received metrics.
func (m *Monitor) FetchDone(count int, dur time.Duration) {
	m.Lock()
	defer m.Unlock()

	m.fetches++
	m.stepsReceived += count
	m.fetchDur.Add(float64(dur/time.Microsecond) / 1000.0)
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
			m.logger.Debugf("monitor: fetches: %d, steps sent/received: %d/%d, push dur [ms]: %.2f, fetch dur [ms]: %.2f",
				m.fetches, m.stepsSent, m.stepsReceived, m.pushDur.Avg(), m.fetchDur.Avg())
			m.fetches = 0
			m.stepsSent = 0
			m.stepsReceived = 0
			m.Unlock()
		}
	}
}
