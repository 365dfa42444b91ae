package sync

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/snehar97/text/connection"
	"github.com/snehar97/text/logging"
	"github.com/snehar97/text/model"
)

const (
	// Driver tick granularity; the actual fetch cadence is interval-gated.
	fetchTick = 50 * time.Millisecond

	baseInterval         = 300 * time.Millisecond
	maxInterval          = 5 * time.Second
	singleEditorInterval = 5 * time.Second
	hiddenInterval       = 60 * time.Second

	autosavePeriod = 30 * time.Second
	// A collaborator is considered alive when its last contact falls within
	// 1.5x the hidden interval.
	aliveWindow = hiddenInterval * 3 / 2

	idleThreshold    = 1440 * time.Minute
	maxFetchRetries  = 5
	closeSaveTimeout = 2 * time.Second
)

// Backend drives periodic synchronization over the service connection: it
// decides the fetch cadence, bundles autosave payloads, interprets
// responses and classifies failures.
type Backend struct {
	svc        *Service
	logger     logging.Logger
	visibility Visibility

	// At most one fetch in flight, also under concurrent driver ticks.
	fetchActive atomic.Bool

	mu                     sync.Mutex
	interval               time.Duration
	lastPoll               time.Time
	lastSave               time.Time
	retries                int
	forcedSave             bool
	manualSave             bool
	initialLoadingFinished bool
	stopCh                 chan struct{}
	cancelVisibility       func()
}

// newBackend creates a Backend for the given service.
func newBackend(svc *Service, visibility Visibility, logger logging.Logger) *Backend {
	return &Backend{
		svc:        svc,
		logger:     logger,
		visibility: visibility,
		interval:   baseInterval,
	}
}

// Connect starts the fetch driver and registers the visibility observer.
// Calling Connect on a connected backend is a caller error: it is logged
// and ignored, a second driver is never spawned.
func (b *Backend) Connect() {
	b.mu.Lock()
	if b.stopCh != nil {
		b.mu.Unlock()
		b.logger.Warnf("connect: backend already connected")
		return
	}
	b.stopCh = make(chan struct{})
	b.interval = baseInterval
	b.lastPoll = time.Time{}
	b.lastSave = time.Now()
	b.retries = 0
	stopCh := b.stopCh
	b.mu.Unlock()

	cancel := b.visibility.Observe(b.onVisibility)
	b.mu.Lock()
	b.cancelVisibility = cancel
	b.mu.Unlock()

	b.svc.monitor.Start()
	go b.worker(stopCh)
}

// Disconnect stops the driver and removes the visibility observer.
// Idempotent.
func (b *Backend) Disconnect() {
	b.mu.Lock()
	if b.stopCh == nil {
		b.mu.Unlock()
		return
	}
	close(b.stopCh)
	b.stopCh = nil
	cancel := b.cancelVisibility
	b.cancelVisibility = nil
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	b.svc.monitor.Stop()
}

// Connected reports whether the fetch driver is running.
func (b *Backend) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.stopCh != nil
}

// RequestSave bundles a save payload with the next fetch; the fetch
// interval gate is bypassed.
func (b *Backend) RequestSave() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.manualSave = true
}

// ForceSave requests an unconditional save, reconnecting the backend when
// needed.
func (b *Backend) ForceSave() {
	b.mu.Lock()
	b.forcedSave = true
	connected := b.stopCh != nil
	b.mu.Unlock()

	if !connected {
		b.Connect()
	}
}

// Interval returns the current fetch cadence.
func (b *Backend) Interval() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.interval
}

// worker does the actual job.
func (b *Backend) worker(stopCh chan struct{}) {
	ticker := time.NewTicker(fetchTick)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			b.tick(time.Now())
		}
	}
}

// tick is the per-driver-tick fetch decision.
func (b *Backend) tick(now time.Time) {
	if !b.fetchActive.CompareAndSwap(false, true) {
		return
	}

	b.mu.Lock()
	savePending := b.forcedSave || b.manualSave
	if !savePending && now.Sub(b.lastPoll) < b.interval {
		b.mu.Unlock()
		b.fetchActive.Store(false)
		return
	}
	force := b.forcedSave
	manual := b.manualSave
	saveDue := savePending || now.Sub(b.lastSave) >= autosavePeriod
	b.mu.Unlock()

	b.fetch(now, saveDue, force, manual)
}

// fetch performs a single sync call and routes the outcome.
func (b *Backend) fetch(now time.Time, saveDue, force, manual bool) {
	defer func() {
		b.mu.Lock()
		b.lastPoll = time.Now()
		b.manualSave = false
		b.forcedSave = false
		b.mu.Unlock()
		b.fetchActive.Store(false)
	}()

	conn := b.svc.Connection()
	if conn == nil {
		return
	}

	req := model.SyncRequest{
		Version:    b.svc.Version(),
		Force:      force,
		ManualSave: manual,
	}
	if saveDue {
		content, documentState := b.svc.contentProvider()
		req.AutosaveContent = content
		req.DocumentState = documentState
	}

	prevSaved := conn.Document().LastSavedVersion

	start := time.Now()
	res, err := conn.Sync(context.Background(), req)
	if err != nil {
		b.handleFetchError(err)
		return
	}

	b.handleFetchResponse(now, prevSaved, res, time.Since(start))
}

// handleFetchResponse interprets a successful sync response.
func (b *Backend) handleFetchResponse(now time.Time, prevSaved int64, res *model.SyncResponse, dur time.Duration) {
	b.mu.Lock()
	b.retries = 0
	b.mu.Unlock()

	b.svc.monitor.FetchDone(len(res.Steps), dur)

	if res.Document.LastSavedVersion > prevSaved {
		b.mu.Lock()
		b.lastSave = now
		b.mu.Unlock()

		b.svc.bus.Emit(EventSave, SaveData{Document: res.Document})
	}

	b.svc.bus.Emit(EventChange, ChangeData{Document: res.Document, Sessions: res.Sessions})
	b.svc.setSessions(res.Sessions)

	if len(res.Steps) == 0 {
		b.mu.Lock()
		if !b.initialLoadingFinished {
			b.initialLoadingFinished = true
			if res.Document.LastSavedVersionTime > 0 {
				b.lastSave = time.Unix(res.Document.LastSavedVersionTime, 0)
			}
		}
		b.mu.Unlock()

		if b.svc.CheckIdle() {
			b.Disconnect()
			return
		}

		b.mu.Lock()
		if countAlive(res.Sessions, now) < 2 {
			b.interval = singleEditorInterval
		} else {
			b.interval = minDuration(b.interval*2, maxInterval)
		}
		b.mu.Unlock()

		b.svc.bus.Emit(EventStateChange, StateChangeData{Field: StateDirty, Value: false})
		b.svc.bus.Emit(EventStateChange, StateChangeData{Field: StateInitialLoading, Value: true})

		return
	}

	b.svc.receiveSteps(res)

	b.mu.Lock()
	b.forcedSave = false
	if b.initialLoadingFinished {
		b.interval = baseInterval
	}
	b.mu.Unlock()
}

// handleFetchError classifies a failed fetch per failure kind.
func (b *Backend) handleFetchError(err error) {
	if connection.IsNoResponse(err) {
		b.mu.Lock()
		b.retries++
		retries := b.retries
		b.mu.Unlock()

		if retries > maxFetchRetries {
			b.logger.Warnf("fetch: failed %d times: %v", retries, err)
			b.svc.bus.Emit(EventError, ErrorData{Type: model.ConnectionFailedError, Data: err})
			return
		}
		b.logger.Debugf("fetch: failed (%d/%d), retrying: %v", retries, maxFetchRetries, err)

		return
	}

	switch status := connection.StatusOf(err); status {
	case http.StatusConflict:
		b.logger.Warnf("fetch: save collision: %v", err)
		b.svc.bus.Emit(EventError, ErrorData{Type: model.SaveCollissionError, Data: connection.RejectionOf(err)})
		b.Disconnect()
	case http.StatusForbidden, http.StatusNotFound:
		b.logger.Warnf("fetch: source gone: %v", err)
		b.svc.bus.Emit(EventError, ErrorData{Type: model.SourceNotFoundError, Data: status})
		b.Disconnect()
	case http.StatusServiceUnavailable:
		b.mu.Lock()
		b.interval = minDuration(b.interval*2, maxInterval)
		b.mu.Unlock()

		b.logger.Warnf("fetch: service unavailable, backing off: %v", err)
		b.svc.bus.Emit(EventError, ErrorData{Type: model.ConnectionFailedError, Data: err})
	default:
		b.logger.Warnf("fetch: %v", err)
		b.svc.bus.Emit(EventError, ErrorData{Type: model.ConnectionFailedError, Data: err})
		b.Disconnect()
	}
}

// onVisibility adjusts the cadence on foreground/background transitions.
func (b *Backend) onVisibility(visible bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if visible {
		b.interval = baseInterval
	} else {
		b.interval = hiddenInterval
	}
}

// countAlive counts collaborators with a last contact within the alive
// window.
func countAlive(sessions []model.Session, now time.Time) int {
	cutoff := now.Add(-aliveWindow).Unix()

	alive := 0
	for _, session := range sessions {
		if session.AliveSince(cutoff) {
			alive++
		}
	}

	return alive
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}

	return b
}
