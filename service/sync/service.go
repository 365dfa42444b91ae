// Package sync implements the client-side synchronization core: it keeps a
// local document model consistent with a remote shared document by pushing
// local steps, polling for remote steps and deciding when to persist.
package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/snehar97/text/connection"
	"github.com/snehar97/text/logging"
	"github.com/snehar97/text/model"
)

// State is the sync service lifecycle state.
type State int

const (
	StateUnopened State = iota
	StateOpening
	StateOpen
	StateClosing
	StateClosed
)

type (
	// ContentProvider returns the serialized document content and the opaque
	// editor state bundled with autosave requests.
	ContentProvider func() (content string, documentState []byte)

	// Config configures a Service.
	Config struct {
		Transport       *connection.Transport
		ContentProvider ContentProvider
		// Optional; default in order: named logger, no-op notifier,
		// always-visible signal provider.
		Logger     logging.Logger
		Notifier   Notifier
		Visibility Visibility
	}

	// Service is the façade used by the editing surface. It owns the step
	// log, the version counter, the session roster and the event bus, and
	// delegates fetch timing to the polling Backend.
	Service struct {
		logger          logging.Logger
		bus             *Bus
		notifier        Notifier
		transport       *connection.Transport
		contentProvider ContentProvider
		monitor         *Monitor
		backend         *Backend

		mu           sync.Mutex
		state        State
		conn         *connection.Connection
		version      int64
		steps        []json.RawMessage
		stepSessions []model.SessionID
		sessions     []model.Session
		lastPushAt   time.Time

		// pushSlot holds a single token: exactly one push in flight.
		// connReady is closed once a connection is established; senders
		// block on it instead of polling.
		pushSlot      chan struct{}
		connReady     chan struct{}
		connReadyOnce sync.Once
	}
)

// NewService creates a new Service object.
func NewService(cfg Config) (*Service, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("%s: must be non-nil", "Transport")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New("sync")
	}
	if cfg.Notifier == nil {
		cfg.Notifier = NopNotifier{}
	}
	if cfg.Visibility == nil {
		cfg.Visibility = NewStaticVisibility(true)
	}
	if cfg.ContentProvider == nil {
		cfg.ContentProvider = func() (string, []byte) { return "", nil }
	}

	s := &Service{
		logger:          cfg.Logger,
		bus:             NewBus(),
		notifier:        cfg.Notifier,
		transport:       cfg.Transport,
		contentProvider: cfg.ContentProvider,
		monitor:         newMonitor(cfg.Logger),
		pushSlot:        make(chan struct{}, 1),
		connReady:       make(chan struct{}),
	}
	s.pushSlot <- struct{}{}
	s.backend = newBackend(s, cfg.Visibility, cfg.Logger)

	return s, nil
}

// On subscribes a handler to a service event.
func (s *Service) On(event EventType, fn Handler) Subscription {
	return s.bus.On(event, fn)
}

// Off unsubscribes a previously registered handler.
func (s *Service) Off(event EventType, id Subscription) {
	s.bus.Off(event, id)
}

// Emit delivers an event to subscribed handlers.
func (s *Service) Emit(event EventType, data interface{}) {
	s.bus.Emit(event, data)
}

// State returns the lifecycle state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// Version returns the current document version.
func (s *Service) Version() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.version
}

// Sessions returns the current collaborator roster.
func (s *Service) Sessions() []model.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions := make([]model.Session, len(s.sessions))
	copy(sessions, s.sessions)

	return sessions
}

// Connection returns the owned connection (nil before a successful Open).
func (s *Service) Connection() *connection.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.conn
}

// Open establishes a session for the target document, or reuses an already
// negotiated one when initial is non-nil. On failure the classified error
// is emitted on the bus (LOAD_ERROR for HTTP failures, CONNECTION_FAILED
// when no response was received) and returned. On success the version is
// reset from the remote metadata and opened/loaded events carry the initial
// state.
func (s *Service) Open(ctx context.Context, target model.OpenRequest, initial *model.OpenResponse) error {
	s.mu.Lock()
	if s.conn != nil || s.state == StateOpening {
		s.mu.Unlock()
		return nil
	}
	s.state = StateOpening
	s.mu.Unlock()

	var (
		conn  *connection.Connection
		state model.SessionState
		err   error
	)
	if initial != nil {
		conn, state = connection.FromSession(s.transport, target, *initial, s.logger)
	} else {
		conn, state, err = connection.Open(ctx, s.transport, target, s.logger)
	}
	if err != nil {
		s.mu.Lock()
		s.state = StateUnopened
		s.mu.Unlock()

		if connection.IsNoResponse(err) {
			s.bus.Emit(EventError, ErrorData{Type: model.ConnectionFailedError, Data: err})
		} else {
			s.bus.Emit(EventError, ErrorData{Type: model.LoadError, Data: connection.StatusOf(err)})
		}
		s.logger.Warnf("open: %v", err)

		return err
	}

	doc := conn.Document()

	s.mu.Lock()
	s.state = StateOpen
	s.conn = conn
	s.version = doc.LastSavedVersion
	s.lastPushAt = time.Now()
	s.mu.Unlock()
	s.connReadyOnce.Do(func() { close(s.connReady) })

	s.bus.Emit(EventOpened, OpenedData{
		Version:  doc.LastSavedVersion,
		Session:  conn.Session(),
		Document: doc,
	})
	s.bus.Emit(EventLoaded, LoadedData{
		Version:       doc.LastSavedVersion,
		Session:       conn.Session(),
		Document:      doc,
		Content:       state.DocumentSource,
		DocumentState: state.DocumentState,
	})

	return nil
}

// StartSync starts the polling backend fetch loop. It must not be called
// twice without an intervening stop (the backend logs and ignores the
// second call).
func (s *Service) StartSync() {
	s.backend.Connect()
}

// SendSteps pushes locally produced steps. The dirty state is emitted
// synchronously before any network activity. At most one push is in flight
// at a time: further senders block until the slot and the connection become
// available (bounded only by ctx). Sending on a closed service fails.
func (s *Service) SendSteps(ctx context.Context, produce func() (model.PushRequest, error)) error {
	s.bus.Emit(EventStateChange, StateChangeData{Field: StateDirty, Value: true})

	select {
	case <-s.connReady:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-s.pushSlot:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { s.pushSlot <- struct{}{} }()

	// The connection may have been closed while waiting for the slot
	conn := s.Connection()
	if conn == nil {
		return fmt.Errorf("connection closed")
	}

	req, err := produce()
	if err != nil {
		return fmt.Errorf("step producer: %w", err)
	}

	start := time.Now()
	if err := conn.Push(ctx, req); err != nil {
		s.classifyPushFailure(err)
		return err
	}

	s.mu.Lock()
	s.lastPushAt = time.Now()
	s.mu.Unlock()
	s.monitor.PushDone(len(req.Steps), time.Since(start))

	return nil
}

// classifyPushFailure routes a failed push per failure kind:
// no response -> CONNECTION_FAILED; 403 whose payload carries the current
// local version -> PUSH_FAILURE plus a transient notice; 403 without a
// document payload (read-only or invalid session) and everything else are
// logged only. There is no automatic payload retry.
func (s *Service) classifyPushFailure(err error) {
	if connection.IsNoResponse(err) {
		s.logger.Warnf("push: %v", err)
		s.bus.Emit(EventError, ErrorData{Type: model.ConnectionFailedError, Data: err})
		return
	}

	if connection.StatusOf(err) == 403 {
		rejection := connection.RejectionOf(err)
		if rejection.Document == nil {
			s.logger.Infof("push rejected: read-only or invalid session")
			return
		}
		if rejection.Document.CurrentVersion == s.Version() {
			s.bus.Emit(EventError, ErrorData{Type: model.PushFailureError, Data: rejection})
			s.notifier.Notify("Changes could not be saved, your version conflicts with the server")
			return
		}
	}

	s.logger.Warnf("push: %v", err)
}

// StepsSince returns the step log suffix from version onward alongside the
// matching originating-session slice.
func (s *Service) StepsSince(version int64) ([]json.RawMessage, []model.SessionID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if version < 0 {
		version = 0
	}
	if version > int64(len(s.steps)) {
		version = int64(len(s.steps))
	}

	steps := make([]json.RawMessage, len(s.steps[version:]))
	copy(steps, s.steps[version:])
	stepSessions := make([]model.SessionID, len(s.stepSessions[version:]))
	copy(stepSessions, s.stepSessions[version:])

	return steps, stepSessions
}

// receiveSteps applies fetched step buckets in transport order. The version
// advances to any higher bucket version; buckets whose payload is not a
// list are logged and skipped without corrupting the log. One sync event
// carries the newly applied steps.
func (s *Service) receiveSteps(res *model.SyncResponse) []model.Step {
	s.mu.Lock()

	newSteps := make([]model.Step, 0, len(res.Steps))
	for _, bucket := range res.Steps {
		if bucket.Version > s.version {
			s.version = bucket.Version
		}

		steps, err := bucket.Unpack()
		if err != nil {
			s.logger.Warnf("receive: %v", err)
			continue
		}

		for _, step := range steps {
			s.steps = append(s.steps, step.Data)
			s.stepSessions = append(s.stepSessions, step.SessionID)
			newSteps = append(newSteps, step)
		}
	}
	version := s.version

	s.mu.Unlock()

	s.bus.Emit(EventSync, SyncData{
		Steps:    newSteps,
		Version:  version,
		Document: res.Document,
	})

	return newSteps
}

// setSessions replaces the collaborator roster wholesale.
func (s *Service) setSessions(sessions []model.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions = sessions
}

// CheckIdle reports whether nobody pushed for longer than the idle
// threshold, emitting an idle event when so. Used to stop the polling
// escalation when no one is editing.
func (s *Service) CheckIdle() bool {
	s.mu.Lock()
	lastPushAt := s.lastPushAt
	s.mu.Unlock()

	if time.Since(lastPushAt) <= idleThreshold {
		return false
	}

	s.bus.Emit(EventIdle, nil)

	return true
}

// Save requests a save on the next fetch.
func (s *Service) Save() {
	s.backend.RequestSave()
}

// ForceSave requests an unconditional save, ensuring the backend is
// connected first.
func (s *Service) ForceSave() {
	s.backend.ForceSave()
}

// UploadAttachment uploads a file within the session.
func (s *Service) UploadAttachment(ctx context.Context, fileName string, file io.Reader) (string, error) {
	conn := s.Connection()
	if conn == nil {
		return "", fmt.Errorf("no connection")
	}

	return conn.UploadAttachment(ctx, fileName, file)
}

// InsertAttachmentFile references an already stored file as an attachment.
func (s *Service) InsertAttachmentFile(ctx context.Context, filePath string) (string, error) {
	conn := s.Connection()
	if conn == nil {
		return "", fmt.Errorf("no connection")
	}

	return conn.InsertAttachmentFile(ctx, filePath)
}

// Close requests a final save and waits for its acknowledgment (or the
// drain timeout, whichever comes first), then disconnects the backend and
// closes the connection. Close never fails: underlying errors are logged
// and swallowed.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateClosing || s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosing
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		saved := make(chan struct{}, 1)
		sub := s.bus.On(EventSave, func(Event) {
			select {
			case saved <- struct{}{}:
			default:
			}
		})

		s.Save()

		select {
		case <-saved:
		case <-time.After(closeSaveTimeout):
			s.logger.Infof("close: save not acknowledged within %v", closeSaveTimeout)
		case <-ctx.Done():
		}
		s.bus.Off(EventSave, sub)
	}

	s.backend.Disconnect()

	if conn != nil {
		if err := conn.Close(ctx); err != nil {
			s.logger.Warnf("close: %v", err)
		}
	}

	s.mu.Lock()
	s.state = StateClosed
	s.conn = nil
	s.mu.Unlock()

	return nil
}
