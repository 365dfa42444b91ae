package sync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/snehar97/text/connection"
	"github.com/snehar97/text/model"
)

type recordNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *recordNotifier) Notify(message string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.messages = append(n.messages, message)
}

func (n *recordNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()

	return len(n.messages)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, e)
}

func (r *eventRecorder) count(eventType EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, e := range r.events {
		if e.Type == eventType {
			n++
		}
	}

	return n
}

func (r *eventRecorder) last(eventType EventType) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == eventType {
			return r.events[i], true
		}
	}

	return Event{}, false
}

// newTestTransport spins up an endpoint with per-path handlers; the create
// path has a default negotiating a session for file 42 at version 0.
func newTestTransport(t *testing.T, handlers map[string]http.HandlerFunc) (*httptest.Server, *connection.Transport) {
	t.Helper()

	mux := map[string]http.HandlerFunc{
		"/session/create": func(w http.ResponseWriter, r *http.Request) {
			res := model.OpenResponse{
				Document: model.Document{ID: 42},
				Session:  model.Session{ID: "local", LastContact: time.Now().Unix()},
				State:    model.SessionState{DocumentSource: "base"},
			}
			require.NoError(t, json.NewEncoder(w).Encode(res))
		},
	}
	for path, h := range handlers {
		mux[path] = h
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h, found := mux[r.URL.Path]; found {
			h(w, r)
			return
		}
		w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)

	transport, err := connection.NewTransport(srv.URL, srv.Client())
	require.NoError(t, err)

	return srv, transport
}

func newTestService(t *testing.T, transport *connection.Transport, notifier Notifier) *Service {
	t.Helper()

	svc, err := NewService(Config{
		Transport: transport,
		Notifier:  notifier,
		ContentProvider: func() (string, []byte) {
			return "serialized content", []byte(`{"cursor":1}`)
		},
	})
	require.NoError(t, err)

	return svc
}

func openTestService(t *testing.T, handlers map[string]http.HandlerFunc, notifier Notifier) *Service {
	t.Helper()

	_, transport := newTestTransport(t, handlers)
	svc := newTestService(t, transport, notifier)
	require.NoError(t, svc.Open(context.Background(), model.OpenRequest{FileID: 42}, nil))

	return svc
}

func rawStep(t *testing.T, text string) json.RawMessage {
	t.Helper()

	raw, err := json.Marshal(map[string]string{"type": "insert", "text": text})
	require.NoError(t, err)

	return raw
}

func bucket(t *testing.T, version int64, sessionID model.SessionID, steps ...json.RawMessage) model.StepBucket {
	t.Helper()

	data, err := json.Marshal(steps)
	require.NoError(t, err)

	return model.StepBucket{Version: version, SessionID: sessionID, Data: data}
}

// Test opens a session and checks the emitted events and version reset.
func Test_Service_Open(t *testing.T) {
	_, transport := newTestTransport(t, map[string]http.HandlerFunc{
		"/session/create": func(w http.ResponseWriter, r *http.Request) {
			res := model.OpenResponse{
				Document: model.Document{ID: 42, LastSavedVersion: 5, CurrentVersion: 5},
				Session:  model.Session{ID: "local"},
				State:    model.SessionState{DocumentSource: "hello", DocumentState: []byte(`{"x":1}`)},
			}
			require.NoError(t, json.NewEncoder(w).Encode(res))
		},
	})
	svc := newTestService(t, transport, nil)

	recorder := &eventRecorder{}
	svc.On(EventOpened, recorder.record)
	svc.On(EventLoaded, recorder.record)

	require.NoError(t, svc.Open(context.Background(), model.OpenRequest{FileID: 42}, nil))

	require.Equal(t, StateOpen, svc.State())
	require.EqualValues(t, 5, svc.Version())
	require.Equal(t, 1, recorder.count(EventOpened))

	loaded, found := recorder.last(EventLoaded)
	require.True(t, found)
	data := loaded.Data.(LoadedData)
	require.Equal(t, "hello", data.Content)
	require.EqualValues(t, 5, data.Version)

	// a second open reuses the connection
	require.NoError(t, svc.Open(context.Background(), model.OpenRequest{FileID: 42}, nil))
	require.Equal(t, 1, recorder.count(EventOpened))
}

// Test checks open failure classification: HTTP failures surface as
// LOAD_ERROR, missing responses as CONNECTION_FAILED. Open never panics
// across the boundary, it emits and returns.
func Test_Service_OpenFailures(t *testing.T) {
	// 404
	{
		_, transport := newTestTransport(t, map[string]http.HandlerFunc{
			"/session/create": func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "gone", http.StatusNotFound)
			},
		})
		svc := newTestService(t, transport, nil)

		recorder := &eventRecorder{}
		svc.On(EventError, recorder.record)

		require.Error(t, svc.Open(context.Background(), model.OpenRequest{FileID: 42}, nil))
		require.Equal(t, StateUnopened, svc.State())

		event, found := recorder.last(EventError)
		require.True(t, found)
		require.Equal(t, model.LoadError, event.Data.(ErrorData).Type)
	}

	// no response
	{
		srv, transport := newTestTransport(t, nil)
		srv.Close()
		svc := newTestService(t, transport, nil)

		recorder := &eventRecorder{}
		svc.On(EventError, recorder.record)

		require.Error(t, svc.Open(context.Background(), model.OpenRequest{FileID: 42}, nil))

		event, found := recorder.last(EventError)
		require.True(t, found)
		require.Equal(t, model.ConnectionFailedError, event.Data.(ErrorData).Type)
	}
}

// Test opens with an already negotiated session: no create call is made.
func Test_Service_OpenInitialSession(t *testing.T) {
	createCalls := int32(0)
	_, transport := newTestTransport(t, map[string]http.HandlerFunc{
		"/session/create": func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&createCalls, 1)
			w.Write([]byte(`{}`))
		},
	})
	svc := newTestService(t, transport, nil)

	initial := &model.OpenResponse{
		Document: model.Document{ID: 42, LastSavedVersion: 3},
		Session:  model.Session{ID: "preloaded"},
		State:    model.SessionState{DocumentSource: "hello"},
	}
	require.NoError(t, svc.Open(context.Background(), model.OpenRequest{FileID: 42}, initial))

	require.EqualValues(t, 0, atomic.LoadInt32(&createCalls))
	require.EqualValues(t, 3, svc.Version())
	require.Equal(t, model.SessionID("preloaded"), svc.Connection().SessionID())
}

// Test applies step buckets and checks the step log invariants: log length
// equals the sum of bucket lengths, the version is the maximum seen and
// never decreases, malformed buckets are skipped without corrupting the
// log.
func Test_Service_ReceiveSteps(t *testing.T) {
	_, transport := newTestTransport(t, nil)
	svc := newTestService(t, transport, nil)

	recorder := &eventRecorder{}
	svc.On(EventSync, recorder.record)

	stepA, stepB, stepC := rawStep(t, "a"), rawStep(t, "b"), rawStep(t, "c")
	res := &model.SyncResponse{
		Document: model.Document{ID: 42, CurrentVersion: 2},
		Steps: []model.StepBucket{
			bucket(t, 1, "A", stepA, stepB),
			bucket(t, 2, "B", stepC),
		},
	}

	applied := svc.receiveSteps(res)
	require.Len(t, applied, 3)
	require.EqualValues(t, 2, svc.Version())

	steps, stepSessions := svc.StepsSince(0)
	require.Len(t, steps, 3)
	require.Len(t, stepSessions, 3)
	require.Equal(t, []model.SessionID{"A", "A", "B"}, stepSessions)
	require.JSONEq(t, string(stepA), string(steps[0]))
	require.JSONEq(t, string(stepB), string(steps[1]))
	require.JSONEq(t, string(stepC), string(steps[2]))

	event, found := recorder.last(EventSync)
	require.True(t, found)
	require.Len(t, event.Data.(SyncData).Steps, 3)
	require.EqualValues(t, 2, event.Data.(SyncData).Version)

	// a malformed bucket advances the version but contributes no steps
	svc.receiveSteps(&model.SyncResponse{
		Steps: []model.StepBucket{
			{Version: 5, SessionID: "C", Data: json.RawMessage(`{"not":"a list"}`)},
		},
	})
	require.EqualValues(t, 5, svc.Version())
	steps, stepSessions = svc.StepsSince(0)
	require.Len(t, steps, 3)
	require.Len(t, stepSessions, 3)

	// an older bucket never decreases the version
	svc.receiveSteps(&model.SyncResponse{
		Steps: []model.StepBucket{bucket(t, 4, "D", rawStep(t, "late"))},
	})
	require.EqualValues(t, 5, svc.Version())
	steps, _ = svc.StepsSince(0)
	require.Len(t, steps, 4)
}

// Test slices the step log.
func Test_Service_StepsSince(t *testing.T) {
	_, transport := newTestTransport(t, nil)
	svc := newTestService(t, transport, nil)

	svc.receiveSteps(&model.SyncResponse{
		Steps: []model.StepBucket{
			bucket(t, 1, "A", rawStep(t, "a")),
			bucket(t, 2, "B", rawStep(t, "b")),
		},
	})

	steps, stepSessions := svc.StepsSince(1)
	require.Len(t, steps, 1)
	require.Equal(t, []model.SessionID{"B"}, stepSessions)

	// out-of-range versions clamp
	steps, stepSessions = svc.StepsSince(10)
	require.Empty(t, steps)
	require.Empty(t, stepSessions)
	steps, _ = svc.StepsSince(-1)
	require.Len(t, steps, 2)
}

// Test checks push failure classification: a 403 carrying the current
// local version emits PUSH_FAILURE plus a transient notice, a bodyless 403
// is logged only, a missing response emits CONNECTION_FAILED immediately.
func Test_Service_SendStepsClassification(t *testing.T) {
	produce := func(svc *Service) func() (model.PushRequest, error) {
		return func() (model.PushRequest, error) {
			return model.PushRequest{
				Steps:   []json.RawMessage{rawStep(t, "x")},
				Version: svc.Version(),
			}, nil
		}
	}

	// 403 with matching current version
	{
		notifier := &recordNotifier{}
		svc := openTestService(t, map[string]http.HandlerFunc{
			"/session/push": func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusForbidden)
				w.Write([]byte(`{"document":{"id":42,"currentVersion":0}}`))
			},
		}, notifier)

		recorder := &eventRecorder{}
		svc.On(EventError, recorder.record)

		require.Error(t, svc.SendSteps(context.Background(), produce(svc)))
		require.Equal(t, 1, recorder.count(EventError))

		event, _ := recorder.last(EventError)
		require.Equal(t, model.PushFailureError, event.Data.(ErrorData).Type)
		require.Equal(t, 1, notifier.count())
	}

	// 403 without a document payload: read-only or invalid session
	{
		notifier := &recordNotifier{}
		svc := openTestService(t, map[string]http.HandlerFunc{
			"/session/push": func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusForbidden)
			},
		}, notifier)

		recorder := &eventRecorder{}
		svc.On(EventError, recorder.record)

		require.Error(t, svc.SendSteps(context.Background(), produce(svc)))
		require.Equal(t, 0, recorder.count(EventError))
		require.Equal(t, 0, notifier.count())
	}

	// 403 with a non-matching current version: logged only
	{
		svc := openTestService(t, map[string]http.HandlerFunc{
			"/session/push": func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusForbidden)
				w.Write([]byte(`{"document":{"id":42,"currentVersion":9}}`))
			},
		}, nil)

		recorder := &eventRecorder{}
		svc.On(EventError, recorder.record)

		require.Error(t, svc.SendSteps(context.Background(), produce(svc)))
		require.Equal(t, 0, recorder.count(EventError))
	}

	// no response
	{
		srv, transport := newTestTransport(t, nil)
		svc := newTestService(t, transport, nil)
		require.NoError(t, svc.Open(context.Background(), model.OpenRequest{FileID: 42}, nil))
		srv.Close()

		recorder := &eventRecorder{}
		svc.On(EventError, recorder.record)

		require.Error(t, svc.SendSteps(context.Background(), produce(svc)))
		require.Equal(t, 1, recorder.count(EventError))

		event, _ := recorder.last(EventError)
		require.Equal(t, model.ConnectionFailedError, event.Data.(ErrorData).Type)
	}
}

// Test checks that the dirty state is emitted before the push hits the
// wire.
func Test_Service_SendStepsDirtyFirst(t *testing.T) {
	var dirtySeen atomic.Bool
	var dirtyBeforePush atomic.Bool

	svc := openTestService(t, map[string]http.HandlerFunc{
		"/session/push": func(w http.ResponseWriter, r *http.Request) {
			dirtyBeforePush.Store(dirtySeen.Load())
			w.Write([]byte(`{}`))
		},
	}, nil)

	svc.On(EventStateChange, func(e Event) {
		data := e.Data.(StateChangeData)
		if data.Field == StateDirty && data.Value {
			dirtySeen.Store(true)
		}
	})

	err := svc.SendSteps(context.Background(), func() (model.PushRequest, error) {
		return model.PushRequest{Steps: []json.RawMessage{rawStep(t, "x")}}, nil
	})
	require.NoError(t, err)
	require.True(t, dirtyBeforePush.Load())
}

// Test checks that at most one push is in flight under concurrent senders.
func Test_Service_SendStepsSingleFlight(t *testing.T) {
	var inFlight, maxInFlight, served int32

	svc := openTestService(t, map[string]http.HandlerFunc{
		"/session/push": func(w http.ResponseWriter, r *http.Request) {
			current := atomic.AddInt32(&inFlight, 1)
			for {
				max := atomic.LoadInt32(&maxInFlight)
				if current <= max || atomic.CompareAndSwapInt32(&maxInFlight, max, current) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
			atomic.AddInt32(&served, 1)
			w.Write([]byte(`{}`))
		},
	}, nil)

	wg := sync.WaitGroup{}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := svc.SendSteps(context.Background(), func() (model.PushRequest, error) {
				return model.PushRequest{Steps: []json.RawMessage{rawStep(t, "x")}}, nil
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, atomic.LoadInt32(&maxInFlight))
	require.EqualValues(t, 4, atomic.LoadInt32(&served))
}

// Test checks that senders without a connection wait instead of failing.
func Test_Service_SendStepsWithoutConnection(t *testing.T) {
	_, transport := newTestTransport(t, nil)
	svc := newTestService(t, transport, nil)

	recorder := &eventRecorder{}
	svc.On(EventStateChange, recorder.record)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := svc.SendSteps(ctx, func() (model.PushRequest, error) {
		return model.PushRequest{}, nil
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	// the dirty state was still emitted synchronously
	require.Equal(t, 1, recorder.count(EventStateChange))
}

// Test checks that sending on a closed service fails instead of touching
// the torn-down connection.
func Test_Service_SendStepsAfterClose(t *testing.T) {
	var pushCalls atomic.Int32
	svc := openTestService(t, map[string]http.HandlerFunc{
		"/session/push": func(w http.ResponseWriter, r *http.Request) {
			pushCalls.Add(1)
			w.Write([]byte(`{}`))
		},
	}, nil)

	go func() {
		time.Sleep(50 * time.Millisecond)
		svc.Emit(EventSave, SaveData{})
	}()
	require.NoError(t, svc.Close(context.Background()))

	err := svc.SendSteps(context.Background(), func() (model.PushRequest, error) {
		return model.PushRequest{Steps: []json.RawMessage{rawStep(t, "x")}}, nil
	})
	require.Error(t, err)
	require.EqualValues(t, 0, pushCalls.Load())
}

// Test checks the idle detection threshold.
func Test_Service_CheckIdle(t *testing.T) {
	_, transport := newTestTransport(t, nil)
	svc := newTestService(t, transport, nil)

	recorder := &eventRecorder{}
	svc.On(EventIdle, recorder.record)

	svc.mu.Lock()
	svc.lastPushAt = time.Now()
	svc.mu.Unlock()
	require.False(t, svc.CheckIdle())
	require.Equal(t, 0, recorder.count(EventIdle))

	svc.mu.Lock()
	svc.lastPushAt = time.Now().Add(-idleThreshold - time.Minute)
	svc.mu.Unlock()
	require.True(t, svc.CheckIdle())
	require.Equal(t, 1, recorder.count(EventIdle))
}

// Test checks that close without a save acknowledgment resolves within the
// drain timeout and closes the connection.
func Test_Service_CloseTimeout(t *testing.T) {
	closeCalls := int32(0)
	svc := openTestService(t, map[string]http.HandlerFunc{
		"/session/close": func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&closeCalls, 1)
			w.Write([]byte(`{}`))
		},
	}, nil)

	start := time.Now()
	require.NoError(t, svc.Close(context.Background()))
	elapsed := time.Since(start)

	require.GreaterOrEqual(t, elapsed, closeSaveTimeout)
	require.Less(t, elapsed, closeSaveTimeout+time.Second)
	require.Equal(t, StateClosed, svc.State())
	require.EqualValues(t, 1, atomic.LoadInt32(&closeCalls))

	// close is idempotent and immediate the second time
	start = time.Now()
	require.NoError(t, svc.Close(context.Background()))
	require.Less(t, time.Since(start), 100*time.Millisecond)
	require.EqualValues(t, 1, atomic.LoadInt32(&closeCalls))
}

// Test checks that a save acknowledgment releases close early.
func Test_Service_CloseOnSaveAck(t *testing.T) {
	svc := openTestService(t, nil, nil)

	go func() {
		time.Sleep(100 * time.Millisecond)
		svc.Emit(EventSave, SaveData{})
	}()

	start := time.Now()
	require.NoError(t, svc.Close(context.Background()))
	require.Less(t, time.Since(start), closeSaveTimeout)
}
