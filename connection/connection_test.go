package connection

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/snehar97/text/model"
)

// newTestEndpoint spins up an endpoint with per-path handlers; paths
// without a handler return 200 with an empty JSON object.
func newTestEndpoint(t *testing.T, handlers map[string]http.HandlerFunc) (*httptest.Server, *Transport) {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h, found := handlers[r.URL.Path]; found {
			h(w, r)
			return
		}
		w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)

	transport, err := NewTransport(srv.URL, srv.Client())
	require.NoError(t, err)

	return srv, transport
}

func defaultCreateHandler(t *testing.T) http.HandlerFunc {
	t.Helper()

	return func(w http.ResponseWriter, r *http.Request) {
		res := model.OpenResponse{
			Document: model.Document{ID: 42, LastSavedVersion: 7, CurrentVersion: 7},
			Session:  model.Session{ID: "session-1", LastContact: 100},
			State:    model.SessionState{DocumentSource: "hello"},
			IsPublic: true,
		}
		require.NoError(t, json.NewEncoder(w).Encode(res))
	}
}

// Test opens a session and checks the metadata snapshot.
func Test_Connection_Open(t *testing.T) {
	_, transport := newTestEndpoint(t, map[string]http.HandlerFunc{
		createPath: defaultCreateHandler(t),
	})

	conn, state, err := Open(context.Background(), transport, model.OpenRequest{FileID: 42}, nil)
	require.NoError(t, err)

	require.Equal(t, model.SessionID("session-1"), conn.SessionID())
	require.EqualValues(t, 7, conn.Document().LastSavedVersion)
	require.True(t, conn.IsPublic())
	require.Equal(t, "hello", state.DocumentSource)
}

// Test checks open failure statuses (404 unknown id, 412 missing identifier).
func Test_Connection_OpenFailures(t *testing.T) {
	for _, status := range []int{http.StatusNotFound, http.StatusPreconditionFailed} {
		_, transport := newTestEndpoint(t, map[string]http.HandlerFunc{
			createPath: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", status)
			},
		})

		_, _, err := Open(context.Background(), transport, model.OpenRequest{}, nil)
		require.Error(t, err)
		require.Equal(t, status, StatusOf(err))
		require.False(t, IsNoResponse(err))
	}
}

// Test checks that a refused connection classifies as no-response.
func Test_Connection_NoResponse(t *testing.T) {
	srv, transport := newTestEndpoint(t, nil)
	srv.Close()

	_, _, err := Open(context.Background(), transport, model.OpenRequest{FileID: 1}, nil)
	require.Error(t, err)
	require.True(t, IsNoResponse(err))
	require.Equal(t, 0, StatusOf(err))
}

// Test syncs and checks the metadata snapshot refresh.
func Test_Connection_Sync(t *testing.T) {
	_, transport := newTestEndpoint(t, map[string]http.HandlerFunc{
		createPath: defaultCreateHandler(t),
		syncPath: func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				SessionID model.SessionID `json:"sessionId"`
				model.SyncRequest
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			require.Equal(t, model.SessionID("session-1"), req.SessionID)
			require.EqualValues(t, 7, req.Version)

			res := model.SyncResponse{
				Document: model.Document{ID: 42, CurrentVersion: 9, LastSavedVersion: 8},
			}
			require.NoError(t, json.NewEncoder(w).Encode(res))
		},
	})

	conn, _, err := Open(context.Background(), transport, model.OpenRequest{FileID: 42}, nil)
	require.NoError(t, err)

	res, err := conn.Sync(context.Background(), model.SyncRequest{Version: 7})
	require.NoError(t, err)
	require.EqualValues(t, 9, res.Document.CurrentVersion)
	require.EqualValues(t, 8, conn.Document().LastSavedVersion)
}

// Test checks the push rejection payload decoding.
func Test_Connection_PushRejection(t *testing.T) {
	_, transport := newTestEndpoint(t, map[string]http.HandlerFunc{
		createPath: defaultCreateHandler(t),
		pushPath: func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"document":{"id":42,"currentVersion":7}}`))
		},
	})

	conn, _, err := Open(context.Background(), transport, model.OpenRequest{FileID: 42}, nil)
	require.NoError(t, err)

	err = conn.Push(context.Background(), model.PushRequest{Version: 7})
	require.Error(t, err)
	require.Equal(t, http.StatusForbidden, StatusOf(err))

	rejection := RejectionOf(err)
	require.NotNil(t, rejection.Document)
	require.EqualValues(t, 7, rejection.Document.CurrentVersion)
}

// Test checks that the rejection payload of a bodyless failure is empty.
func Test_Connection_PushRejectionEmpty(t *testing.T) {
	_, transport := newTestEndpoint(t, map[string]http.HandlerFunc{
		createPath: defaultCreateHandler(t),
		pushPath: func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		},
	})

	conn, _, err := Open(context.Background(), transport, model.OpenRequest{FileID: 42}, nil)
	require.NoError(t, err)

	err = conn.Push(context.Background(), model.PushRequest{})
	require.Error(t, err)
	require.Nil(t, RejectionOf(err).Document)
}

// Test checks that close hits the endpoint exactly once.
func Test_Connection_CloseIdempotent(t *testing.T) {
	closeCalls := int32(0)
	_, transport := newTestEndpoint(t, map[string]http.HandlerFunc{
		createPath: defaultCreateHandler(t),
		closePath: func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&closeCalls, 1)
			w.Write([]byte(`{}`))
		},
	})

	conn, _, err := Open(context.Background(), transport, model.OpenRequest{FileID: 42}, nil)
	require.NoError(t, err)

	require.NoError(t, conn.Close(context.Background()))
	require.NoError(t, conn.Close(context.Background()))
	require.EqualValues(t, 1, atomic.LoadInt32(&closeCalls))
}

// Test uploads an attachment and checks the multipart round trip.
func Test_Connection_UploadAttachment(t *testing.T) {
	_, transport := newTestEndpoint(t, map[string]http.HandlerFunc{
		createPath: defaultCreateHandler(t),
		attachPath: func(w http.ResponseWriter, r *http.Request) {
			file, header, err := r.FormFile("file")
			require.NoError(t, err)
			defer file.Close()

			require.Equal(t, "image.png", header.Filename)
			require.Equal(t, "session-1", r.FormValue("sessionId"))

			w.Write([]byte(`{"path":"attachments/image.png"}`))
		},
	})

	conn, _, err := Open(context.Background(), transport, model.OpenRequest{FileID: 42}, nil)
	require.NoError(t, err)

	path, err := conn.UploadAttachment(context.Background(), "image.png", strings.NewReader("pixels"))
	require.NoError(t, err)
	require.Equal(t, "attachments/image.png", path)
}
