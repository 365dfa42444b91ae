// Package server implements an in-memory session endpoint speaking the
// connection contract, used by the demo CLI and integration tests.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"time"

	"github.com/google/uuid"

	"github.com/snehar97/text/logging"
	"github.com/snehar97/text/model"
)

type (
	// SessionService serves one shared document over stateless JSON
	// request/response calls.
	SessionService struct {
		logger  logging.Logger
		store   *DocumentStore
		monitor *Monitor
	}

	pushRequest struct {
		SessionID model.SessionID `json:"sessionId"`
		model.PushRequest
	}

	syncRequest struct {
		SessionID model.SessionID `json:"sessionId"`
		model.SyncRequest
	}

	updateRequest struct {
		SessionID model.SessionID `json:"sessionId"`
		model.UpdateSessionRequest
	}

	closeRequest struct {
		SessionID model.SessionID `json:"sessionId"`
	}

	insertRequest struct {
		SessionID model.SessionID `json:"sessionId"`
		FilePath  string          `json:"filePath"`
	}

	attachmentResponse struct {
		Path string `json:"path"`
	}
)

// NewSessionService creates a SessionService around the given store.
func NewSessionService(store *DocumentStore, logger logging.Logger) *SessionService {
	if logger == nil {
		logger = logging.New("server")
	}

	return &SessionService{
		logger:  logger,
		store:   store,
		monitor: NewMonitor(logger),
	}
}

// Store returns the underlying document store.
func (s *SessionService) Store() *DocumentStore {
	return s.store
}

// Monitor returns the service stats monitor.
func (s *SessionService) Monitor() *Monitor {
	return s.monitor
}

// Handler builds the endpoint route table.
func (s *SessionService) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/session/create", s.createHandler)
	mux.HandleFunc("/session/push", s.pushHandler)
	mux.HandleFunc("/session/sync", s.syncHandler)
	mux.HandleFunc("/session/update", s.updateHandler)
	mux.HandleFunc("/session/close", s.closeHandler)
	mux.HandleFunc("/attachment/upload", s.uploadHandler)
	mux.HandleFunc("/attachment/insert", s.insertHandler)

	return mux
}

func (s *SessionService) createHandler(w http.ResponseWriter, r *http.Request) {
	var req model.OpenRequest
	if !s.decode(w, r, &req) {
		return
	}

	if req.FileID == 0 && req.ShareToken == "" {
		http.Error(w, "missing document identifier", http.StatusPreconditionFailed)
		return
	}
	if req.FileID != 0 && req.FileID != s.store.fileID {
		http.Error(w, "unknown document", http.StatusNotFound)
		return
	}

	res := s.store.CreateSession(req.GuestName)
	s.logger.Infof("session %s created", res.Session.ID)
	s.writeJSON(w, res)
}

func (s *SessionService) pushHandler(w http.ResponseWriter, r *http.Request) {
	var req pushRequest
	if !s.decode(w, r, &req) {
		return
	}

	start := time.Now()
	if err := s.store.Push(req.SessionID, req.PushRequest); err != nil {
		s.writeError(w, err)
		return
	}
	s.monitor.PushServed(len(req.Steps), time.Since(start))

	s.writeJSON(w, struct{}{})
}

func (s *SessionService) syncHandler(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if !s.decode(w, r, &req) {
		return
	}

	start := time.Now()
	res, err := s.store.Sync(req.SessionID, req.SyncRequest)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.monitor.SyncServed(len(res.Steps), time.Since(start))

	s.writeJSON(w, res)
}

func (s *SessionService) updateHandler(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if !s.decode(w, r, &req) {
		return
	}

	session, err := s.store.UpdateSession(req.SessionID, req.GuestName)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, model.UpdateSessionResponse{Session: session})
}

func (s *SessionService) closeHandler(w http.ResponseWriter, r *http.Request) {
	var req closeRequest
	if !s.decode(w, r, &req) {
		return
	}

	s.store.CloseSession(req.SessionID)
	s.logger.Infof("session %s closed", req.SessionID)
	s.writeJSON(w, struct{}{})
}

func (s *SessionService) uploadHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "only POST allowed", http.StatusMethodNotAllowed)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	defer file.Close()

	// The demo endpoint does not persist attachment bytes.
	size, err := io.Copy(io.Discard, file)
	if err != nil {
		http.Error(w, "upload read failed", http.StatusInternalServerError)
		return
	}

	storedPath := path.Join("attachments", uuid.New().String(), header.Filename)
	s.logger.Infof("attachment %s stored (%d bytes)", storedPath, size)
	s.writeJSON(w, attachmentResponse{Path: storedPath})
}

func (s *SessionService) insertHandler(w http.ResponseWriter, r *http.Request) {
	var req insertRequest
	if !s.decode(w, r, &req) {
		return
	}

	s.writeJSON(w, attachmentResponse{Path: req.FilePath})
}

// decode parses the JSON request body; on failure the response is already
// written.
func (s *SessionService) decode(w http.ResponseWriter, r *http.Request, req interface{}) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "only POST allowed", http.StatusMethodNotAllowed)
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return false
	}

	return true
}

func (s *SessionService) writeJSON(w http.ResponseWriter, res interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(res); err != nil {
		s.logger.Warnf("response write: %v", err)
	}
}

// writeError maps store errors to the wire: rejections keep their status
// and JSON payload, everything else is a 500.
func (s *SessionService) writeError(w http.ResponseWriter, err error) {
	var rejection *RejectionError
	if errors.As(err, &rejection) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(rejection.Status)
		if encErr := json.NewEncoder(w).Encode(rejection.Payload); encErr != nil {
			s.logger.Warnf("rejection write: %v", encErr)
		}
		return
	}

	s.logger.Warnf("request failed: %v", err)
	http.Error(w, fmt.Sprintf("internal error: %v", err), http.StatusInternalServerError)
}
