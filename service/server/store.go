package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/snehar97/text/model"
)

type (
	// DocumentStore keeps one shared document: the accepted step buckets
	// (the version log), the session roster and the last saved state.
	DocumentStore struct {
		sync.RWMutex
		fileID               model.FileID
		content              string
		documentState        []byte
		version              int64
		lastSavedVersion     int64
		lastSavedVersionTime int64
		buckets              []model.StepBucket
		sessions             map[model.SessionID]*sessionInfo
		outsideChange        string
	}

	sessionInfo struct {
		session  model.Session
		readOnly bool
	}

	// RejectionError carries the HTTP status and payload of a rejected
	// session request.
	RejectionError struct {
		Status  int
		Payload model.PushRejection
	}
)

// Error implements the error interface.
func (e *RejectionError) Error() string {
	return fmt.Sprintf("rejected with status %d", e.Status)
}

// NewDocumentStore creates a store for the given document.
func NewDocumentStore(fileID model.FileID, content string) *DocumentStore {
	return &DocumentStore{
		fileID:               fileID,
		content:              content,
		lastSavedVersionTime: time.Now().Unix(),
		sessions:             make(map[model.SessionID]*sessionInfo),
	}
}

// document builds the metadata snapshot. Callers must hold the lock.
func (d *DocumentStore) document() model.Document {
	return model.Document{
		ID:                   d.fileID,
		CurrentVersion:       d.version,
		LastSavedVersion:     d.lastSavedVersion,
		LastSavedVersionTime: d.lastSavedVersionTime,
	}
}

// roster builds the session list. Callers must hold the lock.
func (d *DocumentStore) roster() []model.Session {
	sessions := make([]model.Session, 0, len(d.sessions))
	for _, info := range d.sessions {
		sessions = append(sessions, info.session)
	}

	return sessions
}

// CreateSession negotiates a new session and returns the initial state.
func (d *DocumentStore) CreateSession(guestName string) model.OpenResponse {
	d.Lock()
	defer d.Unlock()

	session := model.Session{
		ID:          model.SessionID(uuid.New().String()),
		DisplayName: guestName,
		Guest:       guestName != "",
		LastContact: time.Now().Unix(),
	}
	d.sessions[session.ID] = &sessionInfo{session: session}

	return model.OpenResponse{
		Document: d.document(),
		Session:  session,
		State: model.SessionState{
			DocumentSource: d.content,
			DocumentState:  d.documentState,
		},
	}
}

// touch refreshes the session last contact. Callers must hold the lock.
func (d *DocumentStore) touch(sessionID model.SessionID) (*sessionInfo, error) {
	info, found := d.sessions[sessionID]
	if !found {
		return nil, &RejectionError{Status: http.StatusForbidden}
	}
	info.session.LastContact = time.Now().Unix()

	return info, nil
}

// Push accepts a batch of steps as the next version.
func (d *DocumentStore) Push(sessionID model.SessionID, req model.PushRequest) error {
	d.Lock()
	defer d.Unlock()

	info, err := d.touch(sessionID)
	if err != nil {
		return err
	}
	if info.readOnly {
		return &RejectionError{Status: http.StatusForbidden}
	}

	if req.Version != d.version {
		doc := d.document()
		return &RejectionError{
			Status:  http.StatusForbidden,
			Payload: model.PushRejection{Document: &doc},
		}
	}

	data, err := json.Marshal(req.Steps)
	if err != nil {
		return fmt.Errorf("steps marshal: %w", err)
	}

	d.version++
	d.buckets = append(d.buckets, model.StepBucket{
		Version:   d.version,
		SessionID: sessionID,
		Data:      data,
	})

	return nil
}

// Sync returns the step buckets accepted after req.Version and persists a
// bundled autosave payload.
func (d *DocumentStore) Sync(sessionID model.SessionID, req model.SyncRequest) (*model.SyncResponse, error) {
	d.Lock()
	defer d.Unlock()

	if _, err := d.touch(sessionID); err != nil {
		return nil, err
	}

	if req.AutosaveContent != "" || req.Force || req.ManualSave {
		if d.outsideChange != "" {
			return nil, &RejectionError{
				Status:  http.StatusConflict,
				Payload: model.PushRejection{OutsideChange: d.outsideChange},
			}
		}

		if req.AutosaveContent != "" {
			d.content = req.AutosaveContent
		}
		if len(req.DocumentState) > 0 {
			d.documentState = req.DocumentState
		}
		if d.lastSavedVersion != d.version || req.Force || req.ManualSave {
			d.lastSavedVersion = d.version
			d.lastSavedVersionTime = time.Now().Unix()
		}
	}

	steps := make([]model.StepBucket, 0)
	for _, bucket := range d.buckets {
		if bucket.Version > req.Version {
			steps = append(steps, bucket)
		}
	}

	return &model.SyncResponse{
		Document: d.document(),
		Sessions: d.roster(),
		Steps:    steps,
	}, nil
}

// UpdateSession renames the session guest.
func (d *DocumentStore) UpdateSession(sessionID model.SessionID, guestName string) (model.Session, error) {
	d.Lock()
	defer d.Unlock()

	info, err := d.touch(sessionID)
	if err != nil {
		return model.Session{}, err
	}
	info.session.DisplayName = guestName

	return info.session, nil
}

// CloseSession removes the session from the roster. Unknown sessions are
// ignored so close stays idempotent.
func (d *DocumentStore) CloseSession(sessionID model.SessionID) {
	d.Lock()
	defer d.Unlock()

	delete(d.sessions, sessionID)
}

// SetReadOnly marks a session read-only (its pushes are rejected without a
// document payload).
func (d *DocumentStore) SetReadOnly(sessionID model.SessionID, readOnly bool) {
	d.Lock()
	defer d.Unlock()

	if info, found := d.sessions[sessionID]; found {
		info.readOnly = readOnly
	}
}

// SetOutsideChange marks the file as changed outside the collaboration;
// the next save attempt collides.
func (d *DocumentStore) SetOutsideChange(change string) {
	d.Lock()
	defer d.Unlock()

	d.outsideChange = change
}

// Content returns the last saved content.
func (d *DocumentStore) Content() string {
	d.RLock()
	defer d.RUnlock()

	return d.content
}

// Version returns the latest accepted version.
func (d *DocumentStore) Version() int64 {
	d.RLock()
	defer d.RUnlock()

	return d.version
}
