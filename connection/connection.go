// Package connection implements the client side of the session contract:
// a negotiated collaboration session with open/push/sync/update/close
// operations over a stateless request/response transport.
package connection

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/snehar97/text/logging"
	"github.com/snehar97/text/model"
)

type (
	// Connection is one negotiated collaboration session. It owns the remote
	// identity (file id or share token + path) and the last-known remote
	// metadata snapshot. A Connection is exclusively owned by a single sync
	// service and closed exactly once.
	Connection struct {
		logger    logging.Logger
		transport *Transport
		target    model.OpenRequest

		mu       sync.Mutex
		session  model.Session
		document model.Document
		isPublic bool
		closed   bool
	}

	// Wire envelopes attaching the session identity to each call.
	syncEnvelope struct {
		SessionID model.SessionID `json:"sessionId"`
		model.SyncRequest
	}

	pushEnvelope struct {
		SessionID model.SessionID `json:"sessionId"`
		model.PushRequest
	}

	updateEnvelope struct {
		SessionID model.SessionID `json:"sessionId"`
		model.UpdateSessionRequest
	}

	closeEnvelope struct {
		SessionID model.SessionID `json:"sessionId"`
	}

	insertEnvelope struct {
		SessionID model.SessionID `json:"sessionId"`
		FilePath  string          `json:"filePath"`
	}

	attachmentResponse struct {
		Path string `json:"path"`
	}
)

// Open negotiates a new session for the target document.
// Fails with status 404 (unknown id) or 412 (missing identifier) among
// others; the state snapshot is returned alongside the connection.
func Open(ctx context.Context, transport *Transport, target model.OpenRequest, logger logging.Logger) (*Connection, model.SessionState, error) {
	if logger == nil {
		logger = logging.DefaultLogger()
	}

	res := model.OpenResponse{}
	if err := transport.post(ctx, createPath, target, &res); err != nil {
		return nil, model.SessionState{}, fmt.Errorf("session create: %w", err)
	}

	c := &Connection{
		logger:    logger,
		transport: transport,
		target:    target,
		session:   res.Session,
		document:  res.Document,
		isPublic:  res.IsPublic,
	}

	return c, res.State, nil
}

// FromSession builds a Connection around an already negotiated session
// (e.g. one delivered alongside the initial page load), skipping the create
// call.
func FromSession(transport *Transport, target model.OpenRequest, res model.OpenResponse, logger logging.Logger) (*Connection, model.SessionState) {
	if logger == nil {
		logger = logging.DefaultLogger()
	}

	c := &Connection{
		logger:    logger,
		transport: transport,
		target:    target,
		session:   res.Session,
		document:  res.Document,
		isPublic:  res.IsPublic,
	}

	return c, res.State
}

// String implements the stringer interface.
func (c *Connection) String() string {
	return fmt.Sprintf("Connection (%s)", c.SessionID())
}

// Document returns the last-known remote metadata snapshot.
func (c *Connection) Document() model.Document {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.document
}

// Session returns the negotiated session.
func (c *Connection) Session() model.Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.session
}

// SessionID returns the negotiated session id.
func (c *Connection) SessionID() model.SessionID {
	return c.Session().ID
}

// IsPublic reports whether the document was opened through a public share.
func (c *Connection) IsPublic() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.isPublic
}

// Sync fetches remote steps since req.Version, optionally carrying an
// autosave payload, and refreshes the remote metadata snapshot.
func (c *Connection) Sync(ctx context.Context, req model.SyncRequest) (*model.SyncResponse, error) {
	res := model.SyncResponse{}
	envelope := syncEnvelope{SessionID: c.SessionID(), SyncRequest: req}
	if err := c.transport.post(ctx, syncPath, envelope, &res); err != nil {
		return nil, fmt.Errorf("session sync: %w", err)
	}

	c.mu.Lock()
	c.document = res.Document
	c.mu.Unlock()

	return &res, nil
}

// Push sends local steps based on req.Version.
// Fails with status 403 (invalid/read-only session, payload may include the
// current remote version) or 409 (collision, payload includes the outside
// change).
func (c *Connection) Push(ctx context.Context, req model.PushRequest) error {
	envelope := pushEnvelope{SessionID: c.SessionID(), PushRequest: req}
	if err := c.transport.post(ctx, pushPath, envelope, nil); err != nil {
		return fmt.Errorf("session push: %w", err)
	}

	return nil
}

// Update renames the session guest.
func (c *Connection) Update(ctx context.Context, guestName string) error {
	res := model.UpdateSessionResponse{}
	envelope := updateEnvelope{
		SessionID:            c.SessionID(),
		UpdateSessionRequest: model.UpdateSessionRequest{GuestName: guestName},
	}
	if err := c.transport.post(ctx, updatePath, envelope, &res); err != nil {
		return fmt.Errorf("session update: %w", err)
	}

	c.mu.Lock()
	c.session = res.Session
	c.mu.Unlock()

	return nil
}

// UploadAttachment uploads a file within the session and returns its path.
func (c *Connection) UploadAttachment(ctx context.Context, fileName string, file io.Reader) (string, error) {
	fields := map[string]string{
		"sessionId": string(c.SessionID()),
		"fileId":    strconv.FormatInt(int64(c.Document().ID), 10),
	}

	res := attachmentResponse{}
	if err := c.transport.postMultipart(ctx, attachPath, fields, fileName, file, &res); err != nil {
		return "", fmt.Errorf("attachment upload: %w", err)
	}

	return res.Path, nil
}

// InsertAttachmentFile references an already stored file as an attachment.
func (c *Connection) InsertAttachmentFile(ctx context.Context, filePath string) (string, error) {
	res := attachmentResponse{}
	envelope := insertEnvelope{SessionID: c.SessionID(), FilePath: filePath}
	if err := c.transport.post(ctx, insertPath, envelope, &res); err != nil {
		return "", fmt.Errorf("attachment insert: %w", err)
	}

	return res.Path, nil
}

// Close terminates the session on the remote side. Repeated calls are
// no-ops: the session is closed exactly once.
func (c *Connection) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sessionID := c.session.ID
	c.mu.Unlock()

	if err := c.transport.post(ctx, closePath, closeEnvelope{SessionID: sessionID}, nil); err != nil {
		return fmt.Errorf("session close: %w", err)
	}

	return nil
}
