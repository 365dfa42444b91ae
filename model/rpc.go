package model

import "encoding/json"

// Open a collaboration session.
type (
	OpenRequest struct {
		// Document to open (either by id or by share token + path)
		FileID FileID `json:"fileId,omitempty"`
		// Public share token
		ShareToken string `json:"shareToken,omitempty"`
		// Path within the share
		FilePath string `json:"filePath,omitempty"`
		// Guest display name
		GuestName string `json:"guestName,omitempty"`
	}

	OpenResponse struct {
		Document Document     `json:"document"`
		Session  Session      `json:"session"`
		State    SessionState `json:"state"`
		IsPublic bool         `json:"isPublic"`
	}
)

// Fetch remote steps, optionally bundling an autosave payload.
type (
	SyncRequest struct {
		// Local document version
		Version int64 `json:"version"`
		// Serialized content, attached when a save is due
		AutosaveContent string `json:"autosaveContent,omitempty"`
		// Opaque editor state, round-tripped verbatim (need not be JSON)
		DocumentState []byte `json:"documentState,omitempty"`
		// Save even if the content did not change
		Force bool `json:"force"`
		// Save was requested by the user
		ManualSave bool `json:"manualSave"`
	}

	SyncResponse struct {
		Document Document     `json:"document"`
		Sessions []Session    `json:"sessions"`
		Steps    []StepBucket `json:"steps"`
	}
)

// Push local steps.
type (
	PushRequest struct {
		// Opaque step payloads in apply order
		Steps []json.RawMessage `json:"steps"`
		// Version the steps are based on
		Version int64 `json:"version"`
	}

	// PushRejection is the payload of a failed push (403/409).
	PushRejection struct {
		Document      *Document `json:"document,omitempty"`
		OutsideChange string    `json:"outsideChange,omitempty"`
	}
)

// Update the session (guest rename).
type (
	UpdateSessionRequest struct {
		GuestName string `json:"guestName"`
	}

	UpdateSessionResponse struct {
		Session Session `json:"session"`
	}
)
