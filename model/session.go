package model

type (
	// Document is the last-known remote metadata snapshot.
	Document struct {
		ID                   FileID `json:"id"`
		CurrentVersion       int64  `json:"currentVersion"`
		LastSavedVersion     int64  `json:"lastSavedVersion"`
		LastSavedVersionTime int64  `json:"lastSavedVersionTime"`
	}

	// Session is a roster entry for a known collaborator.
	Session struct {
		ID          SessionID `json:"id"`
		DisplayName string    `json:"displayName"`
		Guest       bool      `json:"guest"`
		LastContact int64     `json:"lastContact"`
	}

	// SessionState carries the serialized document content alongside an
	// opaque editor-state blob which is round-tripped verbatim.
	SessionState struct {
		DocumentSource string `json:"documentSource"`
		DocumentState  []byte `json:"documentState,omitempty"`
	}
)

// AliveSince reports whether the collaborator was in contact after the
// given unix timestamp.
func (s Session) AliveSince(ts int64) bool {
	return s.LastContact >= ts
}
