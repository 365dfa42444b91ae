package model

type (
	// FileID identifies a document on the remote side.
	FileID int64

	// SessionID identifies a negotiated collaboration session.
	SessionID string
)

// ErrorType classifies failures surfaced to the editing surface.
type ErrorType int

const (
	SaveCollissionError ErrorType = iota
	PushFailureError
	LoadError
	ConnectionFailedError
	SourceNotFoundError
)

// String implements the stringer interface.
func (t ErrorType) String() string {
	switch t {
	case SaveCollissionError:
		return "SAVE_COLLISSION"
	case PushFailureError:
		return "PUSH_FAILURE"
	case LoadError:
		return "LOAD_ERROR"
	case ConnectionFailedError:
		return "CONNECTION_FAILED"
	case SourceNotFoundError:
		return "SOURCE_NOT_FOUND"
	}

	return "UNKNOWN"
}
