package model

import (
	"encoding/json"
	"fmt"
)

type (
	// Step is an atomic opaque edit operation tagged with the accepted
	// document version and the originating collaborator session.
	Step struct {
		Data      json.RawMessage
		SessionID SessionID
		Version   int64
	}

	// StepBucket is the wire form of a batch of steps accepted by the remote
	// side as a single version. Data is expected to hold a JSON array of
	// opaque step payloads.
	StepBucket struct {
		Version   int64           `json:"version"`
		SessionID SessionID       `json:"sessionId"`
		Data      json.RawMessage `json:"data"`
	}
)

// Unpack decodes the bucket payload into individual Step objects.
// Buckets whose payload is not a JSON list are rejected.
func (b StepBucket) Unpack() ([]Step, error) {
	var payloads []json.RawMessage
	if err := json.Unmarshal(b.Data, &payloads); err != nil {
		return nil, fmt.Errorf("bucket v%d data: not a list: %w", b.Version, err)
	}

	steps := make([]Step, 0, len(payloads))
	for _, p := range payloads {
		steps = append(steps, Step{
			Data:      p,
			SessionID: b.SessionID,
			Version:   b.Version,
		})
	}

	return steps, nil
}
