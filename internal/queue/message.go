package queue

import (
	"fmt"
	"strings"
)

// BatchJobMessage is the broker payload for batch background work.
type BatchJobMessage struct {
	BatchID       string    `json:"batchId"`
	Action        JobAction `json:"action"`
	CorrelationID string    `json:"correlationId,omitempty"`
}

func (m BatchJobMessage) Validate() error {
	if strings.TrimSpace(m.BatchID) == "" {
		return fmt.Errorf("batchId is required")
	}
	if !m.Action.IsValid() {
		return fmt.Errorf("invalid action %q", m.Action)
	}
	return nil
}

// MessageID identifies the job for broker-side tracing.
func (m BatchJobMessage) MessageID() string {
	return fmt.Sprintf("%s:%s", m.Action, m.BatchID)
}
