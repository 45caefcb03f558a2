// Package handler provides the work order handlers used by the eventbridge
// binary.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/randalmurphal/eventbridge/pkg/eventbridge"
)

// Log writes one JSON line per work order.
type Log struct {
	mu  sync.Mutex
	enc *json.Encoder
}

var _ eventbridge.Handler = (*Log)(nil)

// logLine is the JSON shape written by Log.
type logLine struct {
	WorkOrderID string          `json:"work_order_id"`
	WorkerID    string          `json:"worker_id"`
	RequesterID string          `json:"requester_id"`
	Params      json.RawMessage `json:"params"`
	HandledAt   time.Time       `json:"handled_at"`
}

// NewLog returns a handler that writes to w.
func NewLog(w io.Writer) *Log {
	return &Log{enc: json.NewEncoder(w)}
}

// HandleWorkOrder implements eventbridge.Handler. A write failure is returned
// and ends the run.
func (h *Log) HandleWorkOrder(_ context.Context, workOrderID, workerID, requesterID, rawParams string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	line := logLine{
		WorkOrderID: workOrderID,
		WorkerID:    workerID,
		RequesterID: requesterID,
		Params:      json.RawMessage(rawParams),
		HandledAt:   time.Now().UTC(),
	}
	if err := h.enc.Encode(line); err != nil {
		return fmt.Errorf("write work order %s: %w", workOrderID, err)
	}
	return nil
}
