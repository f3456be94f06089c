package kernel

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/manthysbr/aule-escrow/internal/core/domain"
)

// handleJobSSE streams status changes for one job as server-sent events.
// The current status is sent first; the stream ends after a terminal status.
func (s *Server) handleJobSSE(w http.ResponseWriter, r *http.Request) {
	requesterID, ok := requester(w, r)
	if !ok {
		return
	}
	id, err := jobIDParam(r)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	// Subscribe before reading the snapshot so no change falls in between.
	ch, unsub := s.eventBus.Subscribe(id)
	defer unsub()

	job, err := s.ownedJob(r.Context(), id, requesterID)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	snapshot := domain.JobEvent{JobID: job.ID, Status: job.Status, Reason: job.CancelReason, Timestamp: job.CreatedAt}
	if err := writeEvent(w, snapshot); err != nil {
		return
	}
	flusher.Flush()
	if job.Status.IsTerminal() {
		return
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := writeEvent(w, evt); err != nil {
				s.logger.Debug("sse client gone", "job_id", id, "error", err)
				return
			}
			flusher.Flush()
			if evt.Status.IsTerminal() {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, evt domain.JobEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Status, data)
	return err
}
