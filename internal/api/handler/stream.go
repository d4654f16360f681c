package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/derril-tech/researchflow/pkg/models"
)

const defaultHeartbeat = 15 * time.Second

// Stream handles GET /api/v1/jobs/{jobID}/stream as server-sent events.
// The first event is a snapshot of the job; live events follow with their
// sequence as the event id. The stream ends after the terminal event, or
// right after the snapshot when the job is already finished.
func (h *Jobs) Stream(heartbeat time.Duration) http.HandlerFunc {
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	return func(w http.ResponseWriter, r *http.Request) {
		job, ok := h.job(w, r)
		if !ok {
			return
		}
		feed, err := h.svc.Subscribe(r.Context(), job.ID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		defer feed.Close()

		rc := http.NewResponseController(w)
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)

		snapshot := feed.Snapshot
		if err := writeEvent(w, "snapshot", snapshot.EventSeq, snapshot); err != nil {
			return
		}
		if err := rc.Flush(); err != nil {
			slog.Warn("stream flush unsupported", "job_id", job.ID, "error", err)
			return
		}
		if snapshot.Status.Terminal() {
			return
		}

		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		last := snapshot.EventSeq
		for {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
				if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
					return
				}
			case ev, open := <-feed.Sub.C:
				if !open {
					// dropped for falling behind; the client reconnects for a fresh snapshot
					_ = writeEvent(w, "lagged", 0, map[string]string{"reason": "subscriber fell behind"})
					_ = rc.Flush()
					return
				}
				if ev.Sequence <= last {
					continue
				}
				last = ev.Sequence
				if err := writeEvent(w, string(ev.Kind), ev.Sequence, ev); err != nil {
					return
				}
				if ev.Kind == models.EventTerminal {
					_ = rc.Flush()
					return
				}
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, name string, id int64, data any) error {
	body, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if id > 0 {
		if _, err := fmt.Fprintf(w, "id: %d\n", id); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, body)
	return err
}
