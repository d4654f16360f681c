// Package events fans job progress events out to live subscribers.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/derril-tech/researchflow/internal/metrics"
	"github.com/derril-tech/researchflow/pkg/models"
	"github.com/google/uuid"
)

// Sink receives every locally published event (for relaying, persistence, etc.).
type Sink interface {
	Append(models.ProgressEvent)
}

// Hub keeps a bounded ring of recent events per job and delivers new events
// to subscribers in sequence order. Events whose sequence is not greater
// than the last one seen for the job are dropped as duplicates.
type Hub struct {
	mu        sync.Mutex
	capacity  int
	subBuffer int
	maxJobs   int
	logs      map[uuid.UUID]*jobLog
	finished  []uuid.UUID
	sinks     []Sink
}

type jobLog struct {
	buffer  []models.ProgressEvent
	lastSeq int64
	subs    map[*Subscription]struct{}
	done    bool
	// evict is set when the log aged out while subscribers were attached;
	// the last Close removes it.
	evict bool
}

// Subscription is a live feed of one job's events. C is closed after the
// terminal event, when the subscriber falls behind, or on Close.
type Subscription struct {
	JobID uuid.UUID
	C     <-chan models.ProgressEvent

	ch     chan models.ProgressEvent
	hub    *Hub
	closed bool
}

// NewHub constructs a hub. capacity bounds the per-job ring, subBuffer the
// per-subscriber channel, maxJobs the number of finished jobs kept.
func NewHub(capacity, subBuffer, maxJobs int) *Hub {
	if capacity <= 0 {
		capacity = 256
	}
	if subBuffer <= 0 {
		subBuffer = 64
	}
	if maxJobs <= 0 {
		maxJobs = 1024
	}
	return &Hub{
		capacity:  capacity,
		subBuffer: subBuffer,
		maxJobs:   maxJobs,
		logs:      make(map[uuid.UUID]*jobLog),
	}
}

// AddSink wires an additional sink that receives every locally published event.
func (h *Hub) AddSink(sink Sink) {
	if sink == nil {
		return
	}
	h.mu.Lock()
	h.sinks = append(h.sinks, sink)
	h.mu.Unlock()
}

// Publish records a locally produced event, delivers it and forwards it to
// the sinks. It reports whether the event was accepted.
func (h *Hub) Publish(ev models.ProgressEvent) bool {
	sinks, ok := h.deliver(ev)
	if !ok {
		return false
	}
	for _, sink := range sinks {
		sink.Append(ev)
	}
	return true
}

// Ingest records an event that was published elsewhere. Sinks are skipped.
func (h *Hub) Ingest(ev models.ProgressEvent) bool {
	_, ok := h.deliver(ev)
	return ok
}

func (h *Hub) deliver(ev models.ProgressEvent) ([]Sink, bool) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	log := h.logLocked(ev.JobID)
	if ev.Sequence <= log.lastSeq {
		return nil, false
	}
	log.lastSeq = ev.Sequence
	if len(log.buffer) == h.capacity {
		copy(log.buffer, log.buffer[1:])
		log.buffer = log.buffer[:h.capacity-1]
	}
	log.buffer = append(log.buffer, ev)

	for sub := range log.subs {
		select {
		case sub.ch <- ev:
		default:
			h.closeLocked(log, sub)
		}
	}
	if ev.Kind == models.EventTerminal {
		for sub := range log.subs {
			h.closeLocked(log, sub)
		}
		h.finishLocked(ev.JobID, log)
	}
	return append([]Sink(nil), h.sinks...), true
}

// Subscribe registers a live feed for a job.
func (h *Hub) Subscribe(jobID uuid.UUID) *Subscription {
	ch := make(chan models.ProgressEvent, h.subBuffer)
	sub := &Subscription{JobID: jobID, C: ch, ch: ch, hub: h}

	h.mu.Lock()
	defer h.mu.Unlock()
	log := h.logLocked(jobID)
	log.subs[sub] = struct{}{}
	metrics.SubscriberOpened()
	return sub
}

// History serves the most recent events of a job.
type History interface {
	Recent(ctx context.Context, jobID uuid.UUID, limit int) ([]models.ProgressEvent, error)
}

var _ History = (*Hub)(nil)

// Recent returns up to limit of the newest buffered events for a job, oldest first.
func (h *Hub) Recent(_ context.Context, jobID uuid.UUID, limit int) ([]models.ProgressEvent, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	log, ok := h.logs[jobID]
	if !ok || len(log.buffer) == 0 {
		return []models.ProgressEvent{}, nil
	}
	if limit <= 0 || limit > len(log.buffer) {
		limit = len(log.buffer)
	}
	out := make([]models.ProgressEvent, limit)
	copy(out, log.buffer[len(log.buffer)-limit:])
	return out, nil
}

// Close detaches the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	if log, ok := s.hub.logs[s.JobID]; ok {
		s.hub.closeLocked(log, s)
		return
	}
	if !s.closed {
		s.closed = true
		close(s.ch)
		metrics.SubscriberClosed()
	}
}

func (h *Hub) logLocked(jobID uuid.UUID) *jobLog {
	log, ok := h.logs[jobID]
	if !ok {
		log = &jobLog{subs: make(map[*Subscription]struct{})}
		h.logs[jobID] = log
	}
	return log
}

func (h *Hub) closeLocked(log *jobLog, sub *Subscription) {
	delete(log.subs, sub)
	if log.evict && len(log.subs) == 0 && h.logs[sub.JobID] == log {
		delete(h.logs, sub.JobID)
	}
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)
	metrics.SubscriberClosed()
}

// finishLocked marks a job log as finished and evicts the oldest finished
// logs beyond maxJobs. A log that still has subscribers is removed when the
// last of them closes.
func (h *Hub) finishLocked(jobID uuid.UUID, log *jobLog) {
	if log.done {
		return
	}
	log.done = true
	h.finished = append(h.finished, jobID)
	for len(h.finished) > h.maxJobs {
		oldest := h.finished[0]
		h.finished = h.finished[1:]
		old, ok := h.logs[oldest]
		switch {
		case !ok:
		case len(old.subs) == 0:
			delete(h.logs, oldest)
		default:
			old.evict = true
		}
	}
}
