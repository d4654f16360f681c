package events_test

import (
	"context"
	"testing"

	"github.com/derril-tech/researchflow/internal/events"
	"github.com/derril-tech/researchflow/pkg/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	events []models.ProgressEvent
}

func (s *recordingSink) Append(ev models.ProgressEvent) { s.events = append(s.events, ev) }

func event(jobID uuid.UUID, seq int64, kind models.EventKind) models.ProgressEvent {
	return models.ProgressEvent{JobID: jobID, Sequence: seq, Kind: kind, Status: models.JobStatusRetrieving}
}

func drain(sub *events.Subscription) []int64 {
	var seqs []int64
	for ev := range sub.C {
		seqs = append(seqs, ev.Sequence)
	}
	return seqs
}

func TestHub_DeliversInOrderAndClosesOnTerminal(t *testing.T) {
	hub := events.NewHub(16, 8, 4)
	jobID := uuid.New()
	sub := hub.Subscribe(jobID)

	assert.True(t, hub.Publish(event(jobID, 1, models.EventStageStarted)))
	assert.True(t, hub.Publish(event(jobID, 2, models.EventStageCompleted)))
	assert.True(t, hub.Publish(event(jobID, 3, models.EventTerminal)))

	assert.Equal(t, []int64{1, 2, 3}, drain(sub))
	sub.Close()
}

func TestHub_DropsDuplicatesAndStaleSequences(t *testing.T) {
	hub := events.NewHub(16, 8, 4)
	jobID := uuid.New()

	require.True(t, hub.Publish(event(jobID, 2, models.EventStageStarted)))
	assert.False(t, hub.Publish(event(jobID, 2, models.EventStageStarted)))
	assert.False(t, hub.Ingest(event(jobID, 1, models.EventStageStarted)))
	assert.True(t, hub.Publish(event(jobID, 3, models.EventStageCompleted)))

	got, err := hub.Recent(context.Background(), jobID, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(2), got[0].Sequence)
	assert.Equal(t, int64(3), got[1].Sequence)
}

func TestHub_RingKeepsNewest(t *testing.T) {
	hub := events.NewHub(3, 8, 4)
	jobID := uuid.New()
	for seq := int64(1); seq <= 5; seq++ {
		hub.Publish(event(jobID, seq, models.EventStatusChanged))
	}

	all, err := hub.Recent(context.Background(), jobID, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, int64(3), all[0].Sequence)
	assert.Equal(t, int64(5), all[2].Sequence)

	two, err := hub.Recent(context.Background(), jobID, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(4), two[0].Sequence)
	assert.False(t, two[0].At.IsZero())

	none, err := hub.Recent(context.Background(), uuid.New(), 10)
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestHub_SlowSubscriberIsDropped(t *testing.T) {
	hub := events.NewHub(16, 1, 4)
	jobID := uuid.New()
	slow := hub.Subscribe(jobID)

	hub.Publish(event(jobID, 1, models.EventStageStarted))
	hub.Publish(event(jobID, 2, models.EventStageCompleted))

	assert.Equal(t, []int64{1}, drain(slow))

	// later subscribers are unaffected
	fresh := hub.Subscribe(jobID)
	hub.Publish(event(jobID, 3, models.EventTerminal))
	assert.Equal(t, []int64{3}, drain(fresh))
}

func TestHub_CloseIsIdempotent(t *testing.T) {
	hub := events.NewHub(16, 8, 4)
	sub := hub.Subscribe(uuid.New())
	sub.Close()
	assert.NotPanics(t, sub.Close)
	_, open := <-sub.C
	assert.False(t, open)
}

func TestHub_SinksSeeLocalEventsOnly(t *testing.T) {
	hub := events.NewHub(16, 8, 4)
	sink := &recordingSink{}
	hub.AddSink(sink)
	hub.AddSink(nil)
	jobID := uuid.New()

	hub.Publish(event(jobID, 1, models.EventStageStarted))
	hub.Ingest(event(jobID, 2, models.EventStageCompleted))
	hub.Publish(event(jobID, 2, models.EventStageCompleted))

	require.Len(t, sink.events, 1)
	assert.Equal(t, int64(1), sink.events[0].Sequence)
}

func TestHub_EvictsOldestFinishedJobs(t *testing.T) {
	hub := events.NewHub(16, 8, 1)
	first, second := uuid.New(), uuid.New()

	hub.Publish(event(first, 1, models.EventTerminal))
	assert.Len(t, recent(t, hub, first), 1)

	hub.Publish(event(second, 1, models.EventTerminal))
	assert.Empty(t, recent(t, hub, first))
	assert.Len(t, recent(t, hub, second), 1)

	// an evicted job starts over, so an old sequence is accepted again
	assert.True(t, hub.Publish(event(first, 1, models.EventStageStarted)))
}

func TestHub_EvictionWaitsForLastSubscriber(t *testing.T) {
	hub := events.NewHub(16, 8, 1)
	first, second := uuid.New(), uuid.New()

	hub.Publish(event(first, 1, models.EventTerminal))
	late := hub.Subscribe(first)
	other := hub.Subscribe(first)

	hub.Publish(event(second, 1, models.EventTerminal))
	assert.Len(t, recent(t, hub, first), 1, "kept while subscribers are attached")

	late.Close()
	assert.Len(t, recent(t, hub, first), 1)
	other.Close()
	assert.Empty(t, recent(t, hub, first), "removed with the last subscriber")

	// the log is gone for good, not waiting for another eviction pass
	assert.True(t, hub.Publish(event(first, 1, models.EventStageStarted)))
}

func recent(t *testing.T, hub *events.Hub, jobID uuid.UUID) []models.ProgressEvent {
	t.Helper()
	got, err := hub.Recent(context.Background(), jobID, 0)
	require.NoError(t, err)
	return got
}
