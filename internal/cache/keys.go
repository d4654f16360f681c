package cache

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobProgressKey addresses the cached progress view of a job.
func JobProgressKey(jobID uuid.UUID) string {
	return fmt.Sprintf("job:%s:progress", jobID)
}

// ResultsKey addresses the research results of one checkpoint. Checkpoints
// are immutable, so entries never go stale.
func ResultsKey(jobID uuid.UUID, seq int64) string {
	return fmt.Sprintf("job:%s:results:%d", jobID, seq)
}

// RateLimitKey addresses one API key's counter for the window starting at
// windowStart, so a new window always starts from zero.
func RateLimitKey(keyPrefix string, windowStart time.Time) string {
	return fmt.Sprintf("ratelimit:%s:%d", keyPrefix, windowStart.Unix())
}

// EventChannelPattern matches every job's progress channel.
const EventChannelPattern = "events:job:*"

func EventChannelKey(jobID uuid.UUID) string {
	return fmt.Sprintf("events:job:%s", jobID)
}

func RecentEventsKey(jobID uuid.UUID) string {
	return fmt.Sprintf("events:recent:%s", jobID)
}
