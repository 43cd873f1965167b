package rediskv

import (
	"fmt"
	"time"
)

// Key layout. Every TTL is at least 3x the refresh period sustaining it;
// coordination happens through TTL decay, not locks.
const (
	// TaskKeyPrefix holds task records, TTL-refreshed on every update.
	TaskKeyPrefix = "task:"
	// WorkerSetKey is the registry set of active worker ids.
	WorkerSetKey = "workers:agent"
)

// TaskKey is the record key for one correlation id.
func TaskKey(correlationID string) string { return TaskKeyPrefix + correlationID }

// WorkerAliveKey is the existence key refreshed every status period.
func WorkerAliveKey(workerID string) string { return "worker:agent:" + workerID }

// WorkerStatusKey holds the worker presence JSON.
func WorkerStatusKey(workerID string) string { return "worker:status:" + workerID }

// WorkerStateKey holds the advisory scale-in protection record.
func WorkerStateKey(prefix, workerID string) string {
	return fmt.Sprintf("%s:agent:%s", prefix, workerID)
}

// WorkerStatePattern matches all protection keys for the scan in the
// autoscaler.
func WorkerStatePattern(prefix string) string { return prefix + ":agent:*" }

// QuotaKey is the per-user daily counter key.
func QuotaKey(day time.Time, userID string) string {
	return fmt.Sprintf("quota:daily:%s:%s", day.UTC().Format("20060102"), userID)
}

// SecondsToUTCMidnight returns the TTL that expires a daily counter at
// the next UTC midnight.
func SecondsToUTCMidnight(now time.Time) time.Duration {
	now = now.UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
	d := midnight.Sub(now)
	if d < time.Second {
		d = time.Second
	}
	return d
}
