package jobs

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	keyPrefixQueue    = "queue"
	keyPrefixQueueIdx = "queueidx"
	keyPrefixTeam     = "team"
	keyPrefixLock     = "lock"
	timestampWidth    = 19
)

func statusKey(queue, jobID string) string {
	return fmt.Sprintf("%s:status:%s", queue, jobID)
}

func jobKey(queue, jobID string) string {
	return fmt.Sprintf("%s:job:%s", queue, jobID)
}

// segment escapes a caller supplied id so it cannot contain the ':'
// separator and bleed into a neighbouring key range.
func segment(id string) string {
	return url.QueryEscape(id)
}

func teamIndexPrefix(teamID string) string {
	return fmt.Sprintf("%s:%s:jobs:", keyPrefixTeam, segment(teamID))
}

func teamIndexKey(teamID, jobID string) string {
	return teamIndexPrefix(teamID) + jobID
}

func queuePrefix(queue string) string {
	return fmt.Sprintf("%s:%s:", keyPrefixQueue, queue)
}

func queueKey(queue string, at time.Time, jobID string) string {
	return fmt.Sprintf("%s%0*d:%s", queuePrefix(queue), timestampWidth, at.UnixNano(), jobID)
}

func queueIndexKey(queue, jobID string) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefixQueueIdx, queue, jobID)
}

// parseQueueKey returns the availability time encoded in a queue key.
func parseQueueKey(key string) (time.Time, string, error) {
	parts := strings.SplitN(key, ":", 4)
	if len(parts) != 4 || parts[0] != keyPrefixQueue {
		return time.Time{}, "", fmt.Errorf("invalid queue key %q", key)
	}
	var nanos int64
	if _, err := fmt.Sscanf(parts[2], "%d", &nanos); err != nil {
		return time.Time{}, "", fmt.Errorf("invalid queue key timestamp %q: %w", parts[2], err)
	}
	return time.Unix(0, nanos), parts[3], nil
}

func lockKey(teamID, trajectoryID string) string {
	return fmt.Sprintf("%s:trajectory:%s:%s", keyPrefixLock, segment(teamID), segment(trajectoryID))
}
