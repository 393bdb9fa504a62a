package jobstore

import (
	"fmt"
	"time"
)

const (
	statEnqueued  = "enqueued"
	statCompleted = "completed"
	statRetried   = "retried"
	statDeferred  = "deferred"
	statFailed    = "failed"
	statReclaimed = "reclaimed"

	deadLetterIndexKey = "deadletter:index"
)

func jobKey(queue, id string) string {
	return queue + ":" + id
}

func waitingKey(queue string) string {
	return queue + ":waiting"
}

func delayedKey(queue string) string {
	return queue + ":delayed"
}

func activeKey(queue string) string {
	return queue + ":active"
}

func statKey(queue, stat string) string {
	return queue + ":stats:" + stat
}

func throughputKey(queue string, t time.Time) string {
	return fmt.Sprintf("%s:throughput:%d", queue, t.Unix()/60)
}

func latencyKey(queue string) string {
	return queue + ":latency"
}

func deadLetterKey(id string) string {
	return "deadletter:" + id
}

func deadLetterOrgKey(organizationID string) string {
	return "deadletter:org:" + organizationID
}
