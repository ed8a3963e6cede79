package convo

// Bus key layout. Every cross-component handoff goes through one of these
// per-session addresses; components never call each other directly.

// InputQueueKey is the aggregator's FIFO input queue.
func InputQueueKey(sessionID string) string { return "context:" + sessionID + ":input" }

// MessagesKey is the seq-scored ordered set of all session utterances.
func MessagesKey(sessionID string) string { return "session:" + sessionID + ":messages" }

// TriggerQueueKey is the decision pipeline's trigger signal queue.
func TriggerQueueKey(sessionID string) string { return "triggers:" + sessionID }

// StateKey is the aggregator's full state blob (1h expiry).
func StateKey(sessionID string) string { return "context:" + sessionID + ":state" }

// SnapshotKey is the derived silence/topic snapshot (10s expiry).
func SnapshotKey(sessionID string) string { return "state:" + sessionID }

// SpokeKey is the follow-up window flag set on delivery (30s expiry).
func SpokeKey(sessionID string) string { return "spoke:" + sessionID }

// ResponseQueueKey is one of the four priority queues owned by the scheduler.
func ResponseQueueKey(sessionID string, p Priority) string {
	return "responses:" + sessionID + ":" + string(p)
}

// DeliveriesKey is the queue of released deliveries consumed by the API layer.
func DeliveriesKey(sessionID string) string { return "deliveries:" + sessionID }

// WriteQueueKey is the shared durable-write queue drained by the store writer.
func WriteQueueKey() string { return "store:write_queue" }
