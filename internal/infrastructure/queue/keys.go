package queue

// Redis key layout, all rooted at the queue name:
//
//	{q}:pending        list   LPUSH tail / RPUSH head-insert / RPOP consume
//	{q}:delayed        zset   scored by availableAt epoch millis
//	{q}:active:{jobId} hash   job snapshot while a worker holds it
//	{q}:leases         zset   jobId scored by lease expiry epoch millis
//	{q}:dlq            list   dead jobs with their failure chains
//	{q}:breaker        string circuit state snapshot for dashboards
//	{q}:dedup:{key}    string jobId, expiring dedup marker

func keyPending(q string) string { return q + ":pending" }
func keyDelayed(q string) string { return q + ":delayed" }
func keyActive(q, jobID string) string {
	return q + ":active:" + jobID
}
func keyLeases(q string) string  { return q + ":leases" }
func keyDLQ(q string) string     { return q + ":dlq" }
func keyBreaker(q string) string { return q + ":breaker" }
func keyDedup(q, dedupKey string) string {
	return q + ":dedup:" + dedupKey
}
