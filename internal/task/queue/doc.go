// Package queue is the broker-backed scheduler backend on Redis.
//
// Layout under the key prefix (default "taskpulse:q:"):
//
//	repeat        ZSET job name -> next due time (ms)
//	def:{name}    HASH interval_ms, timeout_ms, max_attempts
//	wait:{name}   LIST pending run envelopes (JSON), one worker per name
//	delayed       ZSET retry envelopes -> due time (ms)
//	lock:{name}   STRING held while a run executes (cross-process non-overlap)
//	dlq           LIST dead letters (JSON), newest first, capped
//
// A promoter loop moves due schedules and due retries into the wait lists with
// one Lua call. A schedule whose wait list is not empty is not enqueued again,
// so a stalled worker does not build up a backlog.
package queue
