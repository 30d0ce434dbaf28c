// Package scheduler registers named recurring jobs against a Backend.
//
// Two backends exist: the Redis queue backend (internal/task/queue) with
// durable schedules, retries and dead letters, and the in-process
// IntervalBackend used when the broker is unreachable. Select picks one once at
// startup; callers only depend on the Backend interface.
package scheduler
