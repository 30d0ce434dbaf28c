// Package storage is the SQLite persistence layer of taskpulse.
//
// It holds:
//   - The append-only request log used as the rate limiter's counting authority
//   - Rate-limit policies
//   - Read access to task snapshots and projects (rows written by the task subsystem)
//   - Risk assessments (upserted) and predictions (appended)
//   - Audit entries and notification dedup state
package storage
