package app

// StopReason is logged on shutdown.
type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
	StopStartError StopReason = "start_error"
)
