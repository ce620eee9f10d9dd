package aggregator

import (
	"fmt"
)

// Reasons carried by ErrConsistencyViolation. They double as metric label values.
const (
	ReasonFrameClosed        = "frame_closed"
	ReasonFrameNotSeeded     = "frame_not_seeded"
	ReasonDuplicateReporter  = "duplicate_reporter"
	ReasonUnexpectedReporter = "unexpected_reporter"
	ReasonTraceNotMonitored  = "trace_not_monitored"
)

// ErrConsistencyViolation is returned for messages that break the reporting protocol: registering against
// a frame that was never seeded or has already closed, registering twice, or resolving a trace that is
// not awaiting resolution. The offending message is discarded and its frame marked degraded.
type ErrConsistencyViolation struct {
	FrameId int
	// Empty for registration failures
	TraceId string
	Reason  string
}

func (err *ErrConsistencyViolation) Error() string {
	if err.TraceId != "" {
		return fmt.Sprintf("consistency violation for trace %s of frame %d: %s", err.TraceId, err.FrameId, err.Reason)
	}
	return fmt.Sprintf("consistency violation for frame %d: %s", err.FrameId, err.Reason)
}

// ErrFrameOutOfWindow is returned for messages addressed too far ahead of the oldest open frame to be
// held in the arena.
type ErrFrameOutOfWindow struct {
	FrameId int
	Oldest  int
	Window  int
}

func (err *ErrFrameOutOfWindow) Error() string {
	return fmt.Sprintf("frame %d is outside the aggregation window [%d, %d)", err.FrameId, err.Oldest, err.Oldest+err.Window)
}
