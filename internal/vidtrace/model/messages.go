package model

// RawFrame is the raw-frame stream record. PatchCount is zero when emitted by the source and set by the
// patch generator when the frame is forwarded to workers.
type RawFrame struct {
	Frame      Frame
	PatchCount int
}

// Patch is the patch stream record.
type Patch struct {
	Identifier PatchIdentifier
	PatchCount int
}

// RegisterTrace is sent once per frame by every reporting worker. NewTraceIds are traces first seen in
// this frame; they join the frame's monitored set and must be resolved like any carried-over trace.
type RegisterTrace struct {
	FrameId     int
	Reporter    int
	NewTraceIds []string
	Width       int
	Height      int
}

type TraceMessageKind int

const (
	// TraceUpdate appends Point to the trace (exist-trace stream).
	TraceUpdate TraceMessageKind = iota
	// TraceRemove deletes the trace (remove-trace stream).
	TraceRemove
)

func (k TraceMessageKind) String() string {
	switch k {
	case TraceUpdate:
		return "update"
	case TraceRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// TraceMessage resolves one monitored trace for a frame. Point is only meaningful for updates.
type TraceMessage struct {
	Kind    TraceMessageKind
	FrameId int
	TraceId string
	Point   Point
}

func UpdateTrace(frameId int, traceId string, point Point) TraceMessage {
	return TraceMessage{Kind: TraceUpdate, FrameId: frameId, TraceId: traceId, Point: point}
}

func RemoveTrace(frameId int, traceId string) TraceMessage {
	return TraceMessage{Kind: TraceRemove, FrameId: frameId, TraceId: traceId}
}

// PlotTrace is the consolidated result for one frame. Degraded is set when a message for the frame was
// rejected, in which case Traces may be incomplete.
type PlotTrace struct {
	FrameId  int                `json:"frameId"`
	Traces   map[string][]Point `json:"traces"`
	Degraded bool               `json:"degraded,omitempty"`
}

// CacheClean tells collaborators to release anything they hold for FrameId.
type CacheClean struct {
	FrameId int
}

// RenewTrace seeds FrameId with the traces that survived the previous frame.
type RenewTrace struct {
	FrameId int
	Seeds   []TraceSeed
}

// IndicatorTrace carries the grid cells occupied by surviving traces, for FrameId.
type IndicatorTrace struct {
	FrameId int
	Cells   []int
}

type DropReason string

// DropReasonExpired is given for frames that did not finalize within the configured ttl.
const DropReasonExpired DropReason = "expired"

// FrameDropped signals that a frame's aggregation state was evicted before it could finalize.
type FrameDropped struct {
	FrameId    int        `json:"frameId"`
	Reason     DropReason `json:"reason"`
	LostTraces int        `json:"lostTraces"`
}
