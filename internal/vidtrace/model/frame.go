package model

import "fmt"

// Mat is the opaque image buffer carried by a frame. Only the dimensions are interpreted by the pipeline;
// Type and Data are passed through to the analysis collaborators untouched.
type Mat struct {
	Rows int32
	Cols int32
	Type int32
	Data []byte
}

// Frame is one unit of input. Ids are assigned by the source and increase monotonically.
type Frame struct {
	Id  int
	Mat Mat
}

func (f Frame) Width() int {
	return int(f.Mat.Cols)
}

func (f Frame) Height() int {
	return int(f.Mat.Rows)
}

// Rect is a region of interest, x and y being the coordinates of its top left corner.
type Rect struct {
	X      int32
	Y      int32
	Width  int32
	Height int32
}

// PatchIdentifier identifies a patch by its frame and its region of interest.
type PatchIdentifier struct {
	FrameId int32
	Roi     *Rect
}

func NewPatchIdentifier(frameId int, roi Rect) PatchIdentifier {
	return PatchIdentifier{FrameId: int32(frameId), Roi: &roi}
}

// String renders the identifier as N<frame>@<x>@<y>@<x+width>@<y+height>, or N<frame>@null without a roi.
func (p PatchIdentifier) String() string {
	if p.Roi != nil {
		return fmt.Sprintf("N%04d@%04d@%04d@%04d@%04d",
			p.FrameId, p.Roi.X, p.Roi.Y, p.Roi.X+p.Roi.Width, p.Roi.Y+p.Roi.Height)
	}
	return fmt.Sprintf("N%04d@null", p.FrameId)
}

// Equal compares by frame id and roi value.
func (p PatchIdentifier) Equal(other PatchIdentifier) bool {
	if p.FrameId != other.FrameId {
		return false
	}
	if p.Roi == nil || other.Roi == nil {
		return p.Roi == nil && other.Roi == nil
	}
	return *p.Roi == *other.Roi
}

// Point is a tracked position in frame coordinates.
type Point struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
}

// TraceSeed pairs a trace id with the most recent point of that trace.
type TraceSeed struct {
	TraceId string `json:"traceId"`
	Point   Point  `json:"point"`
}
