package patchgen

import (
	"github.com/G-Research/vidtrace/internal/vidtrace/configuration"
	"github.com/G-Research/vidtrace/internal/vidtrace/model"
)

// Geometry is the patch size and stride, in pixels, for one frame size.
type Geometry struct {
	PatchWidth  int
	PatchHeight int
	StrideX     int
	StrideY     int
}

// ComputeGeometry derives the patch geometry for a width x height frame. Sizes round half up. A stride that
// rounds below one pixel is clamped to one so enumeration always advances.
func ComputeGeometry(width, height int, config configuration.PatchConfig) Geometry {
	w := round(float64(width) * config.PatchWidthFraction)
	h := round(float64(height) * config.PatchHeightFraction)
	dx := round(float64(w) * config.StrideXFraction)
	dy := round(float64(h) * config.StrideYFraction)
	if dx < 1 {
		dx = 1
	}
	if dy < 1 {
		dy = 1
	}
	return Geometry{PatchWidth: w, PatchHeight: h, StrideX: dx, StrideY: dy}
}

// Count returns how many patches Enumerate produces for a width x height frame.
func (g Geometry) Count(width, height int) int {
	if g.PatchWidth < 1 || g.PatchHeight < 1 {
		return 0
	}
	count := 0
	for x := 0; x+g.PatchWidth <= width; x += g.StrideX {
		for y := 0; y+g.PatchHeight <= height; y += g.StrideY {
			count++
		}
	}
	return count
}

// Enumerate lists the patches of a frame, x-major. Any trailing strip narrower than a stride is left uncovered.
func (g Geometry) Enumerate(frameId, width, height int) []model.PatchIdentifier {
	if g.PatchWidth < 1 || g.PatchHeight < 1 {
		return nil
	}
	var patches []model.PatchIdentifier
	for x := 0; x+g.PatchWidth <= width; x += g.StrideX {
		for y := 0; y+g.PatchHeight <= height; y += g.StrideY {
			patches = append(patches, model.NewPatchIdentifier(frameId, model.Rect{
				X:      int32(x),
				Y:      int32(y),
				Width:  int32(g.PatchWidth),
				Height: int32(g.PatchHeight),
			}))
		}
	}
	return patches
}

func round(v float64) int {
	return int(v + .5)
}
