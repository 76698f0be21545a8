// Package geometry - box encodings and overlap metrics for set-prediction detection.
package geometry

import (
	"github.com/chewxy/math32"
)

// Box is a bounding box in center-size encoding: (center x, center y,
// width, height), normalized to [0, 1] relative to the image extent.
// This is the encoding the decoder regresses and the matcher consumes.
type Box struct {
	CX, CY, W, H float32
}

// Rect is a bounding box in corner encoding. Coordinates stay in the
// normalized [0, 1] space until postprocessing rescales them to pixels.
type Rect struct {
	X1, Y1, X2, Y2 float32
}

// Rect converts the box from center-size to corner encoding.
//
// Returns:
//   - Rect: The same box as (x1, y1, x2, y2).
func (b Box) Rect() Rect {
	return Rect{
		X1: b.CX - 0.5*b.W,
		Y1: b.CY - 0.5*b.H,
		X2: b.CX + 0.5*b.W,
		Y2: b.CY + 0.5*b.H,
	}
}

// Valid reports whether the box has non-negative extents. Degenerate boxes
// indicate an upstream data bug; callers are expected to reject them before
// computing overlap metrics.
func (b Box) Valid() bool {
	return b.W >= 0 && b.H >= 0
}

// Box converts the rectangle from corner to center-size encoding.
//
// Returns:
//   - Box: The same box as (cx, cy, w, h).
func (r Rect) Box() Box {
	return Box{
		CX: 0.5 * (r.X1 + r.X2),
		CY: 0.5 * (r.Y1 + r.Y2),
		W:  r.X2 - r.X1,
		H:  r.Y2 - r.Y1,
	}
}

// Valid reports whether the rectangle is well-formed (x2 >= x1, y2 >= y1).
func (r Rect) Valid() bool {
	return r.X2 >= r.X1 && r.Y2 >= r.Y1
}

// Area returns the area of the rectangle. Only meaningful for valid rects.
func (r Rect) Area() float32 {
	return (r.X2 - r.X1) * (r.Y2 - r.Y1)
}

// L1 returns the L1 distance between two boxes in center-size encoding,
// the sum of absolute coordinate differences. This is the box-regression
// distance used by both the matcher cost and the box loss.
//
// Arguments:
//   - a: The first box.
//   - b: The second box.
//
// Returns:
//   - float32: |a.cx-b.cx| + |a.cy-b.cy| + |a.w-b.w| + |a.h-b.h|.
func L1(a, b Box) float32 {
	return math32.Abs(a.CX-b.CX) + math32.Abs(a.CY-b.CY) +
		math32.Abs(a.W-b.W) + math32.Abs(a.H-b.H)
}

// IoU returns the Intersection over Union of two well-formed rectangles.
//
// The intersection corner coordinates are the max of the top-left corners
// and the min of the bottom-right corners; a non-positive intersection
// extent means the rectangles are disjoint and the IoU is 0.
//
// Arguments:
//   - r: The first rectangle.
//   - o: The second rectangle.
//
// Returns:
//   - float32: A value in [0, 1]. 1 means identical rectangles.
func IoU(r, o Rect) float32 {
	inter := intersection(r, o)
	union := r.Area() + o.Area() - inter
	if union <= 0 {
		// Two zero-area boxes. Treat as non-overlapping.
		return 0
	}
	return inter / union
}

// GeneralizedIoU returns the generalized IoU of two well-formed rectangles:
// IoU minus the fraction of the smallest enclosing rectangle not covered by
// the union. Unlike plain IoU it is informative for disjoint boxes, going
// to -1 as the boxes move infinitely far apart.
//
// Arguments:
//   - r: The first rectangle.
//   - o: The second rectangle.
//
// Returns:
//   - float32: A value in [-1, 1]. 1 means identical rectangles.
func GeneralizedIoU(r, o Rect) float32 {
	if r == o {
		// Identity holds even for zero-area rects, where the enclosing
		// area below would vanish.
		return 1
	}
	inter := intersection(r, o)
	union := r.Area() + o.Area() - inter

	enclose := Rect{
		X1: math32.Min(r.X1, o.X1),
		Y1: math32.Min(r.Y1, o.Y1),
		X2: math32.Max(r.X2, o.X2),
		Y2: math32.Max(r.Y2, o.Y2),
	}
	encloseArea := enclose.Area()
	if encloseArea <= 0 {
		return 0
	}

	iou := float32(0)
	if union > 0 {
		iou = inter / union
	}
	return iou - (encloseArea-union)/encloseArea
}

// intersection returns the intersection area of two rectangles, 0 when they
// do not overlap.
func intersection(r, o Rect) float32 {
	ix1 := math32.Max(r.X1, o.X1)
	iy1 := math32.Max(r.Y1, o.Y1)
	ix2 := math32.Min(r.X2, o.X2)
	iy2 := math32.Min(r.Y2, o.Y2)

	w := ix2 - ix1
	h := iy2 - iy1
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}
