package postprocess

import (
	"sort"

	"github.com/susanbao/dedetr-go/detr"
	"github.com/susanbao/dedetr-go/geometry"
)

// suppressWithDecay runs class-aware greedy duplicate suppression over one
// image's detections, but never drops anything: suppressed detections get
// their score multiplied by decay and are appended after the kept ones, so
// the output cardinality always equals the input slot count. Duplicates
// rank below true positives while downstream tensor shapes stay fixed.
//
// Kept detections are ordered by descending score (lower slot index first
// on ties); suppressed ones follow in ascending slot order.
//
// Arguments:
//   - dets: The per-slot detections, slot order.
//   - iouThreshold: Overlap above which a same-class detection is suppressed.
//   - decay: Score multiplier for suppressed detections.
//
// Returns:
//   - []detr.Detection: The reordered detections, same length as the input.
func suppressWithDecay(dets []detr.Detection, iouThreshold, decay float32) []detr.Detection {
	n := len(dets)
	if n == 0 {
		return dets
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return dets[order[a]].Score > dets[order[b]].Score
	})

	suppressed := make([]bool, n)
	kept := make([]int, 0, n)
	for oi, i := range order {
		if suppressed[i] {
			continue
		}
		kept = append(kept, i)
		anchor := dets[i]
		for _, j := range order[oi+1:] {
			if suppressed[j] {
				continue
			}
			if dets[j].Label != anchor.Label {
				continue
			}
			if geometry.IoU(anchor.Box, dets[j].Box) > iouThreshold {
				suppressed[j] = true
			}
		}
	}

	out := make([]detr.Detection, 0, n)
	for _, i := range kept {
		out = append(out, dets[i])
	}
	for i := 0; i < n; i++ {
		if suppressed[i] {
			d := dets[i]
			d.Score *= decay
			out = append(out, d)
		}
	}
	return out
}
