// Package matcher - bipartite assignment between prediction slots and
// ground-truth instances for set-prediction detection.
package matcher

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/susanbao/dedetr-go/detr"
	"github.com/susanbao/dedetr-go/geometry"
)

// Assignment pairs a subset of prediction slots with a subset of target
// instances for one image and one decoder layer. Slots and Targets are
// parallel, Slots strictly ascending, and no index repeats on either side.
// Slots absent from the pairing are supervised as no-object.
type Assignment struct {
	Slots   []int
	Targets []int
}

// Len returns the number of matched pairs, min(slots, targets).
func (a Assignment) Len() int {
	return len(a.Slots)
}

// HungarianMatcher builds a weighted cost matrix over (slot, target) pairs
// and solves the minimum-cost assignment. It is stateless and safe for
// concurrent use across images.
type HungarianMatcher struct {
	costClass float32
	costBBox  float32
	costGIoU  float32
}

// NewHungarianMatcher creates a matcher with the given cost-term weights.
//
// Arguments:
//   - costClass: Weight of the negative class-probability term.
//   - costBBox: Weight of the L1 box-distance term.
//   - costGIoU: Weight of the negative generalized-IoU term.
//
// Returns:
//   - *HungarianMatcher: The matcher.
//   - error: An error if all three weights are zero.
func NewHungarianMatcher(costClass, costBBox, costGIoU float32) (*HungarianMatcher, error) {
	if costClass == 0 && costBBox == 0 && costGIoU == 0 {
		return nil, errors.New("all matcher cost weights are zero")
	}
	return &HungarianMatcher{costClass: costClass, costBBox: costBBox, costGIoU: costGIoU}, nil
}

// Match assigns one image's prediction slots to its target instances.
//
// The cost of pairing slot i with target j is
//
//	costClass * -p_i(class_j) + costBBox * L1(box_i, box_j) + costGIoU * -GIoU(box_i, box_j)
//
// and the returned assignment minimizes the total cost over min(Q, n)
// pairs. Zero targets yield an empty assignment. Malformed boxes on either
// side are rejected: they indicate an upstream data bug and would silently
// poison the cost matrix otherwise.
//
// Arguments:
//   - pred: Decoded view of one image's predictions.
//   - target: The image's ground-truth instances.
//
// Returns:
//   - Assignment: The slot/target pairing, slots ascending.
//   - error: An error on malformed boxes, a label out of range, or a
//     non-finite cost entry.
func (m *HungarianMatcher) Match(pred detr.ImageView, target *detr.Target) (Assignment, error) {
	n := target.Len()
	if n == 0 {
		return Assignment{}, nil
	}

	tgtRects := make([]geometry.Rect, n)
	for j, b := range target.Boxes {
		if !b.Valid() {
			return Assignment{}, errors.Errorf("target %d has malformed box (w=%g, h=%g)", j, b.W, b.H)
		}
		if target.Labels[j] < 0 || target.Labels[j] >= pred.Classes-1 {
			return Assignment{}, errors.Errorf("target %d label %d out of range [0, %d)",
				j, target.Labels[j], pred.Classes-1)
		}
		tgtRects[j] = b.Rect()
	}
	predRects := make([]geometry.Rect, pred.Slots)
	for i := 0; i < pred.Slots; i++ {
		b := pred.Box(i)
		if !b.Valid() {
			return Assignment{}, errors.Errorf("slot %d has malformed box (w=%g, h=%g)", i, b.W, b.H)
		}
		predRects[i] = b.Rect()
	}

	cost := mat.NewDense(pred.Slots, n, nil)
	probs := make([]float32, pred.Classes)
	for i := 0; i < pred.Slots; i++ {
		pred.Probs(i, probs)
		predBox := pred.Box(i)
		for j := 0; j < n; j++ {
			c := m.costClass*-probs[target.Labels[j]] +
				m.costBBox*geometry.L1(predBox, target.Boxes[j]) +
				m.costGIoU*-geometry.GeneralizedIoU(predRects[i], tgtRects[j])
			if math32.IsNaN(c) || math32.IsInf(c, 0) {
				// The solver requires finite costs; NaN or Inf here means
				// the logits or boxes upstream are already poisoned.
				return Assignment{}, errors.Errorf("cost for slot %d and target %d is not finite", i, j)
			}
			cost.Set(i, j, float64(c))
		}
	}

	slots, targets := solveAssignment(cost)
	return Assignment{Slots: slots, Targets: targets}, nil
}
