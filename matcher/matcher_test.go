package matcher

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/susanbao/dedetr-go/detr"
	"github.com/susanbao/dedetr-go/geometry"
)

// layerOutput builds a single-image layer output from per-slot class
// probabilities and boxes. Logits are log-probabilities so the softmax
// recovers the given distribution exactly.
func layerOutput(t *testing.T, probs [][]float32, boxes []geometry.Box) detr.ImageView {
	t.Helper()
	slots := len(probs)
	classes := len(probs[0])

	logits := make([]float32, 0, slots*classes)
	for _, p := range probs {
		for _, v := range p {
			logits = append(logits, float32(math.Log(float64(v))))
		}
	}
	flat := make([]float32, 0, slots*4)
	for _, b := range boxes {
		flat = append(flat, b.CX, b.CY, b.W, b.H)
	}

	out := detr.LayerOutput{
		Logits: tensor.New(tensor.WithShape(1, slots, classes), tensor.WithBacking(logits)),
		Boxes:  tensor.New(tensor.WithShape(1, slots, 4), tensor.WithBacking(flat)),
	}
	views, err := out.Views()
	require.NoError(t, err, "test layer output should decode")
	return views[0]
}

// TestMatchObviousPairing validates that slots aligned with targets in
// both class and box win their pairings.
func TestMatchObviousPairing(t *testing.T) {
	m, err := NewHungarianMatcher(1, 5, 2)
	require.NoError(t, err, "matcher should build")

	// Slot 0 predicts class 0 at the first target's box, slot 2 predicts
	// class 1 at the second target's box, slot 1 predicts no-object.
	view := layerOutput(t,
		[][]float32{
			{0.90, 0.05, 0.05},
			{0.05, 0.05, 0.90},
			{0.05, 0.90, 0.05},
		},
		[]geometry.Box{
			{CX: 0.2, CY: 0.2, W: 0.1, H: 0.1},
			{CX: 0.5, CY: 0.5, W: 0.3, H: 0.3},
			{CX: 0.8, CY: 0.8, W: 0.1, H: 0.1},
		})
	target := &detr.Target{
		Labels: []int{0, 1},
		Boxes: []geometry.Box{
			{CX: 0.2, CY: 0.2, W: 0.1, H: 0.1},
			{CX: 0.8, CY: 0.8, W: 0.1, H: 0.1},
		},
		Area:    []float32{100, 100},
		IsCrowd: []bool{false, false},
	}

	got, err := m.Match(view, target)
	require.NoError(t, err, "match should succeed")
	assert.Equal(t, []int{0, 2}, got.Slots, "the aligned slots should be matched")
	assert.Equal(t, []int{0, 1}, got.Targets, "each slot should take its aligned target")
}

// TestMatchBijection validates the structural invariants: min(Q, n) pairs
// and no repeated index on either side.
func TestMatchBijection(t *testing.T) {
	m, err := NewHungarianMatcher(1, 5, 2)
	require.NoError(t, err, "matcher should build")

	probs := make([][]float32, 6)
	boxes := make([]geometry.Box, 6)
	for i := range probs {
		probs[i] = []float32{0.3, 0.3, 0.4}
		boxes[i] = geometry.Box{CX: float32(i+1) * 0.14, CY: 0.5, W: 0.1, H: 0.2}
	}
	view := layerOutput(t, probs, boxes)

	target := &detr.Target{
		Labels: []int{1, 0, 1},
		Boxes: []geometry.Box{
			{CX: 0.3, CY: 0.5, W: 0.1, H: 0.2},
			{CX: 0.6, CY: 0.4, W: 0.2, H: 0.2},
			{CX: 0.9, CY: 0.6, W: 0.1, H: 0.1},
		},
		Area:    []float32{10, 20, 30},
		IsCrowd: []bool{false, false, false},
	}

	got, err := m.Match(view, target)
	require.NoError(t, err, "match should succeed")
	require.Equal(t, 3, got.Len(), "should produce min(Q, n) pairs")

	seenSlot := map[int]bool{}
	seenTgt := map[int]bool{}
	for k := range got.Slots {
		assert.False(t, seenSlot[got.Slots[k]], "no slot should repeat")
		assert.False(t, seenTgt[got.Targets[k]], "no target should repeat")
		seenSlot[got.Slots[k]] = true
		seenTgt[got.Targets[k]] = true
	}
	for k := 1; k < len(got.Slots); k++ {
		assert.Greater(t, got.Slots[k], got.Slots[k-1], "slots should come back ascending")
	}
}

// TestMatchEmptyTargets validates the no-op policy for images without
// ground truth.
func TestMatchEmptyTargets(t *testing.T) {
	m, err := NewHungarianMatcher(1, 5, 2)
	require.NoError(t, err, "matcher should build")

	view := layerOutput(t,
		[][]float32{{0.5, 0.5}},
		[]geometry.Box{{CX: 0.5, CY: 0.5, W: 0.2, H: 0.2}})

	got, err := m.Match(view, &detr.Target{})
	require.NoError(t, err, "empty targets should not error")
	assert.Zero(t, got.Len(), "empty targets should yield an empty assignment")
}

// TestMatchRejectsMalformedBoxes validates the fail-fast on degenerate
// geometry, which signals an upstream data bug.
func TestMatchRejectsMalformedBoxes(t *testing.T) {
	m, err := NewHungarianMatcher(1, 5, 2)
	require.NoError(t, err, "matcher should build")

	view := layerOutput(t,
		[][]float32{{0.5, 0.3, 0.2}},
		[]geometry.Box{{CX: 0.5, CY: 0.5, W: 0.2, H: 0.2}})

	_, err = m.Match(view, &detr.Target{
		Labels:  []int{0},
		Boxes:   []geometry.Box{{CX: 0.5, CY: 0.5, W: -0.2, H: 0.2}},
		Area:    []float32{1},
		IsCrowd: []bool{false},
	})
	assert.Error(t, err, "negative target extent should be rejected")

	badView := layerOutput(t,
		[][]float32{{0.5, 0.3, 0.2}},
		[]geometry.Box{{CX: 0.5, CY: 0.5, W: 0.2, H: -0.2}})
	_, err = m.Match(badView, &detr.Target{
		Labels:  []int{0},
		Boxes:   []geometry.Box{{CX: 0.5, CY: 0.5, W: 0.2, H: 0.2}},
		Area:    []float32{1},
		IsCrowd: []bool{false},
	})
	assert.Error(t, err, "negative predicted extent should be rejected")
}

// TestMatchRejectsLabelOutOfRange validates the class-range check.
func TestMatchRejectsLabelOutOfRange(t *testing.T) {
	m, err := NewHungarianMatcher(1, 5, 2)
	require.NoError(t, err, "matcher should build")

	view := layerOutput(t,
		[][]float32{{0.5, 0.3, 0.2}},
		[]geometry.Box{{CX: 0.5, CY: 0.5, W: 0.2, H: 0.2}})

	_, err = m.Match(view, &detr.Target{
		Labels:  []int{2}, // only classes 0 and 1 exist; 2 is no-object
		Boxes:   []geometry.Box{{CX: 0.5, CY: 0.5, W: 0.2, H: 0.2}},
		Area:    []float32{1},
		IsCrowd: []bool{false},
	})
	assert.Error(t, err, "a label pointing at the no-object channel should be rejected")
}

// TestMatchRejectsNonFiniteCost validates the finiteness guard: NaN
// logits would otherwise poison the cost matrix and crash the solver.
func TestMatchRejectsNonFiniteCost(t *testing.T) {
	m, err := NewHungarianMatcher(1, 5, 2)
	require.NoError(t, err, "matcher should build")

	out := detr.LayerOutput{
		Logits: tensor.New(tensor.WithShape(1, 1, 3),
			tensor.WithBacking([]float32{float32(math.NaN()), 0, 0})),
		Boxes: tensor.New(tensor.WithShape(1, 1, 4),
			tensor.WithBacking([]float32{0.5, 0.5, 0.2, 0.2})),
	}
	views, err := out.Views()
	require.NoError(t, err, "shapes are fine, only the values are poisoned")

	_, err = m.Match(views[0], &detr.Target{
		Labels:  []int{0},
		Boxes:   []geometry.Box{{CX: 0.5, CY: 0.5, W: 0.2, H: 0.2}},
		Area:    []float32{1},
		IsCrowd: []bool{false},
	})
	assert.Error(t, err, "a NaN logit should be rejected before the solver runs")
}

// TestNewHungarianMatcherRejectsAllZeroWeights validates the constructor
// guard.
func TestNewHungarianMatcherRejectsAllZeroWeights(t *testing.T) {
	_, err := NewHungarianMatcher(0, 0, 0)
	assert.Error(t, err, "all-zero cost weights should be rejected")
}
