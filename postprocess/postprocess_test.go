package postprocess

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/susanbao/dedetr-go/detr"
	"github.com/susanbao/dedetr-go/geometry"
)

// buildOutput assembles a single-image layer output from per-slot class
// probabilities (log-probabilities in, softmax recovers them) and boxes.
func buildOutput(t *testing.T, probs [][]float32, boxes []geometry.Box) *detr.LayerOutput {
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
	return &detr.LayerOutput{
		Logits: tensor.New(tensor.WithShape(1, slots, classes), tensor.WithBacking(logits)),
		Boxes:  tensor.New(tensor.WithShape(1, slots, 4), tensor.WithBacking(flat)),
	}
}

// TestProcessWithoutSuppression validates the plain decode: fixed
// cardinality, slot order preserved, boxes scaled into the image.
func TestProcessWithoutSuppression(t *testing.T) {
	p, err := New(Config{NumQueries: 3})
	require.NoError(t, err, "postprocessor should build")

	out := buildOutput(t,
		[][]float32{
			{0.7, 0.2, 0.1},
			{0.1, 0.6, 0.3},
			{0.2, 0.2, 0.6},
		},
		[]geometry.Box{
			{CX: 0.5, CY: 0.5, W: 0.2, H: 0.2},
			{CX: 0.25, CY: 0.75, W: 0.1, H: 0.3},
			{CX: 0.9, CY: 0.1, W: 0.1, H: 0.1},
		})

	results, err := p.Process(out, []Size{{Height: 200, Width: 400}})
	require.NoError(t, err, "process should succeed")
	require.Len(t, results, 1, "one image in, one detection list out")

	dets := results[0]
	require.Len(t, dets, 3, "output cardinality should equal the slot count")

	assert.Equal(t, 0, dets[0].Label, "slot 0 should keep its best non-background class")
	assert.InDelta(t, 0.7, dets[0].Score, 1e-5, "slot 0 score should be its class probability")
	assert.Equal(t, 1, dets[1].Label, "slot 1 should keep its best non-background class")
	// Slot 2's best class overall is no-object; the best real class wins instead.
	assert.Equal(t, 0, dets[2].Label, "the no-object channel should never be emitted as a label")
	assert.InDelta(t, 0.2, dets[2].Score, 1e-5, "slot 2 score should be its best real-class probability")

	for i, d := range dets {
		assert.GreaterOrEqual(t, d.Box.X1, float32(0), "detection %d should lie inside the image", i)
		assert.GreaterOrEqual(t, d.Box.Y1, float32(0), "detection %d should lie inside the image", i)
		assert.LessOrEqual(t, d.Box.X2, float32(400), "detection %d should lie inside the image", i)
		assert.LessOrEqual(t, d.Box.Y2, float32(200), "detection %d should lie inside the image", i)
	}

	// Slot 0's box, hand-scaled: (0.4..0.6)x400 horizontally, x200 vertically.
	assert.InDelta(t, 160, dets[0].Box.X1, 1e-3, "x1 should scale by the image width")
	assert.InDelta(t, 240, dets[0].Box.X2, 1e-3, "x2 should scale by the image width")
	assert.InDelta(t, 80, dets[0].Box.Y1, 1e-3, "y1 should scale by the image height")
	assert.InDelta(t, 120, dets[0].Box.Y2, 1e-3, "y2 should scale by the image height")
}

// TestProcessSuppressionDecaysDuplicates validates the decay fallback: a
// fully overlapping same-class duplicate keeps its place in the output
// with its score multiplied down, ordered after every kept detection.
func TestProcessSuppressionDecaysDuplicates(t *testing.T) {
	p, err := New(Config{NumQueries: 2, NMS: true, IoUThreshold: 0.7, ScoreDecay: 0.01})
	require.NoError(t, err, "postprocessor should build")

	box := geometry.Box{CX: 0.5, CY: 0.5, W: 0.2, H: 0.2}
	out := buildOutput(t,
		[][]float32{
			{0.9, 0.1},
			{0.8, 0.2},
		},
		[]geometry.Box{box, box})

	results, err := p.Process(out, []Size{{Height: 100, Width: 100}})
	require.NoError(t, err, "process should succeed")

	dets := results[0]
	require.Len(t, dets, 2, "suppression should not change the output cardinality")

	assert.InDelta(t, 0.9, dets[0].Score, 1e-5, "the winner keeps its score")
	assert.Equal(t, dets[0].Label, dets[1].Label, "both detections share the class")
	assert.InDelta(t, 0.008, dets[1].Score, 1e-6, "the duplicate's score should decay by the factor")
}

// TestProcessSuppressionKeepsDistinctClasses validates that suppression is
// class-aware: identical boxes of different classes both survive intact.
func TestProcessSuppressionKeepsDistinctClasses(t *testing.T) {
	p, err := New(Config{NumQueries: 2, NMS: true, IoUThreshold: 0.5, ScoreDecay: 0.01})
	require.NoError(t, err, "postprocessor should build")

	box := geometry.Box{CX: 0.5, CY: 0.5, W: 0.2, H: 0.2}
	out := buildOutput(t,
		[][]float32{
			{0.9, 0.05, 0.05},
			{0.05, 0.9, 0.05},
		},
		[]geometry.Box{box, box})

	results, err := p.Process(out, []Size{{Height: 100, Width: 100}})
	require.NoError(t, err, "process should succeed")

	dets := results[0]
	require.Len(t, dets, 2, "nothing should be suppressed across classes")
	assert.InDelta(t, 0.9, dets[0].Score, 1e-5, "first class should keep its score")
	assert.InDelta(t, 0.9, dets[1].Score, 1e-5, "second class should keep its score")
	assert.NotEqual(t, dets[0].Label, dets[1].Label, "labels should differ")
}

// TestProcessMaxDetectionsCap validates truncation to a configured cap
// smaller than the slot count.
func TestProcessMaxDetectionsCap(t *testing.T) {
	p, err := New(Config{NumQueries: 3, MaxDetections: 2})
	require.NoError(t, err, "postprocessor should build")

	out := buildOutput(t,
		[][]float32{
			{0.7, 0.3},
			{0.6, 0.4},
			{0.5, 0.5},
		},
		[]geometry.Box{
			{CX: 0.2, CY: 0.2, W: 0.1, H: 0.1},
			{CX: 0.5, CY: 0.5, W: 0.1, H: 0.1},
			{CX: 0.8, CY: 0.8, W: 0.1, H: 0.1},
		})

	results, err := p.Process(out, []Size{{Height: 100, Width: 100}})
	require.NoError(t, err, "process should succeed")
	assert.Len(t, results[0], 2, "the cap should truncate the per-image list")
}

// TestProcessBatchMismatch validates the shape contract on sizes.
func TestProcessBatchMismatch(t *testing.T) {
	p, err := New(Config{NumQueries: 1})
	require.NoError(t, err, "postprocessor should build")

	out := buildOutput(t,
		[][]float32{{0.5, 0.5}},
		[]geometry.Box{{CX: 0.5, CY: 0.5, W: 0.2, H: 0.2}})

	_, err = p.Process(out, []Size{{Height: 10, Width: 10}, {Height: 20, Width: 20}})
	assert.Error(t, err, "a size-list length mismatch should be rejected")
}
