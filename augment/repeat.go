// Package augment - label-repetition augmentation for detection targets.
//
// Repeating positive instances before matching raises the foreground
// density the assignment sees, which rebalances images whose few objects
// would otherwise be drowned out by no-object slots.
package augment

import (
	"math/rand"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/susanbao/dedetr-go/detr"
)

// Repeater duplicates target instances in place, either a fixed number of
// times per instance or until a desired fraction of the prediction slots
// has a foreground instance to match.
type Repeater struct {
	repeatCount int
	repeatRatio float32
	numQueries  int
	rng         *rand.Rand
}

// NewRepeater creates a repeater.
//
// Arguments:
//   - repeatCount: Fixed per-instance duplication count; 0 disables.
//   - repeatRatio: Desired foreground fraction of slots; 0 disables.
//   - numQueries: The slot count Q.
//   - rng: Source for ratio-mode remainder sampling. Determinism of the
//     augmentation follows determinism of this source.
//
// Returns:
//   - *Repeater: The repeater.
//   - error: An error if both modes are set or the ratio is out of range.
func NewRepeater(repeatCount int, repeatRatio float32, numQueries int, rng *rand.Rand) (*Repeater, error) {
	if repeatCount > 0 && repeatRatio > 0 {
		return nil, errors.New("repeat count and repeat ratio are mutually exclusive")
	}
	if repeatRatio < 0 || repeatRatio > 1 {
		return nil, errors.Errorf("repeat ratio must be in [0, 1], got %g", repeatRatio)
	}
	if repeatCount < 0 {
		return nil, errors.Errorf("repeat count must be non-negative, got %d", repeatCount)
	}
	if numQueries <= 0 {
		return nil, errors.Errorf("num queries must be positive, got %d", numQueries)
	}
	if repeatRatio > 0 && rng == nil {
		return nil, errors.New("ratio mode needs a random source")
	}
	return &Repeater{
		repeatCount: repeatCount,
		repeatRatio: repeatRatio,
		numQueries:  numQueries,
		rng:         rng,
	}, nil
}

// Enabled reports whether either repetition mode is configured.
func (r *Repeater) Enabled() bool {
	return r.repeatCount > 0 || r.repeatRatio > 0
}

// Apply rewrites one image's target set in place.
//
// In count mode every instance list is tiled repeatCount times. In ratio
// mode the desired foreground count is f = floor(ratio*Q); the lists are
// tiled floor(f/n) times and f mod n uniformly sampled distinct instances
// are appended once more, so the final count is exactly f. Images with no
// instances, or already at n >= f, are left untouched: the ratio is a
// lower bound, never a trim.
//
// After duplication IsOriginal marks the first n rows (the pre-existing
// instances, order preserved) as original and every appended row as a
// duplicate.
//
// Arguments:
//   - t: The target to mutate.
//
// Returns:
//   - error: An error if the target's masks cannot be repeated.
func (r *Repeater) Apply(t *detr.Target) error {
	if !r.Enabled() {
		return nil
	}
	n := t.Len()
	if n == 0 {
		return nil
	}

	repeat := r.repeatCount
	var extra []int
	if r.repeatRatio > 0 {
		fore := int(r.repeatRatio * float32(r.numQueries))
		if n >= fore {
			return nil
		}
		repeat = fore / n
		extra = r.rng.Perm(n)[:fore%n]
	}

	t.Labels = tile(t.Labels, repeat)
	t.Boxes = tile(t.Boxes, repeat)
	t.Area = tile(t.Area, repeat)
	t.IsCrowd = tile(t.IsCrowd, repeat)
	for _, idx := range extra {
		t.Labels = append(t.Labels, t.Labels[idx])
		t.Boxes = append(t.Boxes, t.Boxes[idx])
		t.Area = append(t.Area, t.Area[idx])
		t.IsCrowd = append(t.IsCrowd, t.IsCrowd[idx])
	}
	if t.Masks != nil {
		repeated, err := repeatMasks(t.Masks, repeat, extra)
		if err != nil {
			return errors.Wrap(err, "repeating target masks")
		}
		t.Masks = repeated
	}

	t.IsOriginal = make([]bool, t.Len())
	for i := 0; i < n; i++ {
		t.IsOriginal[i] = true
	}
	return nil
}

// tile repeats the whole slice `repeat` times, so the first len(s) rows
// keep the pre-existing order.
func tile[T any](s []T, repeat int) []T {
	out := make([]T, 0, len(s)*repeat)
	for i := 0; i < repeat; i++ {
		out = append(out, s...)
	}
	return out
}

// repeatMasks tiles the (n, H, W) mask tensor `repeat` times along the
// instance axis and appends the sampled extra instances.
func repeatMasks(masks *tensor.Dense, repeat int, extra []int) (*tensor.Dense, error) {
	shape := masks.Shape()
	if len(shape) != 3 {
		return nil, errors.Errorf("masks must be (instances, H, W), got %v", shape)
	}
	n, h, w := shape[0], shape[1], shape[2]
	data, ok := masks.Data().([]float32)
	if !ok {
		return nil, errors.New("masks must be float32")
	}
	plane := h * w
	out := make([]float32, 0, (n*repeat+len(extra))*plane)
	for rep := 0; rep < repeat; rep++ {
		out = append(out, data[:n*plane]...)
	}
	for _, idx := range extra {
		out = append(out, data[idx*plane:(idx+1)*plane]...)
	}
	return tensor.New(
		tensor.WithShape(n*repeat+len(extra), h, w),
		tensor.WithBacking(out),
	), nil
}
