// Package criterion - the set-prediction training loss.
//
// Each step pairs every image's prediction slots with its ground-truth
// instances (Hungarian assignment) and supervises the matched pairs on
// class and box, the unmatched slots toward no-object, and optionally the
// matched masks. Intermediate decoder layers get the same treatment with
// an independently re-solved assignment per layer.
package criterion

import (
	"math"
	"strconv"
	"sync"

	"github.com/pkg/errors"

	"github.com/susanbao/dedetr-go/augment"
	"github.com/susanbao/dedetr-go/detr"
	"github.com/susanbao/dedetr-go/dist"
	"github.com/susanbao/dedetr-go/matcher"
)

// SetCriterion computes the named scalar loss bundle for one training step.
// It owns no model state; everything it needs crosses the call boundary as
// typed tensors.
type SetCriterion struct {
	numClasses  int // real classes, excluding no-object
	matcher     *matcher.HungarianMatcher
	losses      []detr.Loss
	emptyWeight []float32 // per-class CE weight, last entry is the no-object down-weight
	repeater    *augment.Repeater
	reducer     dist.Reducer
	withMasks   bool
	training    bool
}

// New creates the criterion.
//
// Arguments:
//   - cfg: Validated configuration.
//   - m: The assignment matcher.
//   - rep: Label-repetition augmenter; nil disables augmentation.
//   - red: Distributed reducer for the loss normalizer; nil means a single
//     process.
//
// Returns:
//   - *SetCriterion: The criterion, in training mode.
//   - error: An error if the configuration is invalid.
func New(cfg *detr.Config, m *matcher.HungarianMatcher, rep *augment.Repeater, red dist.Reducer) (*SetCriterion, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "criterion config")
	}
	if m == nil {
		return nil, errors.New("criterion needs a matcher")
	}
	if red == nil {
		red = dist.SingleProcess{}
	}
	emptyWeight := make([]float32, cfg.NumClasses+1)
	for i := range emptyWeight {
		emptyWeight[i] = 1
	}
	emptyWeight[cfg.NumClasses] = cfg.EOSCoef

	return &SetCriterion{
		numClasses:  cfg.NumClasses,
		matcher:     m,
		losses:      cfg.Losses(),
		emptyWeight: emptyWeight,
		repeater:    rep,
		reducer:     red,
		withMasks:   cfg.Masks,
		training:    true,
	}, nil
}

// Train toggles training mode. Augmentation only runs while training;
// every loss term is computed in both modes.
func (c *SetCriterion) Train(on bool) {
	c.training = on
}

// Forward computes the loss bundle for one step.
//
// When augmentation is configured and the criterion is in training mode,
// the targets are mutated in place (instances duplicated and flagged)
// before the first assignment is solved; callers must not assume targets
// are unchanged afterwards. The assignment is re-solved per supervised
// layer. Auxiliary terms carry a layer-index suffix (`loss_ce_0`, ...);
// mask losses and the class-error diagnostic are last-layer only.
//
// Arguments:
//   - outputs: The decoder's last-layer and auxiliary predictions.
//   - targets: One target per image, same order as the batch.
//
// Returns:
//   - map[string]float32: Loss-term name to scalar value.
//   - error: An error on shape mismatches, malformed data, or missing masks.
func (c *SetCriterion) Forward(outputs *detr.Outputs, targets []*detr.Target) (map[string]float32, error) {
	views, err := outputs.Last.Views()
	if err != nil {
		return nil, errors.Wrap(err, "last layer")
	}
	if len(views) != len(targets) {
		return nil, errors.Errorf("batch mismatch: %d outputs vs %d targets", len(views), len(targets))
	}
	if len(views) > 0 && views[0].Classes != c.numClasses+1 {
		return nil, errors.Errorf("logits carry %d class channels, configured for %d classes plus no-object",
			views[0].Classes, c.numClasses)
	}
	for i, t := range targets {
		if err := t.Validate(); err != nil {
			return nil, errors.Wrapf(err, "target %d", i)
		}
	}
	if c.withMasks && outputs.Last.Masks == nil {
		return nil, errors.New("mask loss enabled but last layer carries no mask logits")
	}

	if c.training && c.repeater != nil && c.repeater.Enabled() {
		for i, t := range targets {
			if err := c.repeater.Apply(t); err != nil {
				return nil, errors.Wrapf(err, "augmenting target %d", i)
			}
		}
	}

	indices, err := c.matchAll(views, targets)
	if err != nil {
		return nil, err
	}

	numBoxes := c.normalizer(targets)

	bundle := map[string]float32{}
	for _, loss := range c.losses {
		terms, err := c.computeLoss(loss, &outputs.Last, views, targets, indices, numBoxes, true)
		if err != nil {
			return nil, err
		}
		for k, v := range terms {
			bundle[k] = v
		}
	}

	for li, aux := range outputs.Aux {
		auxViews, err := aux.Views()
		if err != nil {
			return nil, errors.Wrapf(err, "auxiliary layer %d", li)
		}
		if len(auxViews) > 0 && auxViews[0].Classes != c.numClasses+1 {
			return nil, errors.Errorf("auxiliary layer %d logits carry %d class channels, configured for %d classes plus no-object",
				li, auxViews[0].Classes, c.numClasses)
		}
		auxIndices, err := c.matchAll(auxViews, targets)
		if err != nil {
			return nil, errors.Wrapf(err, "auxiliary layer %d", li)
		}
		for _, loss := range c.losses {
			if loss == detr.LossMasks {
				// Intermediate mask losses are too costly to compute.
				continue
			}
			terms, err := c.computeLoss(loss, &aux, auxViews, targets, auxIndices, numBoxes, false)
			if err != nil {
				return nil, errors.Wrapf(err, "auxiliary layer %d", li)
			}
			for k, v := range terms {
				bundle[k+"_"+strconv.Itoa(li)] = v
			}
		}
	}

	return bundle, nil
}

// normalizer computes num_boxes: the batch-wide target count summed across
// the process group, divided by world size and floored at 1. Every replica
// must end up with the identical value or data-parallel gradients scale
// inconsistently, so the collective runs unconditionally.
func (c *SetCriterion) normalizer(targets []*detr.Target) float32 {
	raw := 0
	for _, t := range targets {
		raw += t.Len()
	}
	sum := c.reducer.AllReduceSum(float64(raw))
	return float32(math.Max(sum/float64(c.reducer.WorldSize()), 1))
}

// matchAll solves the per-image assignments concurrently. Images are
// independent, so the fan-out is free of data races on the shared targets:
// augmentation already happened, and Match only reads.
func (c *SetCriterion) matchAll(views []detr.ImageView, targets []*detr.Target) ([]matcher.Assignment, error) {
	indices := make([]matcher.Assignment, len(views))
	errs := make([]error, len(views))

	var wg sync.WaitGroup
	for i := range views {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			indices[i], errs[i] = c.matcher.Match(views[i], targets[i])
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, errors.Wrapf(err, "matching image %d", i)
		}
	}
	return indices, nil
}

// computeLoss dispatches one loss family.
func (c *SetCriterion) computeLoss(
	loss detr.Loss,
	out *detr.LayerOutput,
	views []detr.ImageView,
	targets []*detr.Target,
	indices []matcher.Assignment,
	numBoxes float32,
	lastLayer bool,
) (map[string]float32, error) {
	switch loss {
	case detr.LossLabels:
		return c.lossLabels(views, targets, indices, lastLayer)
	case detr.LossCardinality:
		return c.lossCardinality(views, targets)
	case detr.LossBoxes:
		return c.lossBoxes(views, targets, indices, numBoxes)
	case detr.LossMasks:
		return c.lossMasks(out, targets, indices, numBoxes)
	default:
		return nil, errors.Errorf("unknown loss %q", loss)
	}
}

// WeightedSum folds a loss bundle into the single backward-pass objective.
// Bundle entries without a weight (the diagnostics) are ignored.
//
// Arguments:
//   - bundle: Loss-term name to scalar, as returned by Forward.
//   - weights: Loss-term name to objective weight, from Config.WeightDict.
//
// Returns:
//   - float32: The weighted sum.
func WeightedSum(bundle, weights map[string]float32) float32 {
	var total float32
	for k, v := range bundle {
		if w, ok := weights[k]; ok {
			total += w * v
		}
	}
	return total
}
