// Package dedetr - assembles the set-prediction detector training core:
// target augmentation, bipartite matching, the multi-term set criterion,
// and inference postprocessing. The feature backbone and the attention
// decoder are external collaborators; they meet this core only as typed
// tensors (detr.LayerOutput in, loss bundles and detections out).
package dedetr

import (
	"math/rand"
	"time"

	"github.com/pkg/errors"

	"github.com/susanbao/dedetr-go/augment"
	"github.com/susanbao/dedetr-go/criterion"
	"github.com/susanbao/dedetr-go/detr"
	"github.com/susanbao/dedetr-go/dist"
	"github.com/susanbao/dedetr-go/matcher"
	"github.com/susanbao/dedetr-go/postprocess"
)

// Core bundles everything the training loop and the evaluator need.
type Core struct {
	// Criterion computes the per-step loss bundle.
	Criterion *criterion.SetCriterion
	// PostProcessor converts raw output into detections at inference.
	PostProcessor *postprocess.PostProcessor
	// Weights maps loss-term names to their objective weights, auxiliary
	// entries included. Feed it to criterion.WeightedSum.
	Weights map[string]float32
}

// Build validates the configuration and wires the core together.
//
// Arguments:
//   - cfg: The full configuration; validation failures abort startup.
//   - red: Distributed reducer for the loss normalizer; nil for a single
//     process.
//   - rng: Random source for ratio-mode augmentation sampling; nil seeds
//     from the clock. Inject a seeded source for reproducible runs.
//
// Returns:
//   - *Core: The assembled core, criterion in training mode.
//   - error: The first fatal configuration error.
func Build(cfg detr.Config, red dist.Reducer, rng *rand.Rand) (*Core, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config")
	}

	m, err := matcher.NewHungarianMatcher(cfg.CostClass, cfg.CostBBox, cfg.CostGIoU)
	if err != nil {
		return nil, errors.Wrap(err, "matcher")
	}

	var rep *augment.Repeater
	if cfg.RepeatLabel > 0 || cfg.RepeatRatio > 0 {
		if rng == nil {
			rng = rand.New(rand.NewSource(time.Now().UnixNano()))
		}
		rep, err = augment.NewRepeater(cfg.RepeatLabel, cfg.RepeatRatio, cfg.NumQueries, rng)
		if err != nil {
			return nil, errors.Wrap(err, "augmenter")
		}
	}

	crit, err := criterion.New(&cfg, m, rep, red)
	if err != nil {
		return nil, errors.Wrap(err, "criterion")
	}

	pp, err := postprocess.New(postprocess.Config{
		NumQueries:    cfg.NumQueries,
		NMS:           cfg.NMS,
		IoUThreshold:  cfg.NMSThresh,
		ScoreDecay:    cfg.NMSRemove,
		MaxDetections: cfg.MaxDetections,
	})
	if err != nil {
		return nil, errors.Wrap(err, "postprocessor")
	}

	return &Core{
		Criterion:     crit,
		PostProcessor: pp,
		Weights:       cfg.WeightDict(),
	}, nil
}
