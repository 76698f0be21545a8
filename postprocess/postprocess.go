// Package postprocess - converts raw decoder output into scored, scaled
// detections for evaluation.
package postprocess

import (
	"github.com/pkg/errors"

	"github.com/susanbao/dedetr-go/detr"
	"github.com/susanbao/dedetr-go/geometry"
)

// Config defines the postprocessing parameters.
type Config struct {
	// NumQueries is the slot count Q per image.
	NumQueries int `json:"num_queries" yaml:"num_queries"`
	// NMS enables class-aware duplicate suppression.
	NMS bool `json:"nms" yaml:"nms"`
	// IoUThreshold is the overlap above which a same-class, lower-scored
	// detection counts as a duplicate.
	IoUThreshold float32 `json:"iou_threshold" yaml:"iou_threshold"`
	// ScoreDecay multiplies the score of suppressed detections instead of
	// dropping them, keeping the output cardinality fixed for downstream
	// consumers with static shapes.
	ScoreDecay float32 `json:"score_decay" yaml:"score_decay"`
	// MaxDetections caps the per-image output length. 0 means NumQueries.
	MaxDetections int `json:"max_detections" yaml:"max_detections"`
}

// PostProcessor turns per-slot logits and boxes into per-image detection
// lists in absolute pixel coordinates. Inference only; nothing here feeds
// the backward pass.
type PostProcessor struct {
	cfg Config
}

// New creates a postprocessor.
//
// Arguments:
//   - cfg: The postprocessing parameters.
//
// Returns:
//   - *PostProcessor: The postprocessor.
//   - error: An error if thresholds are out of range.
func New(cfg Config) (*PostProcessor, error) {
	if cfg.NumQueries <= 0 {
		return nil, errors.Errorf("num queries must be positive, got %d", cfg.NumQueries)
	}
	if cfg.NMS {
		if cfg.IoUThreshold < 0 || cfg.IoUThreshold > 1 {
			return nil, errors.Errorf("iou threshold must be in [0, 1], got %g", cfg.IoUThreshold)
		}
		if cfg.ScoreDecay < 0 || cfg.ScoreDecay > 1 {
			return nil, errors.Errorf("score decay must be in [0, 1], got %g", cfg.ScoreDecay)
		}
	}
	if cfg.MaxDetections == 0 {
		cfg.MaxDetections = cfg.NumQueries
	}
	return &PostProcessor{cfg: cfg}, nil
}

// Size is one image's original (pre-padding) size in pixels. Rescaling
// with the padded network input size instead would skew every downstream
// localization metric.
type Size struct {
	Height int `json:"height" yaml:"height"`
	Width  int `json:"width" yaml:"width"`
}

// Process converts one layer's raw output into per-image detections.
//
// Per slot, the best non-no-object class under the softmax becomes the
// (score, label) pair and the box is converted to corner form. Without
// suppression the slot order is preserved and the output length is exactly
// Q. With suppression, kept detections come first in descending score
// order, then the suppressed ones in slot order with decayed scores; the
// list is truncated to min(Q, MaxDetections). Boxes are rescaled to
// absolute pixels of each image's original size.
//
// Arguments:
//   - out: The final decoder layer's output.
//   - sizes: One original size per image, batch order.
//
// Returns:
//   - [][]detr.Detection: Per-image detections, batch order.
//   - error: An error on shape mismatches.
func (p *PostProcessor) Process(out *detr.LayerOutput, sizes []Size) ([][]detr.Detection, error) {
	views, err := out.Views()
	if err != nil {
		return nil, err
	}
	if len(views) != len(sizes) {
		return nil, errors.Errorf("batch mismatch: %d outputs vs %d sizes", len(views), len(sizes))
	}

	results := make([][]detr.Detection, len(views))
	probs := make([]float32, 0)
	for i, v := range views {
		if v.Slots != p.cfg.NumQueries {
			return nil, errors.Errorf("image %d has %d slots, configured for %d", i, v.Slots, p.cfg.NumQueries)
		}
		if cap(probs) < v.Classes {
			probs = make([]float32, v.Classes)
		}
		probs = probs[:v.Classes]

		dets := make([]detr.Detection, v.Slots)
		for s := 0; s < v.Slots; s++ {
			v.Probs(s, probs)
			// Best class excluding the trailing no-object channel.
			best := 0
			for cl := 1; cl < v.Classes-1; cl++ {
				if probs[cl] > probs[best] {
					best = cl
				}
			}
			dets[s] = detr.Detection{
				Score: probs[best],
				Label: best,
				Box:   v.Box(s).Rect(),
			}
		}

		if p.cfg.NMS {
			dets = suppressWithDecay(dets, p.cfg.IoUThreshold, p.cfg.ScoreDecay)
		}
		if len(dets) > p.cfg.MaxDetections {
			dets = dets[:p.cfg.MaxDetections]
		}

		// From normalized [0, 1] to absolute pixel coordinates.
		fw := float32(sizes[i].Width)
		fh := float32(sizes[i].Height)
		for d := range dets {
			dets[d].Box = geometry.Rect{
				X1: dets[d].Box.X1 * fw,
				Y1: dets[d].Box.Y1 * fh,
				X2: dets[d].Box.X2 * fw,
				Y2: dets[d].Box.Y2 * fh,
			}
		}
		results[i] = dets
	}
	return results, nil
}
