package detr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Loss identifies one loss term family computed by the criterion.
type Loss string

const (
	// LossLabels is the classification loss (plus the class-error diagnostic).
	LossLabels Loss = "labels"
	// LossBoxes is the L1 + generalized-IoU box regression loss.
	LossBoxes Loss = "boxes"
	// LossCardinality is the non-differentiable slot-count diagnostic.
	LossCardinality Loss = "cardinality"
	// LossMasks is the focal + dice segmentation loss.
	LossMasks Loss = "masks"
)

// Config carries every knob the detection core consumes. Start from
// DefaultConfig and override; Validate catches the contradictions that
// must abort startup.
type Config struct {
	// NumClasses is the number of object classes, excluding no-object.
	NumClasses int `json:"num_classes" yaml:"num_classes"`
	// NumQueries is the slot count Q per image.
	NumQueries int `json:"num_queries" yaml:"num_queries"`

	// CostClass, CostBBox and CostGIoU weight the matcher cost terms.
	CostClass float32 `json:"cost_class" yaml:"cost_class"`
	CostBBox  float32 `json:"cost_bbox" yaml:"cost_bbox"`
	CostGIoU  float32 `json:"cost_giou" yaml:"cost_giou"`

	// BBoxLossCoef and GIoULossCoef weight the box loss terms in the
	// training objective; MaskLossCoef and DiceLossCoef the mask terms.
	BBoxLossCoef float32 `json:"bbox_loss_coef" yaml:"bbox_loss_coef"`
	GIoULossCoef float32 `json:"giou_loss_coef" yaml:"giou_loss_coef"`
	MaskLossCoef float32 `json:"mask_loss_coef" yaml:"mask_loss_coef"`
	DiceLossCoef float32 `json:"dice_loss_coef" yaml:"dice_loss_coef"`

	// EOSCoef down-weights the no-object class in the classification loss
	// so the many unmatched slots do not dominate.
	EOSCoef float32 `json:"eos_coef" yaml:"eos_coef"`

	// AuxLoss enables supervision of the intermediate decoder layers;
	// DecLayers is the decoder depth, so DecLayers-1 auxiliary layers.
	AuxLoss   bool `json:"aux_loss" yaml:"aux_loss"`
	DecLayers int  `json:"dec_layers" yaml:"dec_layers"`

	// Masks enables the segmentation loss; layer outputs must then carry
	// mask logits and targets mask tensors.
	Masks bool `json:"masks" yaml:"masks"`

	// RepeatLabel duplicates every target instance a fixed number of times
	// before matching. RepeatRatio instead duplicates instances until the
	// foreground fraction of slots reaches the ratio. At most one may be set.
	RepeatLabel int     `json:"repeat_label" yaml:"repeat_label"`
	RepeatRatio float32 `json:"repeat_ratio" yaml:"repeat_ratio"`

	// NMS enables duplicate suppression during postprocessing.
	NMS bool `json:"nms" yaml:"nms"`
	// NMSThresh is the IoU overlap above which a same-class, lower-scored
	// detection is suppressed.
	NMSThresh float32 `json:"nms_thresh" yaml:"nms_thresh"`
	// NMSRemove is the score multiplier applied to suppressed detections
	// instead of dropping them, keeping the output cardinality fixed.
	NMSRemove float32 `json:"nms_remove" yaml:"nms_remove"`
	// MaxDetections caps the per-image output length. 0 means NumQueries.
	MaxDetections int `json:"max_detections" yaml:"max_detections"`

	// MultiScaleRoI enables multi-scale region-of-interest refinement;
	// NumFeatureLevels is the backbone feature-level count. Disabling the
	// former requires exactly one feature level.
	MultiScaleRoI    bool `json:"ms_roi" yaml:"ms_roi"`
	NumFeatureLevels int  `json:"num_feature_levels" yaml:"num_feature_levels"`
}

// DefaultConfig returns the configuration with the published defaults:
// COCO-sized class set, 100 queries, 1/5/2 matcher costs and a 6-layer
// decoder with auxiliary supervision.
func DefaultConfig() Config {
	return Config{
		NumClasses:       91,
		NumQueries:       100,
		CostClass:        1,
		CostBBox:         5,
		CostGIoU:         2,
		BBoxLossCoef:     5,
		GIoULossCoef:     2,
		MaskLossCoef:     1,
		DiceLossCoef:     1,
		EOSCoef:          0.1,
		AuxLoss:          true,
		DecLayers:        6,
		NMSThresh:        0.7,
		NMSRemove:        0.01,
		MultiScaleRoI:    true,
		NumFeatureLevels: 3,
	}
}

// Validate checks the configuration for fatal contradictions. Any error
// returned here must abort startup; none of them are recoverable.
//
// Returns:
//   - error: The first contradiction found, or nil.
func (c *Config) Validate() error {
	if c.NumClasses <= 0 {
		return errors.Errorf("num_classes must be positive, got %d", c.NumClasses)
	}
	if c.NumQueries <= 0 {
		return errors.Errorf("num_queries must be positive, got %d", c.NumQueries)
	}
	if c.DecLayers <= 0 {
		return errors.Errorf("dec_layers must be positive, got %d", c.DecLayers)
	}
	if c.CostClass == 0 && c.CostBBox == 0 && c.CostGIoU == 0 {
		return errors.New("matcher cost weights cannot all be zero")
	}
	if c.RepeatLabel < 0 {
		return errors.Errorf("repeat_label must be non-negative, got %d", c.RepeatLabel)
	}
	if c.RepeatLabel > 0 && c.RepeatRatio > 0 {
		return errors.New("repeat_label and repeat_ratio are mutually exclusive")
	}
	if c.RepeatRatio < 0 || c.RepeatRatio > 1 {
		return errors.Errorf("repeat_ratio must be in [0, 1], got %g", c.RepeatRatio)
	}
	if !c.MultiScaleRoI && c.NumFeatureLevels != 1 {
		return errors.Errorf("multi-scale RoI refinement is disabled but num_feature_levels is %d, want 1",
			c.NumFeatureLevels)
	}
	if c.NMS {
		if c.NMSThresh < 0 || c.NMSThresh > 1 {
			return errors.Errorf("nms_thresh must be in [0, 1], got %g", c.NMSThresh)
		}
		if c.NMSRemove < 0 || c.NMSRemove > 1 {
			return errors.Errorf("nms_remove must be in [0, 1], got %g", c.NMSRemove)
		}
	}
	if c.MaxDetections < 0 {
		return errors.Errorf("max_detections must be non-negative, got %d", c.MaxDetections)
	}
	return nil
}

// Losses returns the active loss set for this configuration.
func (c *Config) Losses() []Loss {
	losses := []Loss{LossLabels, LossBoxes, LossCardinality}
	if c.Masks {
		losses = append(losses, LossMasks)
	}
	return losses
}

// WeightDict returns the weight of every back-propagated loss term,
// auxiliary-layer entries included (suffixed with the layer index, so a
// deeper layer can be weighted differently by editing the returned map).
// Diagnostic terms (class_error, cardinality_error) carry no weight and
// are absent.
//
// Returns:
//   - map[string]float32: Loss-term name to objective weight.
func (c *Config) WeightDict() map[string]float32 {
	weights := map[string]float32{
		"loss_ce":   1,
		"loss_bbox": c.BBoxLossCoef,
		"loss_giou": c.GIoULossCoef,
	}
	if c.Masks {
		weights["loss_mask"] = c.MaskLossCoef
		weights["loss_dice"] = c.DiceLossCoef
	}
	if c.AuxLoss {
		aux := make(map[string]float32, len(weights)*(c.DecLayers-1))
		for k, v := range weights {
			for i := 0; i < c.DecLayers-1; i++ {
				if k == "loss_mask" || k == "loss_dice" {
					// Mask losses are skipped on auxiliary layers.
					continue
				}
				aux[fmt.Sprintf("%s_%d", k, i)] = v
			}
		}
		for k, v := range aux {
			weights[k] = v
		}
	}
	return weights
}
