// Package detr - boundary types shared by the matching, criterion and
// postprocessing stages of the set-prediction detection core.
//
// The decoder hands this core one LayerOutput per supervised decoder layer;
// the dataset hands it one Target per image. Both are read through the
// typed accessors here so that shape validation happens once per call
// instead of ad hoc inside every loss term.
package detr

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/susanbao/dedetr-go/geometry"
)

// LayerOutput is the raw prediction of one decoder layer.
//
// Logits is (batch, slots, classes+1) float32 where the last class is the
// no-object class. Boxes is (batch, slots, 4) float32 in center-size
// encoding normalized to [0, 1]. Masks is optional, (batch, slots, h, w)
// float32 mask logits; it is populated only when segmentation is enabled
// in the configuration, never probed ad hoc.
type LayerOutput struct {
	Logits *tensor.Dense
	Boxes  *tensor.Dense
	Masks  *tensor.Dense
}

// Outputs is one forward pass: the final decoder layer plus the ordered
// intermediate layers used for auxiliary supervision (shallowest first).
type Outputs struct {
	Last LayerOutput
	Aux  []LayerOutput
}

// ImageView is a decoded, per-image view over one layer's predictions.
// It indexes the flat tensor backing directly so the per-slot loops in the
// matcher and criterion stay allocation-free.
type ImageView struct {
	// Slots is the number of prediction slots Q.
	Slots int
	// Classes is the number of class channels, including no-object.
	Classes int

	logits []float32
	boxes  []float32
}

// Views validates the layer's tensor shapes and splits it into one view
// per image.
//
// Returns:
//   - []ImageView: One view per batch element.
//   - error: An error if the tensors are missing, misshapen, or not float32.
func (o *LayerOutput) Views() ([]ImageView, error) {
	if o.Logits == nil || o.Boxes == nil {
		return nil, errors.New("layer output missing logits or boxes")
	}
	ls := o.Logits.Shape()
	bs := o.Boxes.Shape()
	if len(ls) != 3 {
		return nil, errors.Errorf("logits must be (batch, slots, classes), got %v", ls)
	}
	if len(bs) != 3 || bs[2] != 4 {
		return nil, errors.Errorf("boxes must be (batch, slots, 4), got %v", bs)
	}
	if ls[0] != bs[0] || ls[1] != bs[1] {
		return nil, errors.Errorf("logits %v and boxes %v disagree on batch/slots", ls, bs)
	}

	logits, ok := o.Logits.Data().([]float32)
	if !ok {
		return nil, errors.New("logits must be float32")
	}
	boxes, ok := o.Boxes.Data().([]float32)
	if !ok {
		return nil, errors.New("boxes must be float32")
	}

	batch, slots, classes := ls[0], ls[1], ls[2]
	views := make([]ImageView, batch)
	for i := 0; i < batch; i++ {
		views[i] = ImageView{
			Slots:   slots,
			Classes: classes,
			logits:  logits[i*slots*classes : (i+1)*slots*classes],
			boxes:   boxes[i*slots*4 : (i+1)*slots*4],
		}
	}
	return views, nil
}

// Logit returns the raw class logit for one slot.
func (v ImageView) Logit(slot, class int) float32 {
	return v.logits[slot*v.Classes+class]
}

// Box returns one slot's predicted box in center-size encoding.
func (v ImageView) Box(slot int) geometry.Box {
	o := slot * 4
	return geometry.Box{CX: v.boxes[o], CY: v.boxes[o+1], W: v.boxes[o+2], H: v.boxes[o+3]}
}

// Probs writes the softmax of one slot's class distribution into dst and
// returns it. dst must have length Classes; pass nil to allocate.
func (v ImageView) Probs(slot int, dst []float32) []float32 {
	if dst == nil {
		dst = make([]float32, v.Classes)
	}
	base := slot * v.Classes
	maxLogit := v.logits[base]
	for c := 1; c < v.Classes; c++ {
		if v.logits[base+c] > maxLogit {
			maxLogit = v.logits[base+c]
		}
	}
	var sum float32
	for c := 0; c < v.Classes; c++ {
		e := math32.Exp(v.logits[base+c] - maxLogit)
		dst[c] = e
		sum += e
	}
	for c := 0; c < v.Classes; c++ {
		dst[c] /= sum
	}
	return dst
}

// ArgMax returns the class with the highest logit for one slot. Ties break
// toward the lower class index.
func (v ImageView) ArgMax(slot int) int {
	base := slot * v.Classes
	best := 0
	for c := 1; c < v.Classes; c++ {
		if v.logits[base+c] > v.logits[base+best] {
			best = c
		}
	}
	return best
}

// Target is the ground truth for one image. The augmenter mutates it in
// place during training; after a criterion call with augmentation active
// the instance lists may be longer than loaded and IsOriginal marks which
// rows existed before duplication.
type Target struct {
	// Labels holds one class label in [0, classes) per instance.
	Labels []int
	// Boxes holds one center-size box per instance, normalized to [0, 1].
	Boxes []geometry.Box
	// Area holds the pixel area of each instance.
	Area []float32
	// IsCrowd marks crowd annotations.
	IsCrowd []bool
	// Masks is optional: (instances, H, W) float32 binary masks.
	Masks *tensor.Dense
	// IsOriginal is nil until augmentation runs; afterwards entry i reports
	// whether instance i existed before duplication.
	IsOriginal []bool
	// OrigHeight and OrigWidth are the image size before any padding. The
	// postprocessor must rescale with these, not the padded network size.
	OrigHeight, OrigWidth int
	// PadHeight and PadWidth are the padded size the network consumed.
	PadHeight, PadWidth int
	// ImageID is the dataset identifier, carried through for evaluation.
	ImageID int
}

// Len returns the number of target instances.
func (t *Target) Len() int {
	return len(t.Labels)
}

// Validate checks that the parallel instance lists agree in length.
func (t *Target) Validate() error {
	n := len(t.Labels)
	if len(t.Boxes) != n || len(t.Area) != n || len(t.IsCrowd) != n {
		return errors.Errorf("target instance lists disagree: labels=%d boxes=%d area=%d iscrowd=%d",
			n, len(t.Boxes), len(t.Area), len(t.IsCrowd))
	}
	if t.Masks != nil {
		ms := t.Masks.Shape()
		if len(ms) != 3 || ms[0] != n {
			return errors.Errorf("target masks must be (%d, H, W), got %v", n, ms)
		}
	}
	return nil
}

// Detection is one scored detection after postprocessing, with the box in
// absolute pixel coordinates of the original image.
type Detection struct {
	Score float32       `json:"score" yaml:"score"`
	Label int           `json:"label" yaml:"label"`
	Box   geometry.Rect `json:"box" yaml:"box"`
}
