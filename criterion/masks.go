package criterion

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"

	"github.com/susanbao/dedetr-go/detr"
	"github.com/susanbao/dedetr-go/matcher"
)

// Focal-loss constants, standard for dense detection.
const (
	focalAlpha = 0.25
	focalGamma = 2
)

// lossMasks is the segmentation loss over matched pairs: sigmoid focal
// loss plus soft Dice, both normalized by the distributed normalizer.
// Predicted mask logits are bilinearly resized to each target mask's
// resolution before comparison. Only computed for the last decoder layer.
func (c *SetCriterion) lossMasks(
	out *detr.LayerOutput,
	targets []*detr.Target,
	indices []matcher.Assignment,
	numBoxes float32,
) (map[string]float32, error) {
	if out.Masks == nil {
		return nil, errors.New("mask loss requested but layer carries no mask logits")
	}
	shape := out.Masks.Shape()
	if len(shape) != 4 {
		return nil, errors.Errorf("mask logits must be (batch, slots, h, w), got %v", shape)
	}
	logits, ok := out.Masks.Data().([]float32)
	if !ok {
		return nil, errors.New("mask logits must be float32")
	}
	batch, slots, h, w := shape[0], shape[1], shape[2], shape[3]
	if batch != len(targets) {
		return nil, errors.Errorf("mask logits batch %d vs %d targets", batch, len(targets))
	}

	var focalSum, diceSum float32
	for i, t := range targets {
		if indices[i].Len() == 0 {
			continue
		}
		if t.Masks == nil {
			return nil, errors.Errorf("target %d has no masks but mask loss is enabled", i)
		}
		tshape := t.Masks.Shape()
		tdata, ok := t.Masks.Data().([]float32)
		if !ok {
			return nil, errors.Errorf("target %d masks must be float32", i)
		}
		th, tw := tshape[1], tshape[2]

		for k, slot := range indices[i].Slots {
			src := logits[(i*slots+slot)*h*w : (i*slots+slot+1)*h*w]
			tgt := tdata[indices[i].Targets[k]*th*tw : (indices[i].Targets[k]+1)*th*tw]

			resized := bilinearResize(src, h, w, th, tw)
			focalSum += sigmoidFocal(resized, tgt)
			diceSum += softDice(resized, tgt)
		}
	}

	return map[string]float32{
		"loss_mask": focalSum / numBoxes,
		"loss_dice": diceSum / numBoxes,
	}, nil
}

// sigmoidFocal computes the sigmoid focal loss between mask logits and a
// binary target mask, averaged over pixels.
func sigmoidFocal(logits, target []float32) float32 {
	var sum float32
	for p, x := range logits {
		t := target[p]
		prob := 1 / (1 + math32.Exp(-x))
		// Stable binary cross-entropy with logits.
		ce := math32.Max(x, 0) - x*t + math32.Log(1+math32.Exp(-math32.Abs(x)))
		pt := prob*t + (1-prob)*(1-t)
		alphaT := focalAlpha*t + (1-focalAlpha)*(1-t)
		sum += alphaT * ce * math32.Pow(1-pt, focalGamma)
	}
	return sum / float32(len(logits))
}

// softDice computes 1 minus the smoothed Dice coefficient between sigmoid
// mask probabilities and a binary target mask.
func softDice(logits, target []float32) float32 {
	var inter, probSum, tgtSum float32
	for p, x := range logits {
		prob := 1 / (1 + math32.Exp(-x))
		inter += prob * target[p]
		probSum += prob
		tgtSum += target[p]
	}
	return 1 - (2*inter+1)/(probSum+tgtSum+1)
}

// bilinearResize resamples an (h, w) float32 grid to (th, tw) with
// bilinear interpolation, half-pixel centers, edges clamped.
func bilinearResize(src []float32, h, w, th, tw int) []float32 {
	if h == th && w == tw {
		return src
	}
	out := make([]float32, th*tw)
	scaleY := float32(h) / float32(th)
	scaleX := float32(w) / float32(tw)
	for y := 0; y < th; y++ {
		sy := (float32(y)+0.5)*scaleY - 0.5
		y0 := int(math32.Floor(sy))
		fy := sy - float32(y0)
		y1 := clampIndex(y0+1, h)
		y0 = clampIndex(y0, h)
		for x := 0; x < tw; x++ {
			sx := (float32(x)+0.5)*scaleX - 0.5
			x0 := int(math32.Floor(sx))
			fx := sx - float32(x0)
			x1 := clampIndex(x0+1, w)
			x0 = clampIndex(x0, w)

			top := src[y0*w+x0]*(1-fx) + src[y0*w+x1]*fx
			bot := src[y1*w+x0]*(1-fx) + src[y1*w+x1]*fx
			out[y*tw+x] = top*(1-fy) + bot*fy
		}
	}
	return out
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}
