package criterion

import (
	"github.com/chewxy/math32"

	"github.com/susanbao/dedetr-go/detr"
	"github.com/susanbao/dedetr-go/geometry"
	"github.com/susanbao/dedetr-go/matcher"
)

// lossLabels is the classification loss: weighted cross-entropy between
// every slot's class logits and its assigned target class, with unmatched
// slots assigned the no-object class and down-weighted by the configured
// coefficient. On the last layer it also reports class_error, the top-1
// error over matched slots (diagnostic only, never back-propagated).
func (c *SetCriterion) lossLabels(
	views []detr.ImageView,
	targets []*detr.Target,
	indices []matcher.Assignment,
	lastLayer bool,
) (map[string]float32, error) {
	noObject := c.numClasses

	var lossSum, weightSum float64
	matched := 0
	correct := 0

	for i, v := range views {
		slotClass := make([]int, v.Slots)
		for s := range slotClass {
			slotClass[s] = noObject
		}
		for k, slot := range indices[i].Slots {
			slotClass[slot] = targets[i].Labels[indices[i].Targets[k]]
		}

		for s := 0; s < v.Slots; s++ {
			// Stabilized negative log-likelihood: logsumexp(logits) - logit[class].
			maxLogit := v.Logit(s, 0)
			for cl := 1; cl < v.Classes; cl++ {
				if l := v.Logit(s, cl); l > maxLogit {
					maxLogit = l
				}
			}
			var sumExp float32
			for cl := 0; cl < v.Classes; cl++ {
				sumExp += math32.Exp(v.Logit(s, cl) - maxLogit)
			}
			nll := maxLogit + math32.Log(sumExp) - v.Logit(s, slotClass[s])

			w := c.emptyWeight[slotClass[s]]
			lossSum += float64(w) * float64(nll)
			weightSum += float64(w)
		}

		if lastLayer {
			for k, slot := range indices[i].Slots {
				matched++
				if v.ArgMax(slot) == targets[i].Labels[indices[i].Targets[k]] {
					correct++
				}
			}
		}
	}

	out := map[string]float32{}
	if weightSum > 0 {
		out["loss_ce"] = float32(lossSum / weightSum)
	}
	if lastLayer {
		if matched > 0 {
			out["class_error"] = 100 * (1 - float32(correct)/float32(matched))
		} else {
			out["class_error"] = 100
		}
	}
	return out, nil
}

// lossCardinality is the cardinality diagnostic: the absolute difference
// between the number of slots not predicting no-object and the true target
// count, averaged over the batch. Logging only, never back-propagated.
func (c *SetCriterion) lossCardinality(views []detr.ImageView, targets []*detr.Target) (map[string]float32, error) {
	noObject := c.numClasses
	var errSum float32
	for i, v := range views {
		predicted := 0
		for s := 0; s < v.Slots; s++ {
			if v.ArgMax(s) != noObject {
				predicted++
			}
		}
		errSum += math32.Abs(float32(predicted - targets[i].Len()))
	}
	return map[string]float32{
		"cardinality_error": errSum / float32(len(views)),
	}, nil
}

// lossBoxes is the box regression loss over matched pairs only: L1 in
// center-size encoding plus 1 - generalized IoU in corner encoding, each
// summed over pairs and divided by the distributed normalizer. Unmatched
// slots contribute nothing here; the classification loss covers them.
func (c *SetCriterion) lossBoxes(
	views []detr.ImageView,
	targets []*detr.Target,
	indices []matcher.Assignment,
	numBoxes float32,
) (map[string]float32, error) {
	var l1Sum, giouSum float32
	for i, v := range views {
		for k, slot := range indices[i].Slots {
			pb := v.Box(slot)
			tb := targets[i].Boxes[indices[i].Targets[k]]
			l1Sum += geometry.L1(pb, tb)
			giouSum += 1 - geometry.GeneralizedIoU(pb.Rect(), tb.Rect())
		}
	}
	return map[string]float32{
		"loss_bbox": l1Sum / numBoxes,
		"loss_giou": giouSum / numBoxes,
	}, nil
}
