package filter

import (
	"fmt"
	"math"

	"github.com/ronniedreams/nifty-options-agent/internal/models"
)

// TriggerAction classifies what should happen to the entry order slot of an
// option type this tick. The order manager performs the actual transition;
// the classification drives logging and the order-trigger audit table.
type TriggerAction string

const (
	TriggerPlace     TriggerAction = "place"
	TriggerWait      TriggerAction = "wait"
	TriggerModify    TriggerAction = "modify"
	TriggerCancel    TriggerAction = "cancel"
	TriggerCheckFill TriggerAction = "check_fill"
)

// PendingOrder describes the existing entry order for an option type.
type PendingOrder struct {
	Symbol       string
	TriggerPrice float64
}

// Trigger is one classification outcome.
type Trigger struct {
	OptionType models.OptionType
	Action     TriggerAction
	Candidate  *models.Candidate
	Reason     string
}

// Classify decides the entry-order action for one option type given the
// best candidate (nil when none qualifies) and the pending order (nil when
// the slot is empty).
func (f *Filter) Classify(optType models.OptionType, best *models.Candidate, pending *PendingOrder) Trigger {
	tr := Trigger{OptionType: optType, Candidate: best}

	if pending == nil {
		if best == nil {
			tr.Action = TriggerWait
			tr.Reason = "no qualified candidate"
			return tr
		}
		price := best.CurrentPrice
		switch {
		case price <= best.EntryPrice:
			tr.Action = TriggerWait
			tr.Reason = fmt.Sprintf("price %.2f already at/below entry %.2f", price, best.EntryPrice)
		case price-best.EntryPrice <= f.cfg.Risk.OrderProximity:
			tr.Action = TriggerPlace
			tr.Reason = fmt.Sprintf("price %.2f within %.2f of entry %.2f", price, f.cfg.Risk.OrderProximity, best.EntryPrice)
		default:
			tr.Action = TriggerWait
			tr.Reason = fmt.Sprintf("price %.2f too far above entry %.2f", price, best.EntryPrice)
		}
		return tr
	}

	if best == nil {
		tr.Action = TriggerCancel
		tr.Reason = fmt.Sprintf("pending %s has no qualified candidate", pending.Symbol)
		return tr
	}
	if pending.Symbol != best.Symbol {
		tr.Action = TriggerPlace
		tr.Reason = fmt.Sprintf("best moved %s -> %s, cancel-then-place", pending.Symbol, best.Symbol)
		return tr
	}
	if best.CurrentPrice > 0 && best.CurrentPrice <= best.EntryPrice {
		tr.Action = TriggerCheckFill
		tr.Reason = fmt.Sprintf("price %.2f crossed trigger %.2f", best.CurrentPrice, best.EntryPrice)
		return tr
	}
	// Drift exactly at the threshold keeps the order.
	drift := math.Abs(pending.TriggerPrice - best.EntryPrice)
	if drift > f.cfg.Risk.ModificationThreshold {
		tr.Action = TriggerModify
		tr.Reason = fmt.Sprintf("entry drifted %.2f from %.2f", drift, pending.TriggerPrice)
		return tr
	}
	tr.Action = TriggerWait
	tr.Reason = "pending order still current"
	return tr
}
