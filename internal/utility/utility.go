package utility

import (
	"oneshot_market/internal/domain"
)

// Profile carries the exogenous position and cost structure an agent
// starts the period with. Negotiated contracts are scored on top of
// this base.
type Profile struct {
	ExogenousInputQuantity  int     `json:"exogenous_input_quantity"`
	ExogenousInputPrice     float64 `json:"exogenous_input_price"`
	ExogenousOutputQuantity int     `json:"exogenous_output_quantity"`
	ExogenousOutputPrice    float64 `json:"exogenous_output_price"`
	ProductionCost          float64 `json:"production_cost"`
	StorageCost             float64 `json:"storage_cost"`
	DeliveryPenalty         float64 `json:"delivery_penalty"`
}

// Fun scores sets of (outcome, role) pairs for one agent and one
// period. Buying adds to the input side, selling to the output side.
type Fun struct {
	profile Profile
}

func New(profile Profile) *Fun {
	return &Fun{profile: profile}
}

// Eval is the period profit for the given totals: output revenue minus
// input cost, production cost on the matched quantity, storage cost on
// excess input and a delivery penalty on excess output.
func Eval(qin, qout int, pin, pout, productionCost, storageCost, deliveryPenalty float64) float64 {
	matched := qin
	if qout < matched {
		matched = qout
	}
	excessIn := qin - qout
	if excessIn < 0 {
		excessIn = 0
	}
	excessOut := qout - qin
	if excessOut < 0 {
		excessOut = 0
	}
	return pout - pin -
		productionCost*float64(matched) -
		storageCost*float64(excessIn) -
		deliveryPenalty*float64(excessOut)
}

// FromOffers scores a hypothetical set of agreements on top of the
// exogenous base position. offers and roles must be parallel.
func (f *Fun) FromOffers(offers []domain.Outcome, roles []domain.Role) float64 {
	qin := f.profile.ExogenousInputQuantity
	qout := f.profile.ExogenousOutputQuantity
	pin := f.profile.ExogenousInputPrice
	pout := f.profile.ExogenousOutputPrice
	for i, offer := range offers {
		if roles[i] == domain.RoleSeller {
			qout += offer.Quantity
			pout += offer.Total()
		} else {
			qin += offer.Quantity
			pin += offer.Total()
		}
	}
	return Eval(qin, qout, pin, pout, f.profile.ProductionCost, f.profile.StorageCost, f.profile.DeliveryPenalty)
}

// Value scores a single agreement against the base position.
func (f *Fun) Value(o domain.Outcome, role domain.Role) float64 {
	return f.FromOffers([]domain.Outcome{o}, []domain.Role{role})
}

// BestOutcome returns the outcome of maximum utility over the full
// offer space. Utility is linear in quantity and price for a single
// agreement, so the extremum sits at one of the space corners.
func (f *Fun) BestOutcome(space domain.OfferSpace, role domain.Role) domain.Outcome {
	best := domain.Outcome{Quantity: space.MinQuantity, Time: space.Time, UnitPrice: space.MinUnitPrice}
	bestValue := f.Value(best, role)
	for _, q := range []int{space.MinQuantity, space.MaxQuantity} {
		for _, p := range []float64{space.MinUnitPrice, space.MaxUnitPrice} {
			candidate := domain.Outcome{Quantity: q, Time: space.Time, UnitPrice: p}
			if v := f.Value(candidate, role); v > bestValue {
				best, bestValue = candidate, v
			}
		}
	}
	return best
}

// MaxUtility is the attainable maximum over the offer space, used by
// fraction-of-maximum acceptance policies.
func (f *Fun) MaxUtility(space domain.OfferSpace, role domain.Role) float64 {
	return f.Value(f.BestOutcome(space, role), role)
}
