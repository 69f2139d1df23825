// Package matching pairs standing demand orders with supply orders. It is pure:
// no I/O, no clock, no randomness.
package matching

import (
	"fmt"
	"sort"

	"github.com/Aidin1998/denver/pkg/models"
	"github.com/shopspring/decimal"
)

// Mode selects the feasibility rule and the clearing rate.
type Mode string

const (
	// ModeStrict pairs equal amounts and equal tenors at the midpoint rate.
	ModeStrict Mode = "strict"
	// ModeFlexible pairs any crossing orders at the supply rate.
	ModeFlexible Mode = "flexible"
)

// ParseMode validates a configured mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeStrict, ModeFlexible:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown matching mode %q", s)
}

// DefaultRatePrecision is the number of decimals of a strict-mode clearing rate.
const DefaultRatePrecision int32 = 4

// Rules parameterises one run of Match.
type Rules struct {
	Mode          Mode
	RatePrecision int32
}

// Pair is one emitted match.
type Pair struct {
	Demand       models.Order
	Supply       models.Order
	Principal    decimal.Decimal
	ClearingRate decimal.Decimal
	DurationDays int
}

// Result holds the pairs in emission order and what was left over.
type Result struct {
	Pairs           []Pair
	UnmatchedDemand int
	UnmatchedSupply int
}

// Match runs the greedy two-sided match. Demand is visited by rate limit
// descending, supply by rate limit ascending; equal rates keep input order,
// so callers pass orders oldest first. Each order appears in at most one pair.
// The input slices are not modified.
func Match(demand, supply []models.Order, rules Rules) Result {
	bids := eligible(demand)
	asks := eligible(supply)
	sort.SliceStable(bids, func(i, j int) bool { return bids[i].RateLimit.GreaterThan(bids[j].RateLimit) })
	sort.SliceStable(asks, func(i, j int) bool { return asks[i].RateLimit.LessThan(asks[j].RateLimit) })

	usedDemand := make(map[string]struct{}, len(bids))
	usedSupply := make(map[string]struct{}, len(asks))
	var res Result

	for _, d := range bids {
		if _, used := usedDemand[d.ContractID]; used {
			continue
		}
		for _, s := range asks {
			if _, used := usedSupply[s.ContractID]; used {
				continue
			}
			if !Feasible(d, s, rules.Mode) {
				continue
			}
			usedDemand[d.ContractID] = struct{}{}
			usedSupply[s.ContractID] = struct{}{}
			res.Pairs = append(res.Pairs, pair(d, s, rules))
			break
		}
	}

	res.UnmatchedDemand = len(bids) - len(usedDemand)
	res.UnmatchedSupply = len(asks) - len(usedSupply)
	return res
}

// Feasible reports whether demand d and supply s may be paired under mode.
func Feasible(d, s models.Order, mode Mode) bool {
	if d.RateLimit.LessThan(s.RateLimit) {
		return false
	}
	if mode == ModeStrict {
		return d.Amount.Equal(s.Amount) && d.DurationLimit == s.DurationLimit
	}
	return s.DurationLimit <= d.DurationLimit
}

// ClearingRate prices a feasible pair. Strict mode takes the midpoint of the
// two limits rounded half-up at precision decimals; flexible mode takes the
// supply limit as is.
func ClearingRate(d, s models.Order, rules Rules) decimal.Decimal {
	if rules.Mode == ModeStrict {
		return d.RateLimit.Add(s.RateLimit).Div(decimal.NewFromInt(2)).Round(rules.RatePrecision)
	}
	return s.RateLimit
}

func pair(d, s models.Order, rules Rules) Pair {
	p := Pair{
		Demand:       d,
		Supply:       s,
		ClearingRate: ClearingRate(d, s, rules),
	}
	if rules.Mode == ModeStrict {
		p.Principal = d.Amount
		p.DurationDays = d.DurationLimit
	} else {
		// both limits are maxima; the supply tenor is the tighter one here
		p.Principal = decimal.Min(d.Amount, s.Amount)
		p.DurationDays = s.DurationLimit
	}
	return p
}

func eligible(orders []models.Order) []models.Order {
	out := make([]models.Order, 0, len(orders))
	for _, o := range orders {
		if o.Status == models.OrderConsumed || o.Status == models.OrderCancelled {
			continue
		}
		out = append(out, o)
	}
	return out
}
