package distribution

import "bourse/internal/game"

// Fair splits the pool evenly across distinct buyers, caps each at their
// demand, re-spreads what capped buyers leave behind and hands the final
// indivisible remainder out by lottery, one share per winner.
type Fair struct {
	Rand RandomSource
}

func (Fair) Kind() game.DistributionStrategy { return game.DistributionFair }

func (f Fair) Allocate(bids []Bid, available int) []Fill {
	ordered := sortedCopy(bids, earlier)
	if available < 0 {
		available = 0
	}

	var buyers []string
	demand := map[string]int{}
	for _, b := range ordered {
		if _, ok := demand[b.PlayerID]; !ok {
			buyers = append(buyers, b.PlayerID)
		}
		demand[b.PlayerID] += b.Quantity
	}

	alloc := make(map[string]int, len(buyers))
	leftover := available
	for leftover > 0 {
		var open []string
		for _, p := range buyers {
			if alloc[p] < demand[p] {
				open = append(open, p)
			}
		}
		if len(open) == 0 {
			break
		}
		per := leftover / len(open)
		if per == 0 {
			for _, p := range f.draw(open, leftover) {
				alloc[p]++
			}
			break
		}
		for _, p := range open {
			give := demand[p] - alloc[p]
			if give > per {
				give = per
			}
			alloc[p] += give
			leftover -= give
		}
	}

	out := make([]Fill, 0, len(ordered))
	for _, b := range ordered {
		q := b.Quantity
		if q > alloc[b.PlayerID] {
			q = alloc[b.PlayerID]
		}
		alloc[b.PlayerID] -= q
		out = append(out, Fill{OrderID: b.OrderID, PlayerID: b.PlayerID, Quantity: q, Rejected: b.Quantity - q})
	}
	return out
}

// draw picks n distinct buyers uniformly (partial Fisher-Yates); n < len(pool).
func (f Fair) draw(pool []string, n int) []string {
	cands := make([]string, len(pool))
	copy(cands, pool)
	for i := 0; i < n; i++ {
		j := i + f.Rand.Intn(len(cands)-i)
		cands[i], cands[j] = cands[j], cands[i]
	}
	return cands[:n]
}
