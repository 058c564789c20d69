// Package distribution allocates a scarce pool of shares among buy orders
// that arrive in the same settlement window.
package distribution

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"bourse/internal/game"
)

// Bid is the slice of a buy order a strategy needs.
type Bid struct {
	OrderID   string
	PlayerID  string
	Quantity  int
	Value     int64
	Priority  int
	CreatedAt time.Time
}

// Fill is the allocation for one order. Quantity may be zero (fully rejected)
// and never exceeds the order's requested quantity.
type Fill struct {
	OrderID  string
	PlayerID string
	Quantity int
	Rejected int
}

type Strategy interface {
	Kind() game.DistributionStrategy
	// Allocate distributes at most available shares. Fills come back in the
	// order the strategy served them.
	Allocate(bids []Bid, available int) []Fill
}

// RandomSource is the slice of *rand.Rand the lottery uses.
type RandomSource interface {
	Intn(n int) int
}

// New returns the strategy for kind. rng only matters for FAIR; nil gets a
// time-seeded source.
func New(kind game.DistributionStrategy, rng RandomSource) (Strategy, error) {
	switch kind {
	case game.DistributionFair:
		if rng == nil {
			rng = rand.New(rand.NewSource(time.Now().UnixNano()))
		}
		return Fair{Rand: rng}, nil
	case game.DistributionBidPriority:
		return BidPriority{}, nil
	case game.DistributionPriority:
		return Priority{}, nil
	default:
		return nil, fmt.Errorf("unknown distribution strategy %q", kind)
	}
}

// Demand sums requested quantities.
func Demand(bids []Bid) int {
	total := 0
	for _, b := range bids {
		total += b.Quantity
	}
	return total
}

// Allocated sums filled quantities.
func Allocated(fills []Fill) int {
	total := 0
	for _, f := range fills {
		total += f.Quantity
	}
	return total
}

type BidPriority struct{}

func (BidPriority) Kind() game.DistributionStrategy { return game.DistributionBidPriority }

// Allocate serves the highest bid first; equal bids go to the better (lower)
// turn priority, then the earlier order.
func (BidPriority) Allocate(bids []Bid, available int) []Fill {
	ordered := sortedCopy(bids, func(a, b Bid) bool {
		if a.Value != b.Value {
			return a.Value > b.Value
		}
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return earlier(a, b)
	})
	return greedy(ordered, available)
}

type Priority struct{}

func (Priority) Kind() game.DistributionStrategy { return game.DistributionPriority }

// Allocate ignores bid value and serves by turn priority only.
func (Priority) Allocate(bids []Bid, available int) []Fill {
	ordered := sortedCopy(bids, func(a, b Bid) bool {
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return earlier(a, b)
	})
	return greedy(ordered, available)
}

func greedy(bids []Bid, available int) []Fill {
	if available < 0 {
		available = 0
	}
	out := make([]Fill, 0, len(bids))
	for _, b := range bids {
		q := b.Quantity
		if q > available {
			q = available
		}
		available -= q
		out = append(out, Fill{OrderID: b.OrderID, PlayerID: b.PlayerID, Quantity: q, Rejected: b.Quantity - q})
	}
	return out
}

func sortedCopy(bids []Bid, less func(a, b Bid) bool) []Bid {
	out := make([]Bid, len(bids))
	copy(out, bids)
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func earlier(a, b Bid) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.OrderID < b.OrderID
}

// LockedSource is a RandomSource safe for the concurrent game runners that
// share one engine.
type LockedSource struct {
	mu sync.Mutex
	r  *rand.Rand
}

func NewLockedSource(seed int64) *LockedSource {
	return &LockedSource{r: rand.New(rand.NewSource(seed))}
}

func (l *LockedSource) Intn(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Intn(n)
}
