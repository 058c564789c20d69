package pricetrack

import (
	"errors"
	"fmt"
	"sort"
)

var ErrInvalidTrack = errors.New("invalid price track")

// Tier is a run of consecutive grid prices sharing one fill size: the number
// of net shares needed to move one grid step while the price sits in the tier.
type Tier struct {
	Name     string
	Prices   []int64
	FillSize int
}

// Move is the outcome of one step computation.
type Move struct {
	Price     int64
	Remainder int
	Steps     int
	Tier      string
}

// Delta is the price change relative to from.
func (m Move) Delta(from int64) int64 { return m.Price - from }

type Track struct {
	grid  []int64
	tiers []Tier
	// tierAt[i] indexes tiers for grid[i].
	tierAt []int
}

func New(tiers []Tier) (*Track, error) {
	if len(tiers) == 0 {
		return nil, fmt.Errorf("%w: no tiers", ErrInvalidTrack)
	}
	t := &Track{tiers: make([]Tier, len(tiers))}
	copy(t.tiers, tiers)
	for ti, tier := range tiers {
		if tier.FillSize <= 0 {
			return nil, fmt.Errorf("%w: tier %q fill size must be > 0", ErrInvalidTrack, tier.Name)
		}
		if len(tier.Prices) == 0 {
			return nil, fmt.Errorf("%w: tier %q has no prices", ErrInvalidTrack, tier.Name)
		}
		for _, p := range tier.Prices {
			if p < 0 {
				return nil, fmt.Errorf("%w: negative price %d", ErrInvalidTrack, p)
			}
			if n := len(t.grid); n > 0 && p <= t.grid[n-1] {
				return nil, fmt.Errorf("%w: prices must ascend (%d after %d)", ErrInvalidTrack, p, t.grid[n-1])
			}
			t.grid = append(t.grid, p)
			t.tierAt = append(t.tierAt, ti)
		}
	}
	return t, nil
}

// Range builds the prices from..to (inclusive) spaced by increment.
func Range(from, to, increment int64) []int64 {
	if increment <= 0 || to < from {
		return nil
	}
	out := make([]int64, 0, (to-from)/increment+1)
	for p := from; p <= to; p += increment {
		out = append(out, p)
	}
	return out
}

func Default() *Track {
	t, err := New([]Tier{
		{Name: "INCUBATOR", Prices: Range(0, 10, 1), FillSize: 2},
		{Name: "STARTUP", Prices: Range(12, 30, 2), FillSize: 3},
		{Name: "GROWTH", Prices: Range(33, 60, 3), FillSize: 4},
		{Name: "ESTABLISHED", Prices: Range(65, 100, 5), FillSize: 5},
		{Name: "ENTERPRISE", Prices: Range(110, 200, 10), FillSize: 6},
		{Name: "CONGLOMERATE", Prices: Range(220, 400, 20), FillSize: 8},
		{Name: "TITAN", Prices: Range(450, 1000, 50), FillSize: 10},
	})
	if err != nil {
		panic(err)
	}
	return t
}

func (t *Track) Floor() int64   { return t.grid[0] }
func (t *Track) Ceiling() int64 { return t.grid[len(t.grid)-1] }
func (t *Track) Prices() []int64 {
	out := make([]int64, len(t.grid))
	copy(out, t.grid)
	return out
}

// Index returns the grid index for price. Prices off the grid snap to the
// highest grid price not above them; prices under the floor snap to the floor.
func (t *Track) Index(price int64) int {
	i := sort.Search(len(t.grid), func(i int) bool { return t.grid[i] > price })
	if i == 0 {
		return 0
	}
	return i - 1
}

func (t *Track) OnGrid(price int64) bool {
	i := t.Index(price)
	return t.grid[i] == price
}

func (t *Track) TierOf(price int64) Tier {
	return t.tiers[t.tierAt[t.Index(price)]]
}

// Snap returns the grid price used for price.
func (t *Track) Snap(price int64) int64 { return t.grid[t.Index(price)] }

// Step consumes tierRemainder+netQuantity shares and advances whole grid
// steps, re-reading the fill size after every step so crossing into a new
// tier applies that tier's fill size. Negative quantities walk down the grid
// the same way. The remainder carries the partial progress and is reset when
// the price is pinned at the floor or the ceiling.
func (t *Track) Step(currentPrice int64, netQuantity, tierRemainder int) Move {
	idx := t.Index(currentPrice)
	rem := tierRemainder + netQuantity
	steps := 0
	last := len(t.grid) - 1

	for rem > 0 && idx < last {
		fill := t.tiers[t.tierAt[idx]].FillSize
		if rem < fill {
			break
		}
		rem -= fill
		idx++
		steps++
	}
	for rem < 0 && idx > 0 {
		fill := t.tiers[t.tierAt[idx]].FillSize
		if -rem < fill {
			break
		}
		rem += fill
		idx--
		steps--
	}
	if (idx == last && rem > 0) || (idx == 0 && rem < 0) {
		rem = 0
	}
	return Move{
		Price:     t.grid[idx],
		Remainder: rem,
		Steps:     steps,
		Tier:      t.tiers[t.tierAt[idx]].Name,
	}
}

// StepBy moves a price a whole number of grid steps, clamped to the grid.
func (t *Track) StepBy(currentPrice int64, steps int) int64 {
	idx := t.Index(currentPrice) + steps
	if idx < 0 {
		idx = 0
	}
	if idx >= len(t.grid) {
		idx = len(t.grid) - 1
	}
	return t.grid[idx]
}
