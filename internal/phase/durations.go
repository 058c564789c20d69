package phase

import (
	"time"

	"bourse/internal/config"
	"bourse/internal/game"
)

const (
	actionDuration   = 45 * time.Second
	voteDuration     = 30 * time.Second
	meetDuration     = 20 * time.Second
	overviewDuration = 15 * time.Second
)

// defaultDurations covers the phases players act or look in. Everything
// else resolves instantly.
var defaultDurations = map[game.PhaseName]time.Duration{
	game.PhaseInfluenceBidAction:   actionDuration,
	game.PhaseSetCompanyIPOPrices:  actionDuration,
	game.PhaseHeadlineResolve:      overviewDuration,
	game.PhasePrizeVoteAction:      voteDuration,
	game.PhasePrizeDistribute:      actionDuration,
	game.PhaseStockMeet:            meetDuration,
	game.PhaseStockActionOrder:     actionDuration,
	game.PhaseStockActionResult:    overviewDuration,
	game.PhaseStockActionReveal:    overviewDuration,
	game.PhaseStockActionShort:     actionDuration,
	game.PhaseStockActionOption:    actionDuration,
	game.PhaseStockResultsOverview: overviewDuration,
	game.PhaseOperatingMeet:        meetDuration,
	game.PhaseProductionVote:       voteDuration,
	game.PhaseCompanyVote:          voteDuration,
	game.PhaseCompanyVoteResult:    overviewDuration,
	game.PhaseFactoryConstruction:  actionDuration,
	game.PhaseFactoryResult:        overviewDuration,
	game.PhaseMarketingAction:      actionDuration,
	game.PhaseMarketingResult:      overviewDuration,
	game.PhaseResearchAction:       actionDuration,
	game.PhaseResearchResult:       overviewDuration,
	game.PhaseEarningsCall:         overviewDuration,
	game.PhaseLoanAction:           actionDuration,
	game.PhaseInsolvencyAction:     actionDuration,
	game.PhaseInsolvencyResult:     overviewDuration,
	game.PhaseDivestment:           actionDuration,
}

// Duration is how long name stays current before the timer fires. Rules
// override the defaults per phase.
func Duration(name game.PhaseName, rules config.Rules) time.Duration {
	if d, ok := rules.Durations[name]; ok {
		return d
	}
	return defaultDurations[name]
}

// Remaining is what is left of a phase that started at startedAt, never
// negative. A phase that never started has its whole duration left.
func Remaining(startedAt *time.Time, d time.Duration, now time.Time) time.Duration {
	if startedAt == nil {
		return d
	}
	left := d - now.Sub(*startedAt)
	if left < 0 {
		return 0
	}
	return left
}
