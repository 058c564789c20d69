package game

type PhaseName string

const (
	PhaseInfluenceBidAction   PhaseName = "INFLUENCE_BID_ACTION"
	PhaseInfluenceBidResolve  PhaseName = "INFLUENCE_BID_RESOLVE"
	PhaseSetCompanyIPOPrices  PhaseName = "SET_COMPANY_IPO_PRICES"
	PhaseStartTurn            PhaseName = "START_TURN"
	PhaseHeadlineResolve      PhaseName = "HEADLINE_RESOLVE"
	PhasePrizeVoteAction      PhaseName = "PRIZE_VOTE_ACTION"
	PhasePrizeVoteResolve     PhaseName = "PRIZE_VOTE_RESOLVE"
	PhasePrizeDistribute      PhaseName = "PRIZE_DISTRIBUTE_ACTION"
	PhasePrizeDistributeDone  PhaseName = "PRIZE_DISTRIBUTE_RESOLVE"
	PhaseStockMeet            PhaseName = "STOCK_MEET"
	PhaseStockResolveLimit    PhaseName = "STOCK_RESOLVE_LIMIT_ORDER"
	PhaseStockActionOrder     PhaseName = "STOCK_ACTION_ORDER"
	PhaseStockActionResult    PhaseName = "STOCK_ACTION_RESULT"
	PhaseStockActionReveal    PhaseName = "STOCK_ACTION_REVEAL"
	PhaseStockResolveMarket   PhaseName = "STOCK_RESOLVE_MARKET_ORDER"
	PhaseStockActionShort     PhaseName = "STOCK_ACTION_SHORT_ORDER"
	PhaseStockResolveShort    PhaseName = "STOCK_RESOLVE_PENDING_SHORT_ORDER"
	PhaseStockShortInterest   PhaseName = "STOCK_SHORT_ORDER_INTEREST"
	PhaseStockActionOption    PhaseName = "STOCK_ACTION_OPTION_ORDER"
	PhaseStockResolveOption   PhaseName = "STOCK_RESOLVE_OPTION_ORDER"
	PhaseStockResolveOptions  PhaseName = "STOCK_RESOLVE_PENDING_OPTION_ORDER"
	PhaseStockOpenLimitOrders PhaseName = "STOCK_OPEN_LIMIT_ORDERS"
	PhaseStockResultsOverview PhaseName = "STOCK_RESULTS_OVERVIEW"
	PhaseOperatingMeet        PhaseName = "OPERATING_MEET"
	PhaseOperatingProduction  PhaseName = "OPERATING_PRODUCTION"
	PhaseProductionVote       PhaseName = "OPERATING_PRODUCTION_VOTE"
	PhaseProductionVoteDone   PhaseName = "OPERATING_PRODUCTION_VOTE_RESOLVE"
	PhaseStockPriceAdjust     PhaseName = "OPERATING_STOCK_PRICE_ADJUST"
	PhaseCompanyVote          PhaseName = "OPERATING_ACTION_COMPANY_VOTE"
	PhaseCompanyVoteResult    PhaseName = "OPERATING_ACTION_COMPANY_VOTE_RESULT"
	PhaseCompanyVoteResolve   PhaseName = "OPERATING_COMPANY_VOTE_RESOLVE"
	PhaseFactoryConstruction  PhaseName = "FACTORY_CONSTRUCTION"
	PhaseFactoryResult        PhaseName = "FACTORY_CONSTRUCTION_RESULT"
	PhaseMarketingAction      PhaseName = "MARKETING_ACTION"
	PhaseMarketingResult      PhaseName = "MARKETING_RESULT"
	PhaseResearchAction       PhaseName = "RESEARCH_ACTION"
	PhaseResearchResult       PhaseName = "RESEARCH_RESULT"
	PhaseConsumption          PhaseName = "CONSUMPTION_PHASE"
	PhaseEarningsCall         PhaseName = "EARNINGS_CALL"
	PhaseLoanAction           PhaseName = "LOAN_ACTION"
	PhaseLoanResolve          PhaseName = "LOAN_RESOLVE"
	PhaseResolveInsolvency    PhaseName = "RESOLVE_INSOLVENCY"
	PhaseInsolvencyAction     PhaseName = "INSOLVENCY_ACTION"
	PhaseInsolvencyResult     PhaseName = "INSOLVENCY_ACTION_RESULT"
	PhaseCapitalGains         PhaseName = "CAPITAL_GAINS"
	PhaseDivestment           PhaseName = "DIVESTMENT"
	PhaseSectorNewCompany     PhaseName = "SECTOR_NEW_COMPANY"
	PhaseEndTurn              PhaseName = "END_TURN"
	PhaseGameEnd              PhaseName = "GAME_END"
)

// AllPhaseNames lists every phase in nominal play order.
var AllPhaseNames = []PhaseName{
	PhaseInfluenceBidAction,
	PhaseInfluenceBidResolve,
	PhaseSetCompanyIPOPrices,
	PhaseStartTurn,
	PhaseHeadlineResolve,
	PhasePrizeVoteAction,
	PhasePrizeVoteResolve,
	PhasePrizeDistribute,
	PhasePrizeDistributeDone,
	PhaseStockMeet,
	PhaseStockResolveLimit,
	PhaseStockActionOrder,
	PhaseStockActionResult,
	PhaseStockActionReveal,
	PhaseStockResolveMarket,
	PhaseStockActionShort,
	PhaseStockResolveShort,
	PhaseStockActionOption,
	PhaseStockResolveOption,
	PhaseStockOpenLimitOrders,
	PhaseStockShortInterest,
	PhaseStockResolveOptions,
	PhaseStockResultsOverview,
	PhaseOperatingMeet,
	PhaseOperatingProduction,
	PhaseProductionVote,
	PhaseProductionVoteDone,
	PhaseFactoryConstruction,
	PhaseFactoryResult,
	PhaseMarketingAction,
	PhaseMarketingResult,
	PhaseResearchAction,
	PhaseResearchResult,
	PhaseConsumption,
	PhaseEarningsCall,
	PhaseStockPriceAdjust,
	PhaseCompanyVote,
	PhaseCompanyVoteResult,
	PhaseCompanyVoteResolve,
	PhaseLoanAction,
	PhaseLoanResolve,
	PhaseResolveInsolvency,
	PhaseInsolvencyAction,
	PhaseInsolvencyResult,
	PhaseCapitalGains,
	PhaseDivestment,
	PhaseSectorNewCompany,
	PhaseEndTurn,
	PhaseGameEnd,
}

func (p PhaseName) String() string { return string(p) }

func (p PhaseName) Valid() bool {
	for _, n := range AllPhaseNames {
		if n == p {
			return true
		}
	}
	return false
}
