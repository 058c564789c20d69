package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"bourse/internal/audit"
	cl "bourse/internal/cli"
	"bourse/internal/config"
	"bourse/internal/game"
	"bourse/internal/scheduler"
)

type globals struct {
	apiBase  string
	token    string
	gameID   string
	playerID string
}

func main() {
	cfg := config.LoadCLIFromEnv()
	g := &globals{apiBase: cfg.APIBaseURL, token: cfg.OperatorToken}

	root := &cobra.Command{
		Use:          "bourse",
		Short:        "Operate and play bourse games",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&g.apiBase, "api", g.apiBase, "API base URL")
	root.PersistentFlags().StringVarP(&g.gameID, "game", "g", "", "game id (defaults to the saved session)")
	root.PersistentFlags().StringVarP(&g.playerID, "player", "p", "", "player id (defaults to the saved session)")

	root.AddCommand(
		newUseCmd(g),
		newCreateCmd(g),
		newStateCmd(g),
		newPlayersCmd(g),
		newCompaniesCmd(g),
		newOrdersCmd(g),
		newOrderCmd(g),
		newFlagCmd(g, "cover", "Request a cover of an open short"),
		newFlagCmd(g, "exercise", "Request exercise of an open option"),
		newReadyCmd(g),
		newOperatorCmd(g, "pause", "Pause the game clock"),
		newOperatorCmd(g, "resume", "Resume a paused game"),
		newOperatorCmd(g, "retry-phase", "Re-run the current phase hook"),
		newOperatorCmd(g, "stop", "Stop the game runner"),
		newRecoverCmd(g),
		newLogsCmd(g),
		newTransactionsCmd(g),
		newAuditCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func (g *globals) client() *cl.Client {
	return cl.NewClient(strings.TrimSpace(g.apiBase), g.token)
}

// target resolves game and player from flags and the saved session.
func (g *globals) target(needPlayer bool) (string, string, error) {
	sess, err := cl.LoadSession()
	if err != nil {
		return "", "", err
	}
	gameID, playerID, err := sess.Resolve(g.gameID, g.playerID)
	if err != nil {
		return "", "", err
	}
	if needPlayer && playerID == "" {
		return "", "", fmt.Errorf("no player selected; pass --player or run `bourse use`")
	}
	return gameID, playerID, nil
}

func withTimeout(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), 30*time.Second)
}

func newUseCmd(g *globals) *cobra.Command {
	var forget bool
	cmd := &cobra.Command{
		Use:   "use GAME_ID [PLAYER_ID]",
		Short: "Remember a game and seat for later commands",
		Args:  cobra.RangeArgs(0, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if forget {
				if err := cl.ClearSession(); err != nil {
					return err
				}
				printSuccess("Session cleared.")
				return nil
			}
			if len(args) == 0 {
				return fmt.Errorf("GAME_ID is required")
			}
			s := cl.Session{APIBaseURL: g.apiBase, GameID: args[0]}
			if len(args) == 2 {
				s.PlayerID = args[1]
			}
			if err := cl.SaveSession(s); err != nil {
				return err
			}
			printSuccess("Using game " + s.GameID)
			return nil
		},
	}
	cmd.Flags().BoolVar(&forget, "clear", false, "forget the saved session")
	return cmd
}

func newCreateCmd(g *globals) *cobra.Command {
	var (
		name, distribution, mechanics string
		players, bots, companies      []string
		timerless                     bool
		maxTurns, certLimit           int
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create and start a game",
		RunE: func(cmd *cobra.Command, args []string) error {
			spec := scheduler.GameSpec{
				Name:             name,
				Distribution:     game.DistributionStrategy(strings.ToUpper(distribution)),
				Mechanics:        game.OperationMechanics(strings.ToUpper(mechanics)),
				Timerless:        timerless,
				MaxTurns:         maxTurns,
				CertificateLimit: certLimit,
			}
			for _, p := range players {
				spec.Players = append(spec.Players, scheduler.PlayerSpec{Name: p})
			}
			for _, b := range bots {
				spec.Players = append(spec.Players, scheduler.PlayerSpec{Name: b, IsBot: true})
			}
			for _, raw := range companies {
				c, err := parseCompany(raw)
				if err != nil {
					return err
				}
				spec.Companies = append(spec.Companies, c)
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			created, err := g.client().CreateGame(ctx, spec)
			if err != nil {
				return err
			}
			printSuccess("Game created: " + created.ID)
			return cl.SaveSession(cl.Session{APIBaseURL: g.apiBase, GameID: created.ID})
		},
	}
	cmd.Flags().StringVar(&name, "name", "bourse", "game name")
	cmd.Flags().StringSliceVar(&players, "human", nil, "human player names")
	cmd.Flags().StringSliceVar(&bots, "bot", nil, "bot player names")
	cmd.Flags().StringSliceVar(&companies, "company", nil, "SYMBOL:Name:ipo_price")
	cmd.Flags().StringVar(&distribution, "distribution", "", "FAIR, BID_PRIORITY or PRIORITY")
	cmd.Flags().StringVar(&mechanics, "mechanics", "", "LEGACY or MODERN")
	cmd.Flags().BoolVar(&timerless, "timerless", false, "advance only when everyone is ready")
	cmd.Flags().IntVar(&maxTurns, "max-turns", 0, "turn limit (0 uses the rules)")
	cmd.Flags().IntVar(&certLimit, "certificate-limit", 0, "certificate limit (0 uses the rules)")
	return cmd
}

func parseCompany(raw string) (scheduler.CompanySpec, error) {
	parts := strings.Split(raw, ":")
	if len(parts) != 3 {
		return scheduler.CompanySpec{}, fmt.Errorf("company %q: want SYMBOL:Name:ipo_price", raw)
	}
	price, err := strconv.ParseInt(strings.TrimSpace(parts[2]), 10, 64)
	if err != nil {
		return scheduler.CompanySpec{}, fmt.Errorf("company %q: bad ipo price: %w", raw, err)
	}
	return scheduler.CompanySpec{
		Symbol:   strings.ToUpper(strings.TrimSpace(parts[0])),
		Name:     strings.TrimSpace(parts[1]),
		IPOPrice: price,
	}, nil
}

func newStateCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Show the current phase and readiness",
		RunE: func(cmd *cobra.Command, args []string) error {
			gameID, _, err := g.target(false)
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			st, err := g.client().State(ctx, gameID)
			if err != nil {
				return err
			}
			renderState(st)
			return nil
		},
	}
}

func newPlayersCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "players",
		Short: "List players and cash",
		RunE: func(cmd *cobra.Command, args []string) error {
			gameID, _, err := g.target(false)
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			players, err := g.client().Players(ctx, gameID)
			if err != nil {
				return err
			}
			renderPlayers(players)
			return nil
		},
	}
}

func newCompaniesCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "companies",
		Short: "List companies and stock prices",
		RunE: func(cmd *cobra.Command, args []string) error {
			gameID, _, err := g.target(false)
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			companies, err := g.client().Companies(ctx, gameID)
			if err != nil {
				return err
			}
			renderCompanies(companies)
			return nil
		},
	}
}

func newOrdersCmd(g *globals) *cobra.Command {
	var q cl.OrderQuery
	var mine bool
	cmd := &cobra.Command{
		Use:   "orders",
		Short: "List orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			gameID, playerID, err := g.target(mine)
			if err != nil {
				return err
			}
			if mine {
				q.PlayerID = playerID
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			orders, err := g.client().Orders(ctx, gameID, q)
			if err != nil {
				return err
			}
			renderOrders(orders)
			return nil
		},
	}
	cmd.Flags().BoolVar(&mine, "mine", false, "only the selected player's orders")
	cmd.Flags().StringVar(&q.CompanyID, "company", "", "company id")
	cmd.Flags().StringSliceVar(&q.Statuses, "status", nil, "order statuses")
	cmd.Flags().StringSliceVar(&q.Kinds, "kind", nil, "order kinds")
	return cmd
}

func newOrderCmd(g *globals) *cobra.Command {
	var in cl.OrderRequest
	var kind, location, symbol string
	cmd := &cobra.Command{
		Use:   "order",
		Short: "Submit a market, limit, short or option order",
		RunE: func(cmd *cobra.Command, args []string) error {
			gameID, playerID, err := g.target(true)
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			client := g.client()
			companyID, err := resolveCompany(ctx, client, gameID, symbol)
			if err != nil {
				return err
			}
			in.CompanyID = companyID
			in.Kind = game.OrderKind(strings.ToUpper(kind))
			in.Location = game.ShareLocation(strings.ToUpper(location))
			order, err := client.PlaceOrder(ctx, gameID, playerID, in)
			if err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Order %s accepted (%s)", order.ID, order.Status))
			return nil
		},
	}
	cmd.Flags().StringVar(&symbol, "company", "", "company symbol or id")
	cmd.Flags().StringVar(&kind, "kind", string(game.OrderMarket), "MARKET, LIMIT, SHORT or OPTION")
	cmd.Flags().StringVar(&location, "location", "", "IPO or OPEN_MARKET for buys")
	cmd.Flags().IntVar(&in.Quantity, "qty", 1, "quantity")
	cmd.Flags().Int64Var(&in.Value, "value", 0, "bid, ask, limit or premium value")
	cmd.Flags().BoolVar(&in.IsSell, "sell", false, "sell instead of buy")
	_ = cmd.MarkFlagRequired("company")
	return cmd
}

func resolveCompany(ctx context.Context, client *cl.Client, gameID, ref string) (string, error) {
	companies, err := client.Companies(ctx, gameID)
	if err != nil {
		return "", err
	}
	for _, c := range companies {
		if c.ID == ref || strings.EqualFold(c.Symbol, ref) {
			return c.ID, nil
		}
	}
	return "", fmt.Errorf("no company %q in game %s", ref, gameID)
}

func newFlagCmd(g *globals, action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " ORDER_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			gameID, playerID, err := g.target(true)
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			client := g.client()
			flag := client.Cover
			if action == "exercise" {
				flag = client.Exercise
			}
			order, err := flag(ctx, gameID, playerID, args[0])
			if err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("%s requested for %s", action, order.ID))
			return nil
		},
	}
}

func newReadyCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "ready",
		Short: "Mark the selected player ready for the current phase",
		RunE: func(cmd *cobra.Command, args []string) error {
			gameID, playerID, err := g.target(true)
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			st, err := g.client().Ready(ctx, gameID, playerID)
			if err != nil {
				return err
			}
			renderReadiness(&st)
			return nil
		},
	}
}

func newOperatorCmd(g *globals, command, short string) *cobra.Command {
	return &cobra.Command{
		Use:   command,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			gameID, _, err := g.target(false)
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			if err := g.client().Operator(ctx, gameID, command); err != nil {
				return err
			}
			printSuccess(command + " sent to " + gameID)
			return nil
		},
	}
}

func newRecoverCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Restart runners for every active game",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			n, err := g.client().Recover(ctx)
			if err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("%d game(s) recovered", n))
			return nil
		},
	}
}

func newLogsCmd(g *globals) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the game log, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			gameID, _, err := g.target(false)
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			logs, err := g.client().Logs(ctx, gameID, limit)
			if err != nil {
				return err
			}
			renderLogs(logs)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "entries to show")
	return cmd
}

func newTransactionsCmd(g *globals) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "transactions",
		Short: "Show ledger transactions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			gameID, _, err := g.target(false)
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			txs, err := g.client().Transactions(ctx, gameID, limit)
			if err != nil {
				return err
			}
			renderTransactions(txs)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "entries to show")
	return cmd
}

func newAuditCmd() *cobra.Command {
	var gameID string
	cmd := &cobra.Command{
		Use:   "audit DIR|FILE",
		Short: "Replay the compressed transaction archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			files := []string{args[0]}
			if info, err := os.Stat(args[0]); err == nil && info.IsDir() {
				files, err = audit.Files(args[0])
				if err != nil {
					return err
				}
			}
			var txs []game.Transaction
			for _, f := range files {
				err := audit.Replay(f, func(tx game.Transaction) error {
					if gameID == "" || tx.GameID == gameID {
						txs = append(txs, tx)
					}
					return nil
				})
				if err != nil {
					return fmt.Errorf("replay %s: %w", f, err)
				}
			}
			renderTransactions(txs)
			return nil
		},
	}
	cmd.Flags().StringVar(&gameID, "game-id", "", "only this game")
	return cmd
}
