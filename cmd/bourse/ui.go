package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"

	cl "bourse/internal/cli"
	"bourse/internal/game"
	"bourse/internal/scheduler"
)

var (
	accent  = color.New(color.FgCyan, color.Bold)
	success = color.New(color.FgGreen, color.Bold)
	warn    = color.New(color.FgYellow, color.Bold)
	danger  = color.New(color.FgRed, color.Bold)
	neutral = color.New(color.FgHiWhite)
)

func printSuccess(msg string) {
	success.Println(msg)
}

func printWarn(msg string) {
	warn.Println(msg)
}

func printInfo(msg string) {
	neutral.Println(msg)
}

func renderState(st cl.GameState) {
	accent.Printf("\n== %s (turn %d) ==\n", st.Game.Name, st.Game.TurnNumber)
	fmt.Printf("%-12s %s\n", "Game", st.Game.ID)
	fmt.Printf("%-12s %s\n", "Status", colorizeStatus(string(st.Game.Status)))
	fmt.Printf("%-12s %s\n", "Phase", st.Phase.Name)
	if st.Phase.CompanyID != "" {
		fmt.Printf("%-12s %s\n", "Company", st.Phase.CompanyID)
	}
	if st.Phase.SubRound > 0 {
		fmt.Printf("%-12s %d\n", "Sub-round", st.Phase.SubRound)
	}
	switch {
	case st.Game.Paused:
		fmt.Printf("%-12s %s\n", "Clock", warn.Sprint("paused"))
	case st.Game.Timerless:
		fmt.Printf("%-12s %s\n", "Clock", "waits for readiness")
	default:
		fmt.Printf("%-12s %s\n", "Remaining", (time.Duration(st.RemainingMS) * time.Millisecond).Round(time.Second))
	}
	fmt.Printf("%-12s %s\n", "Bank", money(st.Game.BankPool))
	if !st.Running {
		printWarn("No runner is driving this game; an operator can `bourse recover`.")
	}
	renderReadiness(st.Readiness)
	fmt.Println()
}

func renderReadiness(st *scheduler.ReadyState) {
	if st == nil {
		return
	}
	fmt.Printf("%-12s %d ready, %d waiting\n", "Readiness", len(st.Ready), len(st.Waiting))
	if len(st.Waiting) > 0 {
		fmt.Printf("%-12s %s\n", "Waiting on", strings.Join(st.Waiting, ", "))
	}
	if st.AllReady {
		printSuccess("Everyone is ready.")
	}
}

func renderPlayers(players []game.Player) {
	accent.Println("\n== PLAYERS ==")
	if len(players) == 0 {
		printInfo("No players.")
		return
	}
	fmt.Printf("%-4s %-20s %12s %12s %-5s %s\n", "PRI", "NAME", "CASH", "MARGIN", "BOT", "ID")
	for _, p := range players {
		bot := "no"
		if p.IsBot {
			bot = "yes"
		}
		fmt.Printf("%-4d %-20s %12s %12s %-5s %s\n", p.Priority, truncate(p.Name, 20), money(p.Cash), money(p.Margin), bot, p.ID)
	}
	fmt.Println()
}

func renderCompanies(companies []game.Company) {
	accent.Println("\n== COMPANIES ==")
	if len(companies) == 0 {
		printInfo("No companies.")
		return
	}
	fmt.Printf("%-8s %-20s %8s %8s %12s %-10s\n", "SYMBOL", "NAME", "PRICE", "TIER", "CASH", "STATUS")
	for _, c := range companies {
		fmt.Printf("%-8s %-20s %8s %8s %12s %-10s\n",
			c.Symbol,
			truncate(c.Name, 20),
			money(c.StockPrice),
			c.StockTier,
			money(c.Cash),
			colorizeStatus(string(c.Status)),
		)
	}
	fmt.Println()
}

func renderOrders(orders []game.PlayerOrder) {
	accent.Println("\n== ORDERS ==")
	if len(orders) == 0 {
		printInfo("No orders.")
		return
	}
	fmt.Printf("%-36s %-7s %-5s %-11s %5s %8s %-26s\n", "ID", "KIND", "SIDE", "LOCATION", "QTY", "VALUE", "STATUS")
	for _, o := range orders {
		side := "buy"
		if o.IsSell {
			side = "sell"
		}
		status := colorizeStatus(string(o.Status))
		if o.RejectReason != "" {
			status += " " + truncate(o.RejectReason, 40)
		}
		fmt.Printf("%-36s %-7s %-5s %-11s %5d %8s %s\n", o.ID, o.Kind, side, o.Location, o.Quantity, money(o.Value), status)
	}
	fmt.Println()
}

func renderLogs(logs []game.LogEntry) {
	accent.Println("\n== GAME LOG ==")
	if len(logs) == 0 {
		printInfo("Nothing logged yet.")
		return
	}
	for _, l := range logs {
		fmt.Printf("%s  %s\n", neutral.Sprint(l.CreatedAt.Local().Format("15:04:05")), l.Message)
	}
	fmt.Println()
}

func renderTransactions(txs []game.Transaction) {
	accent.Println("\n== TRANSACTIONS ==")
	if len(txs) == 0 {
		printInfo("No transactions.")
		return
	}
	fmt.Printf("%-19s %-16s %-22s %-22s %12s %6s\n", "TIME", "TYPE", "FROM", "TO", "AMOUNT", "SHARES")
	for _, tx := range txs {
		fmt.Printf("%-19s %-16s %-22s %-22s %12s %6d\n",
			tx.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			tx.Type,
			truncate(tx.From.String(), 22),
			truncate(tx.To.String(), 22),
			money(tx.Amount),
			tx.Shares,
		)
	}
	fmt.Println()
}

func colorizeStatus(s string) string {
	switch s {
	case "ACTIVE", "FILLED", "OPEN":
		return success.Sprint(s)
	case "INSOLVENT", "PENDING", "FILLED_PENDING_SETTLEMENT":
		return warn.Sprint(s)
	case "BANKRUPT", "REJECTED", "FINISHED":
		return danger.Sprint(s)
	default:
		return neutral.Sprint(s)
	}
}

func money(v int64) string {
	if v < 0 {
		return "-$" + comma(-v)
	}
	return "$" + comma(v)
}

func comma(v int64) string {
	s := strconv.FormatInt(v, 10)
	if len(s) <= 3 {
		return s
	}
	var b strings.Builder
	pre := len(s) % 3
	if pre > 0 {
		b.WriteString(s[:pre])
		b.WriteByte(',')
	}
	for i := pre; i < len(s); i += 3 {
		b.WriteString(s[i : i+3])
		if i+3 < len(s) {
			b.WriteByte(',')
		}
	}
	return b.String()
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
