package backtest

import (
	"fmt"
	"sort"
	"strings"
)

// RenderReport formats a result as the aligned text summary the CLI prints.
func RenderReport(r *Result) string {
	var b strings.Builder
	line := strings.Repeat("=", 60)

	fmt.Fprintln(&b, line)
	fmt.Fprintln(&b, "BACKTEST SUMMARY")
	fmt.Fprintln(&b, line)

	fmt.Fprintf(&b, "\nStrategy:  %s\n", r.StrategyID)
	fmt.Fprintf(&b, "Period:    %s to %s (%d trading days)\n",
		r.Start.Format("2006-01-02"), r.End.Format("2006-01-02"), r.Metrics.TradingDays)
	fmt.Fprintf(&b, "Symbols:   %s\n", strings.Join(r.Symbols, ", "))

	m := r.Metrics
	fmt.Fprintf(&b, "\nInitial Capital:   %.2f\n", m.InitialCapital)
	fmt.Fprintf(&b, "Final Equity:      %.2f\n", m.FinalEquity)
	fmt.Fprintf(&b, "Total PNL:         %.2f (%.2f%%)\n", m.TotalPnL, m.TotalReturnPct)

	fmt.Fprintf(&b, "\nPerformance Metrics:\n")
	fmt.Fprintf(&b, "  Sharpe Ratio:      %.2f\n", m.SharpeRatio)
	fmt.Fprintf(&b, "  Sortino Ratio:     %.2f\n", m.SortinoRatio)
	fmt.Fprintf(&b, "  Max Drawdown:      %.2f%%\n", m.MaxDrawdownPct)
	fmt.Fprintf(&b, "  Annualized Vol:    %.2f%%\n", m.AnnualizedVolPct)
	fmt.Fprintf(&b, "  Calmar Ratio:      %.2f\n", m.CalmarRatio)
	fmt.Fprintf(&b, "  Recovery Factor:   %.2f\n", m.RecoveryFactor)

	fmt.Fprintf(&b, "\nTrade Statistics:\n")
	fmt.Fprintf(&b, "  Total Trades:      %d\n", m.TotalTrades)
	fmt.Fprintf(&b, "  Win Trades:        %d (%.1f%%)\n", m.WinTrades, m.WinRatePct)
	fmt.Fprintf(&b, "  Loss Trades:       %d\n", m.LossTrades)
	fmt.Fprintf(&b, "  Profit Factor:     %.2f\n", m.ProfitFactor)
	fmt.Fprintf(&b, "  Expectancy:        %.2f\n", m.Expectancy)
	fmt.Fprintf(&b, "  Avg Win:           %.2f\n", m.AvgWin)
	fmt.Fprintf(&b, "  Avg Loss:          %.2f\n", m.AvgLoss)
	fmt.Fprintf(&b, "  Max Consec Losses: %d\n", m.MaxConsecLosses)
	fmt.Fprintf(&b, "  Avg Hold Days:     %.1f\n", m.AvgHoldDays)
	fmt.Fprintf(&b, "  Slippage:          %.1f bps\n", m.SlippageBps)

	fmt.Fprintf(&b, "\nDiagnostics:\n")
	writeCounts(&b, "  Blocked", r.Diagnostics.BlockedCounts)
	writeCounts(&b, "  Exits", r.Diagnostics.ExitCounts)
	if len(r.Diagnostics.TopBlockers) > 0 {
		fmt.Fprintf(&b, "  Top Blockers:      %s\n", strings.Join(r.Diagnostics.TopBlockers, ", "))
	}
	if len(r.Diagnostics.SkippedSymbols) > 0 {
		fmt.Fprintf(&b, "  Skipped Symbols:   %s\n", strings.Join(r.Diagnostics.SkippedSymbols, ", "))
	}

	fmt.Fprintf(&b, "\nParameters:\n")
	params := r.Params.ToMap()
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "  %-24s %.4g\n", k+":", params[k])
	}

	fmt.Fprintln(&b, line)
	return b.String()
}

func writeCounts(b *strings.Builder, label string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[k]))
	}
	fmt.Fprintf(b, "%s:%s%s\n", label, strings.Repeat(" ", 20-len(label)-1), strings.Join(parts, " "))
}
