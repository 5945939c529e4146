package mcp

import (
	"fmt"
	"strings"
	"time"

	"github.com/pario-ai/ladder/pkg/models"
)

// formatSummary formats usage summaries as a text table.
func formatSummary(rows []models.UsageSummary) string {
	if len(rows) == 0 {
		return "No usage data found.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-16s %-20s %-24s %8s %10s %10s %10s %9s\n",
		"Intent", "Provider", "Model", "Requests", "Prompt", "Completion", "Total", "Avg ms")
	b.WriteString(strings.Repeat("-", 114) + "\n")
	for _, r := range rows {
		fmt.Fprintf(&b, "%-16s %-20s %-24s %8d %10d %10d %10d %9.0f\n",
			r.Intent, r.Provider, r.Model, r.RequestCount, r.TotalPrompt, r.TotalCompletion, r.TotalTokens, r.AvgLatencyMs)
	}
	return b.String()
}

// formatSessions formats sessions as a text table.
func formatSessions(sessions []models.Session) string {
	if len(sessions) == 0 {
		return "No sessions found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-38s %-20s %-20s %-20s %8s %10s\n",
		"Session ID", "Last Provider", "Started", "Last Activity", "Requests", "Tokens")
	b.WriteString(strings.Repeat("-", 120) + "\n")
	for _, s := range sessions {
		fmt.Fprintf(&b, "%-38s %-20s %-20s %-20s %8d %10d\n",
			s.ID, s.LastProvider,
			s.StartedAt.Format("2006-01-02 15:04:05"),
			s.LastActivity.Format("2006-01-02 15:04:05"),
			s.RequestCount, s.TotalTokens)
	}
	return b.String()
}

// formatSessionRequests formats session requests as a text table.
func formatSessionRequests(reqs []models.SessionRequest) string {
	if len(reqs) == 0 {
		return "No requests found for this session."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%4s  %-20s %-16s %-20s %10s %10s %10s %10s\n",
		"Seq", "Time", "Intent", "Provider", "Prompt", "Completion", "Total", "Ctx Growth")
	b.WriteString(strings.Repeat("-", 110) + "\n")
	for _, r := range reqs {
		fmt.Fprintf(&b, "%4d  %-20s %-16s %-20s %10d %10d %10d %+10d\n",
			r.Seq,
			r.CreatedAt.Format("2006-01-02 15:04:05"),
			r.Intent, r.Provider,
			r.PromptTokens, r.CompletionTokens, r.TotalTokens, r.ContextGrowth)
	}
	return b.String()
}

// formatBudgetStatus formats budget statuses as a text table.
func formatBudgetStatus(statuses []models.BudgetStatus) string {
	if len(statuses) == 0 {
		return "No budgets configured.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-7s %-16s %-10s %12s %12s %8s %8s %6s\n",
		"Scope", "Name", "Day", "Tokens", "Limit", "Calls", "Limit", "Usage%")
	b.WriteString(strings.Repeat("-", 87) + "\n")
	for _, s := range statuses {
		fmt.Fprintf(&b, "%-7s %-16s %-10s %12d %12s %8d %8s %5.1f%%\n",
			s.Scope, s.Name, s.Day,
			s.Used.TokensUsed, limit(s.Limits.DailyTokens),
			s.Used.CallsUsed, limit(s.Limits.DailyCalls),
			usagePct(s))
	}
	return b.String()
}

func limit(n int64) string {
	if n <= 0 {
		return "unlimited"
	}
	return fmt.Sprint(n)
}

// usagePct is the larger of token and call usage against their limits.
func usagePct(s models.BudgetStatus) float64 {
	pct := 0.0
	if s.Limits.DailyTokens > 0 {
		pct = float64(s.Used.TokensUsed) / float64(s.Limits.DailyTokens) * 100
	}
	if s.Limits.DailyCalls > 0 {
		pct = max(pct, float64(s.Used.CallsUsed)/float64(s.Limits.DailyCalls)*100)
	}
	return pct
}

// formatCacheStats formats cache stats as text.
func formatCacheStats(stats models.CacheStats) string {
	total := stats.Hits + stats.Misses
	hitRate := float64(0)
	if total > 0 {
		hitRate = float64(stats.Hits) / float64(total) * 100
	}
	return fmt.Sprintf("Cache Statistics\n"+
		"  Entries:  %d\n"+
		"  Hits:     %d\n"+
		"  Misses:   %d\n"+
		"  Hit Rate: %.1f%%\n",
		stats.Entries, stats.Hits, stats.Misses, hitRate)
}

// formatContract formats the contract state as text.
func formatContract(st models.ContractState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Mode:    %s (%s)\n", st.Mode, st.Source)
	fmt.Fprintf(&b, "Load:    ewma %.3f/min, last %.3f/min, idle %t\n",
		st.ServiceLoad.EWMARate, st.ServiceLoad.LastRate, st.ServiceLoad.Idle)
	if ov := st.Override; ov != nil {
		fmt.Fprintf(&b, "Override: %s until %s", ov.Mode, ov.TTLUntil.Format(time.RFC3339))
		if ov.Reason != "" {
			fmt.Fprintf(&b, " (%s)", ov.Reason)
		}
		b.WriteString("\n")
	}
	if tr := st.LastTransition; tr != nil {
		fmt.Fprintf(&b, "Last:    %s -> %s at %s: %s\n", tr.From, tr.To, tr.TS.Format(time.RFC3339), tr.Reason)
	}
	return b.String()
}
