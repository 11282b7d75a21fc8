package theme

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/mailhub/internal/model"
	"github.com/nhle/mailhub/internal/provider"
)

const subjectWidth = 60

// RenderStatuses lists providers with their state and accounts.
func RenderStatuses(statuses []provider.ProviderStatus) string {
	var b strings.Builder
	b.WriteString(HeaderStyle.Render("Providers"))
	b.WriteString("\n")

	if len(statuses) == 0 {
		b.WriteString(MutedStyle.Render("no providers configured"))
		return b.String()
	}

	for _, st := range statuses {
		addrs := make([]string, 0, len(st.Accounts))
		for _, a := range st.Accounts {
			addrs = append(addrs, a.Address)
		}
		line := fmt.Sprintf("%-16s %s %s  %s",
			st.ID,
			KindLabelStyle(string(st.Kind)).Render(fmt.Sprintf("%-4s", st.Kind)),
			StatusStyle(string(st.Status)).Render(fmt.Sprintf("%-12s", st.Status)),
			strings.Join(addrs, ", "),
		)
		b.WriteString(line)
		b.WriteString("\n")
		if st.LastError != "" {
			b.WriteString("  ")
			b.WriteString(ErrorStyle.Render(st.LastError))
			b.WriteString("\n")
		}
	}
	return b.String()
}

// RenderMessages renders a merged message list followed by provider errors.
func RenderMessages(title string, msgs []model.Message, errs map[string]string) string {
	var b strings.Builder
	b.WriteString(HeaderStyle.Render(fmt.Sprintf("%s (%d)", title, len(msgs))))
	b.WriteString("\n")

	for _, m := range msgs {
		subject := truncate(m.Subject, subjectWidth)
		if m.Unread {
			subject = UnreadStyle.Render(subject)
		}
		fmt.Fprintf(&b, "%s  %-14s %s\n",
			MutedStyle.Render(m.Date.Local().Format(time.DateTime)),
			truncate(m.ProviderName, 14),
			subject,
		)
		fmt.Fprintf(&b, "%s%s\n", strings.Repeat(" ", 21), MutedStyle.Render(m.From))
	}

	b.WriteString(renderErrors(errs))
	return b.String()
}

// RenderUnread renders unread counts per provider.
func RenderUnread(u *provider.UnreadCounts) string {
	var b strings.Builder
	b.WriteString(HeaderStyle.Render(fmt.Sprintf("Unread: %d", u.Total)))
	b.WriteString("\n")

	for _, id := range sortedKeys(u.ByProvider) {
		slot := u.ByProvider[id]
		switch {
		case slot.Count != nil:
			fmt.Fprintf(&b, "%-16s %d", id, *slot.Count)
			if slot.Warning != "" {
				b.WriteString("  " + MutedStyle.Render(slot.Warning))
			}
		default:
			fmt.Fprintf(&b, "%-16s %s", id, ErrorStyle.Render(slot.Error))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// RenderStats renders a stats report inside a bordered panel.
func RenderStats(r *provider.StatsReport) string {
	var rows []string
	for _, id := range sortedKeys(r.Providers) {
		ps := r.Providers[id]
		if !ps.Success {
			rows = append(rows, fmt.Sprintf("%-16s %s", id, ErrorStyle.Render(ps.Error)))
			continue
		}
		rows = append(rows, fmt.Sprintf("%-16s %6d messages  %5d unread  %2d accounts",
			id, ps.TotalMessages, ps.UnreadMessages, ps.Accounts))
	}
	rows = append(rows, fmt.Sprintf("%-16s %6d messages  %5d unread  %2d accounts",
		"total", r.Totals.TotalMessages, r.Totals.UnreadMessages, r.Totals.Accounts))

	return lipgloss.JoinVertical(lipgloss.Left,
		HeaderStyle.Render("Stats"),
		BorderStyle.Render(strings.Join(rows, "\n")),
	)
}

func renderErrors(errs map[string]string) string {
	if len(errs) == 0 {
		return ""
	}
	var b strings.Builder
	for _, id := range sortedKeys(errs) {
		fmt.Fprintf(&b, "%s %s\n", ErrorStyle.Render("! "+id+":"), errs[id])
	}
	return b.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
