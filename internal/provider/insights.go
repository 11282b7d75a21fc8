package provider

import (
	"net/mail"
	"sort"
	"strings"

	"github.com/nhle/mailhub/internal/model"
)

const (
	defaultTopSenders = 10
	dayLayout         = "2006-01-02"
)

// computeInsights derives sender and volume statistics from messages.
func computeInsights(msgs []model.Message, top int) Insights {
	if top <= 0 {
		top = defaultTopSenders
	}

	ins := Insights{
		TotalMessages: len(msgs),
		TopSenders:    []SenderCount{},
		DailyVolume:   []DayVolume{},
		ByProvider:    make(map[string]int),
	}

	senders := make(map[string]int)
	days := make(map[string]*DayVolume)
	for _, m := range msgs {
		if m.Unread {
			ins.UnreadMessages++
		}
		ins.ByProvider[m.Provider]++

		if s := senderAddress(m.From); s != "" {
			senders[s]++
		}

		if m.Date.IsZero() {
			continue
		}
		day := m.Date.UTC().Format(dayLayout)
		dv, ok := days[day]
		if !ok {
			dv = &DayVolume{Date: day}
			days[day] = dv
		}
		dv.Count++
		if m.Unread {
			dv.Unread++
		}
	}

	for s, n := range senders {
		ins.TopSenders = append(ins.TopSenders, SenderCount{Sender: s, Count: n})
	}
	sort.Slice(ins.TopSenders, func(i, j int) bool {
		if ins.TopSenders[i].Count != ins.TopSenders[j].Count {
			return ins.TopSenders[i].Count > ins.TopSenders[j].Count
		}
		return ins.TopSenders[i].Sender < ins.TopSenders[j].Sender
	})
	if len(ins.TopSenders) > top {
		ins.TopSenders = ins.TopSenders[:top]
	}

	for _, dv := range days {
		ins.DailyVolume = append(ins.DailyVolume, *dv)
	}
	sort.Slice(ins.DailyVolume, func(i, j int) bool {
		return ins.DailyVolume[i].Date < ins.DailyVolume[j].Date
	})

	return ins
}

// senderAddress reduces a From value to a lower-case address.
func senderAddress(from string) string {
	from = strings.TrimSpace(from)
	if from == "" {
		return ""
	}
	if addr, err := mail.ParseAddress(from); err == nil {
		return strings.ToLower(addr.Address)
	}
	return strings.ToLower(from)
}
