package provider

import (
	"time"

	"github.com/google/uuid"

	"github.com/nhle/mailhub/internal/model"
	"github.com/nhle/mailhub/internal/source"
)

// State is the lifecycle state of a registered connector.
type State string

const (
	StateUnconfigured State = "unconfigured"
	StateInitializing State = "initializing"
	StateActive       State = "active"
	StateFailed       State = "failed"
	StateDisconnected State = "disconnected"
)

// ProviderResult is one provider's slot in an aggregate result.
type ProviderResult[T any] struct {
	Success     bool             `json:"success"`
	DisplayName string           `json:"displayName"`
	Data        T                `json:"data,omitempty"`
	Error       string           `json:"error,omitempty"`
	ErrorKind   source.ErrorKind `json:"errorKind,omitempty"`
}

// AggregateResult is the outcome of a fan-out: the merged view and every
// provider's own result.
type AggregateResult[T any] struct {
	RequestID  uuid.UUID                    `json:"requestId"`
	ByProvider map[string]ProviderResult[T] `json:"byProvider"`
	Merged     []model.Message              `json:"merged"`
	TotalCount int                          `json:"totalCount"`
}

// Succeeded counts the providers that answered.
func (r *AggregateResult[T]) Succeeded() int {
	n := 0
	for _, p := range r.ByProvider {
		if p.Success {
			n++
		}
	}
	return n
}

// Errors maps failed provider ids to their error messages.
func (r *AggregateResult[T]) Errors() map[string]string {
	out := make(map[string]string)
	for id, p := range r.ByProvider {
		if !p.Success {
			out[id] = p.Error
		}
	}
	return out
}

// UnreadSlot is one provider's entry in UnreadCounts. Count is set on success,
// Error on failure. Warning accompanies a count the backend could not fully
// report.
type UnreadSlot struct {
	Count   *int   `json:"count,omitempty"`
	Error   string `json:"error,omitempty"`
	Warning string `json:"warning,omitempty"`
}

// UnreadCounts sums the unread counts of the providers that answered.
type UnreadCounts struct {
	Total      int                   `json:"total"`
	ByProvider map[string]UnreadSlot `json:"byProvider"`
}

// ProviderStats is one provider's entry in a StatsReport.
type ProviderStats struct {
	Success        bool        `json:"success"`
	DisplayName    string      `json:"displayName"`
	Kind           source.Kind `json:"kind"`
	Status         State       `json:"status"`
	TotalMessages  int         `json:"totalMessages"`
	UnreadMessages int         `json:"unreadMessages"`
	Accounts       int         `json:"accounts"`
	Error          string      `json:"error,omitempty"`
}

// StatsTotals sums the successful provider stats.
type StatsTotals struct {
	TotalMessages  int `json:"totalMessages"`
	UnreadMessages int `json:"unreadMessages"`
	Accounts       int `json:"accounts"`
}

// StatsReport is the result of StatsAll.
type StatsReport struct {
	Providers map[string]ProviderStats `json:"providers"`
	Totals    StatsTotals              `json:"totals"`
}

// ProviderStatus is the registry view of one provider.
type ProviderStatus struct {
	ID            string              `json:"id"`
	DisplayName   string              `json:"displayName"`
	Kind          source.Kind         `json:"kind"`
	Enabled       bool                `json:"enabled"`
	Status        State               `json:"status"`
	LastError     string              `json:"lastError,omitempty"`
	InitializedAt *time.Time          `json:"initializedAt,omitempty"`
	Accounts      []model.AccountInfo `json:"accounts"`
}

// ProviderDetail describes one provider. Single-account providers fill
// Account, others Accounts. Failures are reported in Error, never returned.
type ProviderDetail struct {
	Success     bool                `json:"success"`
	Provider    string              `json:"provider"`
	DisplayName string              `json:"displayName,omitempty"`
	Kind        source.Kind         `json:"kind,omitempty"`
	Status      State               `json:"status,omitempty"`
	Accounts    []model.AccountInfo `json:"accounts,omitempty"`
	Account     *model.AccountInfo  `json:"account,omitempty"`
	Folders     []source.Folder     `json:"folders,omitempty"`
	Error       string              `json:"error,omitempty"`
}

// InsightOptions bounds the message window insights are computed over.
type InsightOptions struct {
	// Limit is the number of recent messages considered.
	Limit int
	// Top is the number of senders reported.
	Top int
}

// SenderCount is a sender and the number of messages received from it.
type SenderCount struct {
	Sender string `json:"sender"`
	Count  int    `json:"count"`
}

// DayVolume is the number of messages received on one UTC day.
type DayVolume struct {
	Date   string `json:"date"`
	Count  int    `json:"count"`
	Unread int    `json:"unread"`
}

// Insights are derived from the merged recent messages only.
type Insights struct {
	RequestID      uuid.UUID         `json:"requestId"`
	TotalMessages  int               `json:"totalMessages"`
	UnreadMessages int               `json:"unreadMessages"`
	TopSenders     []SenderCount     `json:"topSenders"`
	DailyVolume    []DayVolume       `json:"dailyVolume"`
	ByProvider     map[string]int    `json:"byProvider"`
	Errors         map[string]string `json:"errors,omitempty"`
}
