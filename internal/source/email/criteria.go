package email

import (
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/nhle/mailhub/internal/model"
	"github.com/nhle/mailhub/internal/source"
)

// buildCriteria translates search options into IMAP SEARCH criteria.
//
// SINCE and BEFORE are date-only on the server. SINCE is inclusive; BEFORE is
// exclusive, so an Until with a time of day moves BEFORE to the following day
// and the exact bounds are applied to the fetched messages by withinRange. The
// free-text query is dropped when empty; otherwise each term must match the
// subject, body or sender. In phrase mode the whole query is a single term,
// in terms mode it is split on whitespace. Matching is case-insensitive on
// the server side.
func buildCriteria(opts source.SearchOptions, mode string) *imap.SearchCriteria {
	criteria := &imap.SearchCriteria{}
	if !opts.Since.IsZero() {
		criteria.Since = opts.Since
	}
	if !opts.Until.IsZero() {
		criteria.Before = beforeDate(opts.Until)
	}

	query := strings.TrimSpace(opts.Query)
	if query == "" {
		return criteria
	}

	terms := []string{query}
	if mode == model.SearchModeTerms {
		terms = strings.Fields(query)
	}
	for _, term := range terms {
		criteria.Or = append(criteria.Or, textMatch(term))
	}
	return criteria
}

// beforeDate returns the first day BEFORE can name without dropping messages
// from the day Until falls on.
func beforeDate(until time.Time) time.Time {
	day := time.Date(until.Year(), until.Month(), until.Day(), 0, 0, 0, 0, until.Location())
	if day.Equal(until) {
		return until
	}
	return day.AddDate(0, 0, 1)
}

// withinRange reports whether env falls in [Since, Until). Envelopes without
// any date are kept.
func withinRange(env Envelope, opts source.SearchOptions) bool {
	at := env.InternalDate
	if at.IsZero() {
		at = env.Date
	}
	if at.IsZero() {
		return true
	}
	if !opts.Since.IsZero() && at.Before(opts.Since) {
		return false
	}
	if !opts.Until.IsZero() && !at.Before(opts.Until) {
		return false
	}
	return true
}

// textMatch builds OR(SUBJECT term, OR(BODY term, FROM term)).
func textMatch(term string) [2]imap.SearchCriteria {
	subject := imap.SearchCriteria{
		Header: []imap.SearchCriteriaHeaderField{{Key: "Subject", Value: term}},
	}
	body := imap.SearchCriteria{Body: []string{term}}
	from := imap.SearchCriteria{
		Header: []imap.SearchCriteriaHeaderField{{Key: "From", Value: term}},
	}
	return [2]imap.SearchCriteria{
		subject,
		{Or: [][2]imap.SearchCriteria{{body, from}}},
	}
}
