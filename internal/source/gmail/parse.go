package gmail

import (
	"encoding/base64"
	"html"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/nhle/mailhub/internal/model"
)

const labelUnread = "UNREAD"

var plainText = bluemonday.StrictPolicy()

// cleanSnippet strips markup and decodes the entities the API leaves in
// snippets.
func cleanSnippet(s string) string {
	return strings.TrimSpace(html.UnescapeString(plainText.Sanitize(s)))
}

func header(p *Part, name string) string {
	if p == nil {
		return ""
	}
	for _, h := range p.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// splitAddresses parses an address list header, keeping bare addresses.
func splitAddresses(value string) []string {
	out := []string{}
	if strings.TrimSpace(value) == "" {
		return out
	}
	list, err := mail.ParseAddressList(value)
	if err != nil {
		for _, v := range strings.Split(value, ",") {
			if v = strings.TrimSpace(v); v != "" {
				out = append(out, v)
			}
		}
		return out
	}
	for _, a := range list {
		out = append(out, a.Address)
	}
	return out
}

// messageDate prefers the server's internal date (epoch millis) and falls
// back to the Date header.
func messageDate(m *Message) time.Time {
	if ms, err := strconv.ParseInt(m.InternalDate, 10, 64); err == nil && ms > 0 {
		return time.UnixMilli(ms).UTC()
	}
	if d, err := mail.ParseDate(header(m.Payload, "Date")); err == nil {
		return d.UTC()
	}
	return time.Time{}
}

func decodeData(data string) string {
	if data == "" {
		return ""
	}
	for _, enc := range []*base64.Encoding{base64.URLEncoding, base64.RawURLEncoding, base64.StdEncoding} {
		if b, err := enc.DecodeString(data); err == nil {
			return string(b)
		}
	}
	return ""
}

// findPart returns the first part of the given MIME type, depth first.
func findPart(p *Part, mimeType string) *Part {
	if p == nil {
		return nil
	}
	if strings.HasPrefix(p.MimeType, mimeType) && p.Filename == "" && p.Body.Data != "" {
		return p
	}
	for i := range p.Parts {
		if found := findPart(&p.Parts[i], mimeType); found != nil {
			return found
		}
	}
	return nil
}

// bodyText returns the plain text of a full-format message, falling back to
// sanitized HTML.
func bodyText(p *Part) string {
	if part := findPart(p, "text/plain"); part != nil {
		return strings.TrimSpace(decodeData(part.Body.Data))
	}
	if part := findPart(p, "text/html"); part != nil {
		raw := decodeData(part.Body.Data)
		for _, tag := range []string{"<br>", "<br/>", "<br />", "</p>", "</div>", "</li>"} {
			raw = strings.ReplaceAll(raw, tag, "\n"+tag)
		}
		return cleanSnippet(raw)
	}
	return ""
}

// toMessage normalizes an API message.
func toMessage(provider, account string, m *Message, includeBody bool) model.Message {
	unread := false
	for _, l := range m.LabelIDs {
		if l == labelUnread {
			unread = true
			break
		}
	}

	msg := model.Message{
		ID:       m.ID,
		Provider: provider,
		Account:  account,
		Subject:  header(m.Payload, "Subject"),
		From:     header(m.Payload, "From"),
		To:       splitAddresses(header(m.Payload, "To")),
		Date:     messageDate(m),
		Unread:   unread,
		Snippet:  cleanSnippet(m.Snippet),
	}
	if includeBody {
		msg.Body = bodyText(m.Payload)
	}
	return msg
}
