package email

import (
	"bytes"
	"html"
	"io"
	"strings"
	"unicode/utf8"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/microcosm-cc/bluemonday"
)

const snippetLength = 200

var plainText = bluemonday.StrictPolicy()

// parseMIMEBody parses a raw RFC 5322 message using go-message and returns
// its text/plain and text/html parts. Attachments are skipped.
func parseMIMEBody(raw []byte) (textBody string, htmlBody string) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		// If parsing fails, try treating the whole thing as plain text
		return string(raw), ""
	}
	defer mr.Close()

	for {
		part, err := mr.NextPart()
		if err != nil {
			break
		}

		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := h.ContentType()
		body, readErr := io.ReadAll(part.Body)
		if readErr != nil {
			continue
		}

		switch {
		case strings.HasPrefix(contentType, "text/plain") && textBody == "":
			textBody = string(body)
		case strings.HasPrefix(contentType, "text/html") && htmlBody == "":
			htmlBody = string(body)
		}
	}

	return textBody, htmlBody
}

// bodyText returns the readable text of a raw message, preferring the plain
// part and falling back to sanitized HTML.
func bodyText(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	text, htmlBody := parseMIMEBody(raw)
	if strings.TrimSpace(text) == "" && htmlBody != "" {
		text = stripHTML(htmlBody)
	}
	return strings.TrimSpace(text)
}

// stripHTML removes markup and decodes entities.
func stripHTML(s string) string {
	for _, tag := range []string{"<br>", "<br/>", "<br />", "</p>", "</div>", "</li>"} {
		s = strings.ReplaceAll(s, tag, "\n"+tag)
	}
	return strings.TrimSpace(html.UnescapeString(plainText.Sanitize(s)))
}

// snippet collapses whitespace and cuts text to snippetLength runes.
func snippet(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= snippetLength {
		return text
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:snippetLength])) + "…"
}
