// Copyright 2024-2026 Aiku AI

// Package mattermostfmt renders the markdown dialect used on the social side
// as Matrix HTML, and formats relayed lines for Matrix rooms.
package mattermostfmt

import (
	"html"
	"regexp"
	"strconv"
	"strings"

	"maunium.net/go/mautrix/event"

	"github.com/aiku/chatrelay/pkg/relay"
)

// Content is a Matrix message body with an optional HTML rendering.
type Content struct {
	Body          string
	Format        event.Format
	FormattedBody string
}

// MessageContent builds the event content for a message of type msgType.
func (c *Content) MessageContent(msgType event.MessageType) *event.MessageEventContent {
	return &event.MessageEventContent{
		MsgType:       msgType,
		Body:          c.Body,
		Format:        c.Format,
		FormattedBody: c.FormattedBody,
	}
}

var (
	fenceRe   = regexp.MustCompile("(?s)```(?:([\\w+-]+)\\n|\\n?)(.*?)```")
	headingRe = regexp.MustCompile(`^(#{1,6})\s+(.+)$`)
	ulRe      = regexp.MustCompile(`^[-*+]\s+(.+)$`)
	olRe      = regexp.MustCompile(`^(\d+)\.\s+(.+)$`)
	quoteRe   = regexp.MustCompile(`^>\s?(.*)$`)

	codeSpanRe = regexp.MustCompile("`([^`]+)`")
	linkRe     = regexp.MustCompile(`\[([^\]]+)\]\(([^)\s]+)\)`)
	boldRe     = regexp.MustCompile(`\*\*(.+?)\*\*`)
	italicRe   = regexp.MustCompile(`(^|\W)_(.+?)_(\W|$)`)
	strikeRe   = regexp.MustCompile(`~~(.+?)~~`)
)

// Render converts markdown to Matrix content. Text without any markup is
// returned as a plain body.
func Render(markdown string) *Content {
	if markdown == "" {
		return &Content{}
	}
	formatted, marked := render(markdown)
	if !marked {
		return &Content{Body: markdown}
	}
	return &Content{Body: markdown, Format: event.FormatHTML, FormattedBody: formatted}
}

// RenderRelayed formats a line relayed from another network. The plain body
// is "<author> body"; the HTML body shows the author in bold.
func RenderRelayed(author, body string) *Content {
	formatted, _ := render(body)
	return &Content{
		Body:          relay.FormatLine(author, body),
		Format:        event.FormatHTML,
		FormattedBody: "<strong>" + html.EscapeString("<"+author+">") + "</strong> " + formatted,
	}
}

type block struct {
	kind  string
	start int
	lines []string
}

func render(text string) (string, bool) {
	text = strings.NewReplacer("\x00", "", "\x01", "").Replace(text)

	var fences []string
	text = fenceRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := fenceRe.FindStringSubmatch(match)
		class := ""
		if parts[1] != "" {
			class = ` class="language-` + html.EscapeString(parts[1]) + `"`
		}
		fences = append(fences, "<pre><code"+class+">"+html.EscapeString(strings.TrimSuffix(parts[2], "\n"))+"</code></pre>")
		return "\x01" + strconv.Itoa(len(fences)-1) + "\x01"
	})
	marked := len(fences) > 0

	var out []string
	var cur block
	flush := func() {
		switch cur.kind {
		case "p":
			out = append(out, "<p>"+strings.Join(cur.lines, "<br/>")+"</p>")
		case "quote":
			out = append(out, "<blockquote>"+strings.Join(cur.lines, "<br/>")+"</blockquote>")
		case "ul", "ol":
			open := "<" + cur.kind + ">"
			if cur.kind == "ol" && cur.start != 1 {
				open = `<ol start="` + strconv.Itoa(cur.start) + `">`
			}
			out = append(out, open+"<li>"+strings.Join(cur.lines, "</li><li>")+"</li></"+cur.kind+">")
		}
		cur = block{}
	}
	add := func(kind, line string) {
		if cur.kind != kind {
			flush()
			cur.kind = kind
		}
		cur.lines = append(cur.lines, line)
	}

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
			flush()
		case strings.HasPrefix(trimmed, "\x01") && strings.HasSuffix(trimmed, "\x01") && strings.Count(trimmed, "\x01") == 2:
			flush()
			out = append(out, trimmed)
		case headingRe.MatchString(trimmed):
			flush()
			m := headingRe.FindStringSubmatch(trimmed)
			lvl := strconv.Itoa(len(m[1]))
			out = append(out, "<h"+lvl+">"+inline(m[2])+"</h"+lvl+">")
			marked = true
		case quoteRe.MatchString(trimmed):
			add("quote", inline(quoteRe.FindStringSubmatch(trimmed)[1]))
			marked = true
		case ulRe.MatchString(trimmed):
			add("ul", inline(ulRe.FindStringSubmatch(trimmed)[1]))
			marked = true
		case olRe.MatchString(trimmed):
			m := olRe.FindStringSubmatch(trimmed)
			if cur.kind != "ol" {
				flush()
				cur.kind = "ol"
				cur.start, _ = strconv.Atoi(m[1])
			}
			cur.lines = append(cur.lines, inline(m[2]))
			marked = true
		default:
			rendered := inline(line)
			if rendered != html.EscapeString(line) {
				marked = true
			}
			add("p", rendered)
		}
	}
	flush()

	if len(out) == 1 && strings.HasPrefix(out[0], "<p>") {
		out[0] = strings.TrimSuffix(strings.TrimPrefix(out[0], "<p>"), "</p>")
	}
	formatted := strings.Join(out, "")
	for i, fence := range fences {
		formatted = strings.Replace(formatted, "\x01"+strconv.Itoa(i)+"\x01", fence, 1)
	}
	return formatted, marked
}

// inline escapes s and applies span-level markup. Code spans and links are
// cut out first so their contents are not reformatted.
func inline(s string) string {
	var spans []string
	hold := func(h string) string {
		spans = append(spans, h)
		return "\x00" + strconv.Itoa(len(spans)-1) + "\x00"
	}
	s = codeSpanRe.ReplaceAllStringFunc(s, func(match string) string {
		return hold("<code>" + html.EscapeString(match[1:len(match)-1]) + "</code>")
	})
	s = linkRe.ReplaceAllStringFunc(s, func(match string) string {
		parts := linkRe.FindStringSubmatch(match)
		label, href := parts[1], parts[2]
		if !safeURL(href) {
			return label
		}
		return hold(`<a href="` + html.EscapeString(href) + `">` + html.EscapeString(label) + `</a>`)
	})

	s = html.EscapeString(s)
	s = boldRe.ReplaceAllString(s, "<strong>$1</strong>")
	s = italicRe.ReplaceAllString(s, "${1}<em>${2}</em>${3}")
	s = strikeRe.ReplaceAllString(s, "<del>$1</del>")

	for i, span := range spans {
		s = strings.Replace(s, "\x00"+strconv.Itoa(i)+"\x00", span, 1)
	}
	return s
}

func safeURL(href string) bool {
	lower := strings.ToLower(strings.TrimSpace(href))
	return strings.HasPrefix(lower, "http://") ||
		strings.HasPrefix(lower, "https://") ||
		strings.HasPrefix(lower, "mailto:")
}
