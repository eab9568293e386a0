// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package matrixfmt flattens Matrix message content into the single line of
// lightly marked-up text that is relayed to other networks.
package matrixfmt

import (
	"html"
	"regexp"
	"strconv"
	"strings"

	"maunium.net/go/mautrix/event"
)

var (
	replyFallbackRe = regexp.MustCompile(`(?s)<mx-reply>.*?</mx-reply>`)
	preRe           = regexp.MustCompile(`(?s)<pre[^>]*><code[^>]*>(.*?)</code></pre>`)
	codeRe          = regexp.MustCompile(`(?s)<code[^>]*>(.*?)</code>`)
	strongRe        = regexp.MustCompile(`(?s)<(?:strong|b)>(.*?)</(?:strong|b)>`)
	emRe            = regexp.MustCompile(`(?s)<(?:em|i)>(.*?)</(?:em|i)>`)
	delRe           = regexp.MustCompile(`(?s)<(?:del|s|strike)>(.*?)</(?:del|s|strike)>`)
	pillRe          = regexp.MustCompile(`<a href="https://matrix\.to/#/(@[^"]+)"[^>]*>(.*?)</a>`)
	linkRe          = regexp.MustCompile(`(?s)<a href="([^"]+)"[^>]*>(.*?)</a>`)
	headingRe       = regexp.MustCompile(`(?s)<h[1-6][^>]*>(.*?)</h[1-6]>`)
	blockquoteRe    = regexp.MustCompile(`(?s)<blockquote>(.*?)</blockquote>`)
	listRe          = regexp.MustCompile(`(?s)<(ul|ol)(?:\s+start="(\d+)")?[^>]*>(.*?)</(?:ul|ol)>`)
	liRe            = regexp.MustCompile(`(?s)<li>(.*?)</li>`)
	pRe             = regexp.MustCompile(`(?s)<p>(.*?)</p>`)
	brRe            = regexp.MustCompile(`<br\s*/?>`)
	tagRe           = regexp.MustCompile(`<[^>]+>`)
	blankLinesRe    = regexp.MustCompile(`\n{3,}`)
)

// ToPlain returns the text to relay for content. HTML bodies are reduced to
// markdown-ish plain text; reply fallbacks are dropped.
func ToPlain(content *event.MessageEventContent) string {
	if content == nil {
		return ""
	}
	if content.Format != event.FormatHTML || content.FormattedBody == "" {
		return stripPlainReplyFallback(content.Body)
	}
	return htmlToPlain(content.FormattedBody)
}

func htmlToPlain(text string) string {
	text = replyFallbackRe.ReplaceAllString(text, "")

	text = preRe.ReplaceAllString(text, "```\n$1\n```")
	text = codeRe.ReplaceAllString(text, "`$1`")
	text = strongRe.ReplaceAllString(text, "*$1*")
	text = emRe.ReplaceAllString(text, "_${1}_")
	text = delRe.ReplaceAllString(text, "~$1~")

	text = pillRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := pillRe.FindStringSubmatch(match)
		name := tagRe.ReplaceAllString(parts[2], "")
		if name == "" {
			name = parts[1]
		}
		return "@" + strings.TrimPrefix(name, "@")
	})
	text = linkRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := linkRe.FindStringSubmatch(match)
		href, label := parts[1], tagRe.ReplaceAllString(parts[2], "")
		if label == "" || label == href {
			return href
		}
		return label + " (" + href + ")"
	})

	text = headingRe.ReplaceAllString(text, "$1\n")
	text = blockquoteRe.ReplaceAllStringFunc(text, func(match string) string {
		inner := blockquoteRe.FindStringSubmatch(match)[1]
		inner = pRe.ReplaceAllString(inner, "$1\n")
		inner = brRe.ReplaceAllString(inner, "\n")
		lines := strings.Split(strings.TrimSpace(inner), "\n")
		for i, line := range lines {
			lines[i] = "> " + strings.TrimSpace(line)
		}
		return strings.Join(lines, "\n") + "\n"
	})
	text = listRe.ReplaceAllStringFunc(text, renderList)

	text = pRe.ReplaceAllString(text, "$1\n\n")
	text = brRe.ReplaceAllString(text, "\n")
	text = tagRe.ReplaceAllString(text, "")
	text = html.UnescapeString(text)
	text = blankLinesRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

func renderList(match string) string {
	parts := listRe.FindStringSubmatch(match)
	ordered := parts[1] == "ol"
	n := 1
	if parts[2] != "" {
		n, _ = strconv.Atoi(parts[2])
	}
	items := liRe.FindAllStringSubmatch(parts[3], -1)
	lines := make([]string, 0, len(items))
	for _, item := range items {
		body := strings.TrimSpace(item[1])
		if ordered {
			lines = append(lines, strconv.Itoa(n)+". "+body)
			n++
		} else {
			lines = append(lines, "- "+body)
		}
	}
	return strings.Join(lines, "\n") + "\n"
}

// stripPlainReplyFallback removes the "> <@user> quoted" header clients put
// in front of plain-text replies.
func stripPlainReplyFallback(body string) string {
	if !strings.HasPrefix(body, "> <@") {
		return body
	}
	lines := strings.Split(body, "\n")
	for i, line := range lines {
		if !strings.HasPrefix(line, ">") {
			return strings.TrimSpace(strings.Join(lines[i:], "\n"))
		}
	}
	return body
}
