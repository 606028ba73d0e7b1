package telegram

import (
	"fmt"
	"html"
	"regexp"
	"strings"
)

var (
	boldRe   = regexp.MustCompile(`\*\*([^*]+)\*\*`)
	italicRe = regexp.MustCompile(`(^|[^*])\*([^*\n]+)\*`)
	codeRe   = regexp.MustCompile("`([^`\n]+)`")
	headerRe = regexp.MustCompile(`^#{1,6}\s+(.*)$`)
)

// RenderHTML переводит markdown-подобный ответ модели в подмножество HTML,
// которое принимает Telegram. Неизвестная разметка экранируется.
func RenderHTML(text string) string {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		escaped := html.EscapeString(line)
		if m := headerRe.FindStringSubmatch(escaped); m != nil {
			out = append(out, "<b>"+m[1]+"</b>")
			continue
		}
		escaped = boldRe.ReplaceAllString(escaped, "<b>$1</b>")
		escaped = italicRe.ReplaceAllString(escaped, "$1<i>$2</i>")
		escaped = codeRe.ReplaceAllString(escaped, "<code>$1</code>")
		if strings.HasPrefix(strings.TrimSpace(escaped), "- ") {
			escaped = strings.Replace(escaped, "- ", "• ", 1)
		}
		out = append(out, escaped)
	}
	return strings.Join(out, "\n")
}

// MessageLink строит deep link на сообщение в публичном или приватном чате.
func MessageLink(username string, chatID, msgID int64) string {
	if username != "" {
		return fmt.Sprintf("https://t.me/%s/%d", username, msgID)
	}
	// Приватные чаты адресуются внутренним id без префикса -100.
	internal := chatID
	if internal < 0 {
		internal = -internal
	}
	const channelPrefix = 1000000000000
	if internal > channelPrefix {
		internal -= channelPrefix
	}
	return fmt.Sprintf("https://t.me/c/%d/%d", internal, msgID)
}
