package rag

import "strings"

const maxKeywords = 2

// stopWords — служебные слова, бесполезные как ключи для графа.
var stopWords = map[string]struct{}{
	"как": {}, "что": {}, "где": {}, "кто": {}, "когда": {}, "почему": {},
	"зачем": {}, "какой": {}, "какие": {}, "про": {}, "для": {}, "или": {},
	"это": {}, "есть": {}, "было": {}, "будет": {}, "мне": {}, "расскажи": {},
	"покажи": {}, "найди": {},
	"the": {}, "and": {}, "for": {}, "what": {}, "how": {}, "why": {},
	"where": {}, "when": {}, "about": {}, "show": {}, "find": {},
}

// keywords выделяет из запроса до maxKeywords значимых слов длиной от трёх
// символов для поиска смежных тегов в графе.
func keywords(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	out := make([]string, 0, maxKeywords)
	for _, word := range fields {
		word = strings.Trim(word, ".,!?;:()\"'«»")
		if len([]rune(word)) < 3 {
			continue
		}
		if _, stop := stopWords[word]; stop {
			continue
		}
		out = append(out, word)
		if len(out) == maxKeywords {
			break
		}
	}
	return out
}
