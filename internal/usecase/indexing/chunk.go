package indexing

import "strings"

const (
	chunkSize    = 500
	chunkOverlap = 50
)

// Chunks режет текст поста на куски около chunkSize рун. Границы абзацев
// сохраняются, длинные абзацы режутся жёстко с перекрытием chunkOverlap.
func Chunks(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var chunks []string
	var current strings.Builder
	currentLen := 0

	flush := func() {
		if currentLen > 0 {
			chunks = append(chunks, current.String())
			current.Reset()
			currentLen = 0
		}
	}

	for _, paragraph := range strings.Split(text, "\n\n") {
		paragraph = strings.TrimSpace(paragraph)
		if paragraph == "" {
			continue
		}
		length := len([]rune(paragraph))
		if length > chunkSize {
			flush()
			chunks = append(chunks, hardSplit(paragraph)...)
			continue
		}
		if currentLen > 0 && currentLen+2+length > chunkSize {
			flush()
		}
		if currentLen > 0 {
			current.WriteString("\n\n")
			currentLen += 2
		}
		current.WriteString(paragraph)
		currentLen += length
	}
	flush()
	return chunks
}

// hardSplit режет абзац длиннее chunkSize с перекрытием, чтобы смысл на
// границе не терялся при поиске.
func hardSplit(paragraph string) []string {
	runes := []rune(paragraph)
	step := chunkSize - chunkOverlap
	var chunks []string
	for start := 0; start < len(runes); start += step {
		end := start + chunkSize
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return chunks
}
