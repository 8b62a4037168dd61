package channel

import "unicode/utf16"

// SplitChunks cuts text into contiguous pieces of at most limit characters.
// Pieces are cut on length alone; joining them yields text again. A
// non-positive limit returns text as a single chunk. Empty text yields no chunks.
func SplitChunks(text string, limit int) []string {
	return SplitChunksFunc(text, limit, func(rune) int { return 1 })
}

// SplitChunksFunc is SplitChunks with the length of each rune given by
// width. A rune wider than limit still gets a chunk of its own.
func SplitChunksFunc(text string, limit int, width func(rune) int) []string {
	if text == "" {
		return nil
	}
	if limit <= 0 {
		return []string{text}
	}

	var chunks []string
	start, count := 0, 0
	for i, r := range text {
		w := width(r)
		if count > 0 && count+w > limit {
			chunks = append(chunks, text[start:i])
			start, count = i, 0
		}
		count += w
	}
	return append(chunks, text[start:])
}

// UTF16Width counts r in UTF-16 code units, the unit Telegram measures
// message length in.
func UTF16Width(r rune) int {
	if n := utf16.RuneLen(r); n > 0 {
		return n
	}
	return 1
}
