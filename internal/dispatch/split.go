// ABOUTME: Splits long replies into chunks that fit the channel's message size limit.

package dispatch

// DefaultChunkSize is the maximum number of characters per outbound message.
const DefaultChunkSize = 4000

// SplitMessage cuts text into consecutive chunks of at most size runes.
// Empty text yields no chunks.
func SplitMessage(text string, size int) []string {
	if text == "" {
		return nil
	}
	if size <= 0 {
		size = DefaultChunkSize
	}

	runes := []rune(text)
	if len(runes) <= size {
		return []string{text}
	}

	chunks := make([]string, 0, (len(runes)+size-1)/size)
	for len(runes) > 0 {
		n := min(size, len(runes))
		chunks = append(chunks, string(runes[:n]))
		runes = runes[n:]
	}
	return chunks
}
