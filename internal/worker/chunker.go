package worker

// DefaultChunkSize is the chunk length in runes when none is configured.
const DefaultChunkSize = 500

// ChunkText splits s into chunks of at most size runes, cutting only on rune
// boundaries. Concatenating the returned chunks reproduces s exactly. An
// empty input yields no chunks; size <= 0 falls back to [DefaultChunkSize].
func ChunkText(s string, size int) []string {
	if s == "" {
		return nil
	}
	if size <= 0 {
		size = DefaultChunkSize
	}

	runes := []rune(s)
	chunks := make([]string, 0, (len(runes)+size-1)/size)
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}
