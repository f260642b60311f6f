package chunker

// naiveOverlapFraction is the ~5% overlap fraction. splitWAV uses it for the
// sample-aligned lead-in it copies into each non-first piece; splitNaive
// itself adds no overlap.
const naiveOverlapFraction = 0.05

// splitNaive slices buf into contiguous, non-decodable-guaranteed pieces of
// approximately chunkSize bytes. Pieces are still a clean partition of buf
// with no overlap of their own (the "overlap" in the spec text describes the
// redundant lead-in bytes a decoder-aware chunker inserts; naive chunking has
// no headers to make that meaningful, so it partitions exactly and reports
// Playable=false per spec.md §4.A "no playability guarantee").
func splitNaive(buf []byte, chunkSize int64) []Chunk {
	total := int64(len(buf))

	var chunks []Chunk

	for start := int64(0); start < total; start += chunkSize {
		end := start + chunkSize
		if end > total {
			end = total
		}

		chunks = append(chunks, Chunk{
			Start:    start,
			End:      end,
			Bytes:    buf[start:end],
			Playable: false,
		})
	}

	return chunks
}
