package upload

import "iter"

// TotalChunks returns ceil(fileSize / chunkSize).
func TotalChunks(fileSize, chunkSize int64) int {
	if fileSize <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((fileSize + chunkSize - 1) / chunkSize)
}

// Split partitions [0, fileSize) into 1-indexed chunks of chunkSize bytes; the last one may be
// shorter. The sequence is recomputed on every range, so it can be iterated any number of times.
func Split(fileSize, chunkSize int64) iter.Seq[Chunk] {
	return func(yield func(Chunk) bool) {
		total := TotalChunks(fileSize, chunkSize)
		for i := 0; i < total; i++ {
			start := int64(i) * chunkSize
			end := min(start+chunkSize, fileSize)
			if !yield(Chunk{PartNumber: i + 1, Start: start, End: end}) {
				return
			}
		}
	}
}
