package transfer

import "fmt"

// DefaultChunkSize is used when no chunk size is configured.
const DefaultChunkSize int64 = 1 << 20

// Chunk is one contiguous byte range of an object.
type Chunk struct {
	Index  int
	Offset int64
	Size   int64
}

// End returns the exclusive end offset of the chunk.
func (c Chunk) End() int64 { return c.Offset + c.Size }

// Plan partitions total bytes into ceil(total/chunkSize) chunks in index
// order. Every chunk is chunkSize long except possibly the last.
func Plan(total, chunkSize int64) ([]Chunk, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("%w: chunk size %d must be positive", ErrInvalidArgument, chunkSize)
	}
	if total < 0 {
		return nil, fmt.Errorf("%w: negative total size %d", ErrInvalidArgument, total)
	}

	n := chunkCount(total, chunkSize)
	chunks := make([]Chunk, n)
	for i := range chunks {
		off := int64(i) * chunkSize
		size := chunkSize
		if rest := total - off; rest < size {
			size = rest
		}
		chunks[i] = Chunk{Index: i, Offset: off, Size: size}
	}
	return chunks, nil
}

func chunkCount(total, chunkSize int64) int {
	return int((total + chunkSize - 1) / chunkSize)
}
