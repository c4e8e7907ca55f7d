// Package xzfeed implements the XZ feeder (component C4): it drives
// an XZ decompressor in a loop until a fixed-size output buffer is
// full or the stream ends, handing the filled buffer to the patch
// engine one chunk at a time.
package xzfeed

import (
	"io"

	"github.com/deploymenttheory/syspatch/internal/perrors"
	"github.com/xi2/xz"
)

// decompressor is the subset of *xz.Reader's behavior a Feeder needs.
// Factoring it out lets tests drive DecompressChunk's fill-until-full
// loop with a fake reader instead of a real XZ stream.
type decompressor interface {
	Read(p []byte) (int, error)
}

// Feeder wraps an *xz.Reader and buffers its output into fixed
// XZOutputSize chunks.
type Feeder struct {
	r    decompressor
	size int
}

// New creates a Feeder over patch, the entire memory-mapped (or
// in-memory) patch byte stream. dictCap caps the LZMA2 dictionary size
// xi2/xz will allocate; 0 lets the stream header's own value through
// unmodified.
func New(patch io.Reader, outputSize int, dictCap uint32) (*Feeder, error) {
	r, err := xz.NewReader(patch, dictCap)
	if err != nil {
		return nil, perrors.New(perrors.CorruptPatch, "xzfeed.New", err)
	}
	return &Feeder{r: r, size: outputSize}, nil
}

// newFeederFromDecompressor builds a Feeder around an arbitrary
// decompressor, bypassing the real XZ header parse. Used only by
// tests.
func newFeederFromDecompressor(r decompressor, outputSize int) *Feeder {
	return &Feeder{r: r, size: outputSize}
}

// Chunk is one decompressed buffer handed to the patch engine, plus
// whether the XZ stream has reached its end.
type Chunk struct {
	Data []byte
	Done bool
}

// DecompressChunk loops the decompressor until buf (reused across
// calls, sized to OutputSize) is completely full or the underlying XZ
// stream ends. A partially filled buffer at end-of-stream is valid and
// is reported as Done with a shorter Data slice; any decompressor error
// other than a clean EOF is fatal (CorruptPatch).
func (f *Feeder) DecompressChunk(buf []byte) (Chunk, error) {
	var n int
	for n < len(buf) {
		m, err := f.r.Read(buf[n:])
		n += m
		if err == io.EOF {
			return Chunk{Data: buf[:n], Done: true}, nil
		}
		if err != nil {
			return Chunk{}, perrors.New(perrors.CorruptPatch, "xzfeed.DecompressChunk", err)
		}
		if m == 0 {
			// xz.Reader never legitimately returns (0, nil); treat it
			// as a stall rather than spinning forever.
			return Chunk{}, perrors.New(perrors.CorruptPatch, "xzfeed.DecompressChunk", io.ErrNoProgress)
		}
	}
	return Chunk{Data: buf[:n], Done: false}, nil
}
