// Package cache implements the source read cache (component C2): a
// fixed-size, most-recently-used collection of source blocks that
// serves the VCDIFF decoder's random block requests, backed by cold
// reads through a don't-care map cursor.
package cache

import (
	"fmt"

	"github.com/deploymenttheory/syspatch/internal/perrors"
)

// Block is one fixed-size source block: the data read, its logical
// block number, and its valid length (shorter than BlockSize only at
// end-of-source).
type Block struct {
	BlkNo  int64
	Length int
	Data   []byte
}

// Source is the narrow capability a Cache needs from the source
// don't-care map cursor: logical seek and read, exposed as an
// interface rather than an untyped I/O pointer so tests can fake it.
type Source interface {
	Seek(offset int64) error
	Read(dst []byte) (int, error)
}

// FrontierChecker reports the current read frontier guard:
// SourcePhysicalPosition returns the physical file position the most
// recent source read will have reached once complete (the end of the
// requested block), and Frontier returns the target offset below which
// the underlying bytes have already been overwritten.
type FrontierChecker interface {
	SourcePhysicalPosition() (int64, bool) // ok=false when source/target don't alias
	Frontier() int64
}

// Cache holds the N most-recently-used fixed-size source blocks,
// position 0 being the MRU entry. A given block number appears at most
// once.
type Cache struct {
	blockSize int64
	entries   []*Block // MRU at index 0
	src       Source
	frontier  FrontierChecker
}

// New creates a Cache of the given capacity and seeds it by reading
// blocks 0..capacity-1 sequentially from src, exploiting the
// near-certainty that early source blocks are used first.
func New(capacity int, blockSize int64, src Source, frontier FrontierChecker) (*Cache, error) {
	if capacity <= 0 {
		return nil, perrors.New(perrors.OutOfMemory, "cache.New", fmt.Errorf("capacity must be positive, got %d", capacity))
	}
	c := &Cache{
		blockSize: blockSize,
		entries:   make([]*Block, 0, capacity),
		src:       src,
		frontier:  frontier,
	}
	for i := 0; i < capacity; i++ {
		data := make([]byte, blockSize)
		n, err := readBlock(src, int64(i), blockSize, data)
		if err != nil {
			return nil, perrors.New(perrors.SourceIOError, "cache.New", err)
		}
		c.entries = append(c.entries, &Block{BlkNo: int64(i), Length: n, Data: data})
		if int64(n) < blockSize {
			// End of source reached during seeding; the remaining
			// slots fill lazily through cold reads.
			break
		}
	}
	return c, nil
}

// Cap returns the cache's fixed capacity.
func (c *Cache) Cap() int { return cap(c.entries) }

// Get returns the block for blkno, promoting it to MRU on a hit or
// performing a cold read (and frontier check) on a miss. The returned
// Block must not be retained past the next call to Get: eviction may
// reuse the returned entry's backing slot.
func (c *Cache) Get(blkno int64) (*Block, error) {
	for i, b := range c.entries {
		if b.BlkNo == blkno {
			c.promote(i)
			return b, nil
		}
	}
	return c.coldRead(blkno)
}

// promote moves the entry at index i to the front (MRU) without
// reallocating any Block.
func (c *Cache) promote(i int) {
	if i == 0 {
		return
	}
	b := c.entries[i]
	copy(c.entries[1:i+1], c.entries[:i])
	c.entries[0] = b
}

func (c *Cache) coldRead(blkno int64) (*Block, error) {
	data := make([]byte, c.blockSize)
	n, err := readBlock(c.src, blkno, c.blockSize, data)
	if err != nil {
		return nil, perrors.New(perrors.SourceIOError, "cache.coldRead", err)
	}

	if c.frontier != nil {
		if pos, ok := c.frontier.SourcePhysicalPosition(); ok {
			if pos <= c.frontier.Frontier() {
				return nil, perrors.New(perrors.FrontierViolation, "cache.coldRead",
					fmt.Errorf("read at physical offset %d at or before frontier %d", pos, c.frontier.Frontier()))
			}
		}
	}

	b := &Block{BlkNo: blkno, Length: n, Data: data}

	// Evict the LRU entry (last slot) and insert at MRU.
	if len(c.entries) == cap(c.entries) {
		copy(c.entries[1:], c.entries[:len(c.entries)-1])
	} else {
		c.entries = append(c.entries, nil)
		copy(c.entries[1:], c.entries[:len(c.entries)-1])
	}
	c.entries[0] = b
	return b, nil
}

func readBlock(src Source, blkno int64, blockSize int64, data []byte) (int, error) {
	if err := src.Seek(blkno * blockSize); err != nil {
		return 0, err
	}
	return src.Read(data)
}
