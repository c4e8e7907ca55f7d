package dontcare

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
)

// zstdMagic is the 4-byte frame magic number zstd prepends to every
// compressed stream; sniffing it lets LoadMapFile pick a plain or
// zstd-wrapped reader without the caller needing to say which.
var zstdMagic = [4]byte{0x28, 0xb5, 0x2f, 0xfd}

// LoadMapFile parses the text don't-care map format: first token
// block_size, second token region_count (even), then region_count
// alternating care/don't-care block counts,
// whitespace-separated. Operators may hand syspatch a map pre-compressed
// with zstd (".map.zst"); LoadMapFile sniffs the magic and transparently
// decompresses before parsing.
func LoadMapFile(path string) (Map, error) {
	f, err := os.Open(path)
	if err != nil {
		return Map{}, fmt.Errorf("dontcare: opening map file: %w", err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	magic, err := br.Peek(4)
	var r io.Reader = br
	if err == nil && [4]byte(magic) == zstdMagic {
		zr, err := zstd.NewReader(br)
		if err != nil {
			return Map{}, fmt.Errorf("dontcare: opening zstd map stream: %w", err)
		}
		defer zr.Close()
		r = zr
	}

	return ParseMap(r)
}

// ParseMap parses the text don't-care map format from an already
// decompressed reader.
func ParseMap(r io.Reader) (Map, error) {
	var m Map
	var regionCount int
	n, err := fmt.Fscan(r, &m.BlockSize, &regionCount)
	if err != nil || n != 2 {
		return Map{}, fmt.Errorf("dontcare: malformed map header: %w", err)
	}
	if m.BlockSize <= 0 {
		return Map{}, fmt.Errorf("dontcare: block_size must be positive, got %d", m.BlockSize)
	}
	if regionCount < 0 || regionCount%2 != 0 {
		return Map{}, fmt.Errorf("dontcare: region_count must be a non-negative even integer, got %d", regionCount)
	}

	m.Regions = make([]int64, regionCount)
	for i := 0; i < regionCount; i++ {
		if _, err := fmt.Fscan(r, &m.Regions[i]); err != nil {
			return Map{}, fmt.Errorf("dontcare: reading region %d: %w", i, err)
		}
		if m.Regions[i] < 0 {
			return Map{}, fmt.Errorf("dontcare: region %d is negative: %d", i, m.Regions[i])
		}
	}

	return m, nil
}
