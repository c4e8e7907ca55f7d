package vcdiff

import (
	"bytes"
	"hash/adler32"
	"testing"
)

// buildStream assembles the stream header and one window header of a
// minimal VCDIFF-like byte stream, mirroring the layout stepWinIndicator
// parses; data, inst and addr only supply the section lengths, and
// callers append the checksum (if any) and the sections themselves. It
// exists only to construct fixtures; real patches are produced by an
// external encoder.
func buildStream(hasSource bool, segLen, segPos int64, targetLen int64, withCRC bool, data, inst, addr []byte) []byte {
	var b []byte
	b = append(b, magic0, magic1, magic2, magic3)
	b = append(b, 0x00) // hdr indicator

	wi := byte(0)
	if hasSource {
		wi |= winIndicatorSource
	}
	b = append(b, wi)
	if hasSource {
		b = appendVarint(b, segLen)
		b = appendVarint(b, segPos)
	}
	b = appendVarint(b, 0) // delta encoding length, unused by the parser

	b = appendVarint(b, targetLen)

	di := byte(0)
	if withCRC {
		di |= deltaIndicatorCRC
	}
	b = append(b, di)

	b = appendVarint(b, int64(len(data)))
	b = appendVarint(b, int64(len(inst)))
	b = appendVarint(b, int64(len(addr)))
	return b
}

func withCRCBytes(b []byte, sum uint32) []byte {
	var c [4]byte
	c[0] = byte(sum >> 24)
	c[1] = byte(sum >> 16)
	c[2] = byte(sum >> 8)
	c[3] = byte(sum)
	return append(b, c[:]...)
}

func runToOutput(t *testing.T, d *Decoder) [][]byte {
	t.Helper()
	var outputs [][]byte
	for i := 0; i < 10000; i++ {
		code, err := d.Step()
		if err != nil {
			t.Fatalf("Step: %v", err)
		}
		switch code {
		case CodeOutput:
			outputs = append(outputs, append([]byte(nil), d.AvailOutput()...))
		case CodeInput:
			return outputs
		case CodeGetSrcBlk:
			t.Fatalf("unexpected GETSRCBLK with no source window")
		}
	}
	t.Fatalf("decoder never reached CodeInput")
	return nil
}

func TestDecodeAddOnly(t *testing.T) {
	data := []byte("hello")
	inst := []byte{instAdd, byte(len(data))}
	addr := []byte{}

	stream := buildStream(false, 0, 0, int64(len(data)), false, data, inst, addr)
	stream = append(stream, data...)
	stream = append(stream, inst...)
	stream = append(stream, addr...)

	d := New(4096, 1<<20)
	d.PushInput(stream)
	d.SetFlush()

	outs := runToOutput(t, d)
	if len(outs) != 1 || !bytes.Equal(outs[0], data) {
		t.Fatalf("got outputs %v, want [%q]", outs, data)
	}
}

func TestDecodeRunInstruction(t *testing.T) {
	data := []byte{'x'}
	inst := []byte{instRun, 6}
	addr := []byte{}

	stream := buildStream(false, 0, 0, 6, false, data, inst, addr)
	stream = append(stream, data...)
	stream = append(stream, inst...)
	stream = append(stream, addr...)

	d := New(4096, 1<<20)
	d.PushInput(stream)
	d.SetFlush()

	outs := runToOutput(t, d)
	want := bytes.Repeat([]byte{'x'}, 6)
	if len(outs) != 1 || !bytes.Equal(outs[0], want) {
		t.Fatalf("got outputs %v, want [%q]", outs, want)
	}
}

func TestDecodeCopyFromSource(t *testing.T) {
	source := []byte("ABCDEFGH")
	blockSize := int64(4)

	data := []byte{}
	// COPY addr 0 size 8 — copies the whole source segment.
	inst := []byte{instCopy, 8}
	addr := appendVarint(nil, 0)

	stream := buildStream(true, int64(len(source)), 0, int64(len(source)), false, data, inst, addr)
	stream = append(stream, data...)
	stream = append(stream, inst...)
	stream = append(stream, addr...)

	d := New(blockSize, 1<<20)
	d.PushInput(stream)
	d.SetFlush()

	for i := 0; i < 100; i++ {
		code, err := d.Step()
		if err != nil {
			t.Fatalf("Step: %v", err)
		}
		if code == CodeGetSrcBlk {
			blk := d.WantBlock()
			start := blk * blockSize
			end := start + blockSize
			if end > int64(len(source)) {
				end = int64(len(source))
			}
			if err := d.SetSourceBlock(blk, source[start:end]); err != nil {
				t.Fatalf("SetSourceBlock: %v", err)
			}
			continue
		}
		if code == CodeOutput {
			if !bytes.Equal(d.AvailOutput(), source) {
				t.Fatalf("got %q, want %q", d.AvailOutput(), source)
			}
			return
		}
	}
	t.Fatalf("decoder never produced output")
}

func TestDecodeSelfOverlappingCopy(t *testing.T) {
	// No source window; first instruction ADDs "A", then COPY addr 0
	// size 4 repeats it, an RLE-style self-reference entirely within
	// the target output (address space position 0 refers to the byte
	// just added, since there is no source segment ahead of it).
	data := []byte("A")
	inst := []byte{instAdd, 1, instCopy, 4}
	addr := appendVarint(nil, 0)

	targetLen := int64(1 + 4)
	stream := buildStream(false, 0, 0, targetLen, false, data, inst, addr)
	stream = append(stream, data...)
	stream = append(stream, inst...)
	stream = append(stream, addr...)

	d := New(4096, 1<<20)
	d.PushInput(stream)
	d.SetFlush()

	outs := runToOutput(t, d)
	want := []byte("AAAAA")
	if len(outs) != 1 || !bytes.Equal(outs[0], want) {
		t.Fatalf("got outputs %v, want [%q]", outs, want)
	}
}

func TestDecodeChecksumMismatchFails(t *testing.T) {
	data := []byte("hello")
	inst := []byte{instAdd, byte(len(data))}
	addr := []byte{}

	stream := buildStream(false, 0, 0, int64(len(data)), true, data, inst, addr)
	stream = withCRCBytes(stream, adler32.Checksum([]byte("wrong")))
	stream = append(stream, data...)
	stream = append(stream, inst...)
	stream = append(stream, addr...)

	d := New(4096, 1<<20)
	d.PushInput(stream)
	d.SetFlush()

	for i := 0; i < 10; i++ {
		_, err := d.Step()
		if err != nil {
			if !bytes.Contains([]byte(err.Error()), []byte("checksum")) {
				t.Fatalf("expected checksum error, got: %v", err)
			}
			return
		}
	}
	t.Fatalf("expected a checksum error before decoder produced output")
}

func TestDecodeChecksumMatchSucceeds(t *testing.T) {
	data := []byte("hello")
	inst := []byte{instAdd, byte(len(data))}
	addr := []byte{}

	stream := buildStream(false, 0, 0, int64(len(data)), true, data, inst, addr)
	stream = withCRCBytes(stream, adler32.Checksum(data))
	stream = append(stream, data...)
	stream = append(stream, inst...)
	stream = append(stream, addr...)

	d := New(4096, 1<<20)
	d.PushInput(stream)
	d.SetFlush()

	outs := runToOutput(t, d)
	if len(outs) != 1 || !bytes.Equal(outs[0], data) {
		t.Fatalf("got outputs %v, want [%q]", outs, data)
	}
}

func TestDecodeTruncatedStreamAfterFlushErrors(t *testing.T) {
	d := New(4096, 1<<20)
	d.PushInput([]byte{magic0, magic1, magic2, magic3, 0x00, winIndicatorSource})
	d.SetFlush()

	for i := 0; i < 10; i++ {
		_, err := d.Step()
		if err != nil {
			return
		}
	}
	t.Fatalf("expected truncated-stream error")
}

func TestDecodeAsksForMoreInputWithoutFlush(t *testing.T) {
	d := New(4096, 1<<20)
	d.PushInput([]byte{magic0, magic1, magic2, magic3, 0x00, winIndicatorSource})
	// flush not yet set: an incomplete window header should ask for
	// more input instead of erroring.
	for i := 0; i < 10; i++ {
		code, err := d.Step()
		if err != nil {
			t.Fatalf("unexpected error before flush: %v", err)
		}
		if code == CodeInput {
			return
		}
	}
	t.Fatalf("expected CodeInput")
}

func TestDecodeBadMagicErrors(t *testing.T) {
	d := New(4096, 1<<20)
	d.PushInput([]byte{0, 0, 0, 0})
	d.SetFlush()
	if _, err := d.Step(); err == nil {
		t.Fatalf("expected bad magic error")
	}
}

func TestDecodeMultiWindowStream(t *testing.T) {
	var stream []byte
	stream = append(stream, magic0, magic1, magic2, magic3, 0x00)

	mkWindow := func(s string) []byte {
		data := []byte(s)
		inst := []byte{instAdd, byte(len(data))}
		addr := []byte{}
		w := buildStream(false, 0, 0, int64(len(data)), false, data, inst, addr)
		// buildStream already emits the 5-byte magic+hdr prefix; strip it
		// for every window after the first.
		w = w[5:]
		w = append(w, data...)
		w = append(w, inst...)
		w = append(w, addr...)
		return w
	}

	stream = append(stream, mkWindow("foo")...)
	stream = append(stream, mkWindow("barbaz")...)

	d := New(4096, 1<<20)
	d.PushInput(stream)
	d.SetFlush()

	outs := runToOutput(t, d)
	if len(outs) != 2 || string(outs[0]) != "foo" || string(outs[1]) != "barbaz" {
		t.Fatalf("got %q", outs)
	}
}
