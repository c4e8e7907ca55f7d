// Package engine implements the patch engine (component C5) and the
// setup/teardown sequence that wires it together (component C6). It
// owns one patch run end to end: opening the source and target,
// seeding the read cache, driving the VCDIFF decoder against XZ
// output, and writing through the write queue.
package engine

import (
	"fmt"
	"os"

	"github.com/deploymenttheory/syspatch/internal/cache"
	"github.com/deploymenttheory/syspatch/internal/config"
	"github.com/deploymenttheory/syspatch/internal/dontcare"
	"github.com/deploymenttheory/syspatch/internal/logger"
	"github.com/deploymenttheory/syspatch/internal/perrors"
	"github.com/deploymenttheory/syspatch/internal/vcdiff"
	"github.com/deploymenttheory/syspatch/internal/writequeue"
	"github.com/deploymenttheory/syspatch/internal/xzfeed"
	"golang.org/x/crypto/sha3"
)

// Engine owns every resource a single patch run needs. It has no
// package-level state: its lifetime is bounded by one Apply call.
type Engine struct {
	cfg config.Config

	sourceFile *os.File
	targetFile *os.File

	source *dontcare.State
	target *dontcare.State

	cache *cache.Cache
	wq    *writequeue.Queue
	feed  *xzfeed.Feeder
	dec   *vcdiff.Decoder

	sameFile           bool
	frontier           int64 // target-logical offset; see frontierGuard
	written            int64
	flushed            bool  // true once the XZ feeder has signaled its final chunk
	lastSourcePhysical int64 // physical end offset of the most recently requested source block
}

// Apply runs one patch from start to finish: it opens source, patch,
// and target, seeds the cache, and drives the decoder until the
// stream ends, then drains the write queue. It is the single public
// entry point: one owned Engine value threaded through a single
// run, rather than package-level state shared across calls.
func Apply(cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return perrors.New(perrors.ArgError, "engine.Apply", err)
	}

	e := &Engine{cfg: cfg}
	if err := e.open(); err != nil {
		return err
	}
	defer e.close()

	if err := e.setup(); err != nil {
		return err
	}

	if err := e.run(); err != nil {
		return err
	}

	logger.Infof("patch applied: %d bytes written across %d windows", e.written, e.wq.WindowsWritten())
	if sum, err := e.digestTarget(); err != nil {
		logger.Warningf("could not compute post-patch digest: %v", err)
	} else {
		logger.Infof("target SHA3-256: %x", sum)
	}
	return nil
}

func (e *Engine) open() error {
	sf, err := os.Open(e.cfg.SourcePath)
	if err != nil {
		return perrors.New(perrors.SourceIOError, "engine.open", fmt.Errorf("opening source: %w", err))
	}
	e.sourceFile = sf

	tf, err := os.OpenFile(e.cfg.TargetPath, os.O_RDWR, 0)
	if err != nil {
		sf.Close()
		return perrors.New(perrors.TargetIOError, "engine.open", fmt.Errorf("opening target: %w", err))
	}
	e.targetFile = tf

	sourceMap, err := loadMap(e.cfg.SourceMap, config.DefaultMapBlockSize)
	if err != nil {
		return err
	}
	targetMap, err := loadMap(e.cfg.TargetMap, config.DefaultMapBlockSize)
	if err != nil {
		return err
	}

	e.source = dontcare.NewState(sourceMap, sf)
	e.target = dontcare.NewState(targetMap, tf)

	sstat, serr := sf.Stat()
	tstat, terr := tf.Stat()
	e.sameFile = serr == nil && terr == nil && os.SameFile(sstat, tstat)
	if e.sameFile {
		logger.Infof("source and target alias the same file; frontier guard active")
	}

	return nil
}

func loadMap(path string, blockSize int64) (dontcare.Map, error) {
	if path == "" {
		return dontcare.Identity(blockSize), nil
	}
	m, err := dontcare.LoadMapFile(path)
	if err != nil {
		return dontcare.Map{}, perrors.New(perrors.MapParseError, "engine.loadMap", err)
	}
	return m, nil
}

func (e *Engine) close() {
	if e.sourceFile != nil {
		e.sourceFile.Close()
	}
	if e.targetFile != nil {
		e.targetFile.Close()
	}
}

// setup performs the orchestration sequence: seed the read cache,
// create the write queue, open the XZ feeder, and configure the delta
// decoder with winsize = TargetWindowSize. The decoder holds no
// reference to the cache; dispatch serves its block requests from it.
func (e *Engine) setup() error {
	c, err := cache.New(e.cfg.ReadCacheLength, e.cfg.BlockSize, e.source, &frontierGuard{e: e})
	if err != nil {
		return err
	}
	e.cache = c

	wq, err := writequeue.New(e.cfg.WriteQueueLength, e.cfg.TargetWindowSize, &targetSink{e: e}, e.onFlush)
	if err != nil {
		return err
	}
	e.wq = wq

	patch, err := os.Open(e.cfg.PatchPath)
	if err != nil {
		return perrors.New(perrors.ArgError, "engine.setup", fmt.Errorf("opening patch: %w", err))
	}
	// The feeder owns the patch file descriptor via its xz.Reader; it
	// is never closed explicitly since a patch run is one-shot and the
	// process exits once Apply returns, so no descriptor accumulates.
	feed, err := xzfeed.New(patch, e.cfg.XZOutputSize, e.cfg.XZDictSize)
	if err != nil {
		return err
	}
	e.feed = feed

	e.dec = vcdiff.New(e.cfg.BlockSize, e.cfg.TargetWindowSize)
	e.frontier = 0

	return nil
}

// run drives the outer feed/decode loop: pull an XZ chunk, hand it to
// the decoder, and dispatch decoder status codes until the stream ends.
func (e *Engine) run() error {
	buf := make([]byte, e.cfg.XZOutputSize)
	for {
		chunk, err := e.feed.DecompressChunk(buf)
		if err != nil {
			return err
		}
		e.dec.PushInput(chunk.Data)
		if chunk.Done {
			e.dec.SetFlush()
			e.flushed = true
		}

		done, err := e.dispatch()
		if err != nil {
			return err
		}
		if done {
			break
		}
	}

	if err := e.wq.DrainAll(e.dec); err != nil {
		return err
	}
	if !e.wq.Empty() {
		return perrors.New(perrors.TargetIOError, "engine.run", fmt.Errorf("write queue not empty after drain"))
	}
	return nil
}

// dispatch steps the decoder until it asks for more input, reporting
// whether the stream has reached clean end-of-stream (input exhausted
// and flush already set).
func (e *Engine) dispatch() (bool, error) {
	for {
		code, err := e.dec.Step()
		if err != nil {
			return false, perrors.New(perrors.CorruptPatch, "engine.dispatch", err)
		}
		switch code {
		case vcdiff.CodeInput:
			// Once flush is set, Step only returns CodeInput with a
			// nil error when its pending buffer is genuinely empty (a
			// truncated stream is a CorruptPatch error instead, caught
			// above), so once flush has been signaled this is clean
			// end-of-stream.
			return e.flushed, nil
		case vcdiff.CodeOutput:
			if err := e.wq.Advance(e.dec); err != nil {
				return false, err
			}
		case vcdiff.CodeGetSrcBlk:
			blkno := e.dec.WantBlock()
			// The frontier comparison is against the physical position
			// the read will have reached once complete: the end of the
			// requested block, clamped to the logical stream size.
			logicalEnd := (blkno + 1) * e.cfg.BlockSize
			if sz := e.source.Map().LogicalSize(); logicalEnd > sz {
				logicalEnd = sz
			}
			phys, err := e.source.Map().LogicalToPhysical(logicalEnd)
			if err != nil {
				return false, perrors.New(perrors.SourceIOError, "engine.dispatch", err)
			}
			e.lastSourcePhysical = phys
			blk, err := e.cache.Get(blkno)
			if err != nil {
				return false, err
			}
			if err := e.dec.SetSourceBlock(blkno, blk.Data[:blk.Length]); err != nil {
				return false, perrors.New(perrors.CorruptPatch, "engine.dispatch", err)
			}
		case vcdiff.CodeGotHeader, vcdiff.CodeWinStart, vcdiff.CodeWinFinish:
			// informational; re-step
		default:
			return false, perrors.New(perrors.CorruptPatch, "engine.dispatch", fmt.Errorf("unexpected decoder code %v", code))
		}
	}
}

func (e *Engine) onFlush(frontier int64) {
	e.frontier = frontier
	e.written = frontier
}

// digestTarget hashes the logical bytes the run produced, reading back
// through the target's don't-care map so skipped regions never enter
// the digest.
func (e *Engine) digestTarget() ([]byte, error) {
	if err := e.target.Seek(0); err != nil {
		return nil, err
	}
	h := sha3.New256()
	buf := make([]byte, 1<<20)
	var total int64
	for total < e.written {
		want := int64(len(buf))
		if rem := e.written - total; rem < want {
			want = rem
		}
		n, err := e.target.Read(buf[:want])
		if err != nil {
			return nil, err
		}
		if n == 0 {
			break
		}
		h.Write(buf[:n])
		total += int64(n)
	}
	return h.Sum(nil), nil
}

// frontierGuard adapts Engine to cache.FrontierChecker: it reports the
// physical end position of the source block most recently requested,
// translated through the source map, but only when source and target
// alias the same file.
type frontierGuard struct {
	e *Engine
}

func (g *frontierGuard) SourcePhysicalPosition() (int64, bool) {
	if !g.e.sameFile {
		return 0, false
	}
	return g.e.lastSourcePhysical, true
}

func (g *frontierGuard) Frontier() int64 { return g.e.frontier }

// targetSink adapts Engine's target MapState to writequeue.Target,
// supplying the Flush method the don't-care cursor itself has no
// reason to own (flush is a property of the underlying file, not of
// map translation).
type targetSink struct {
	e *Engine
}

func (t *targetSink) Seek(offset int64) error     { return t.e.target.Seek(offset) }
func (t *targetSink) Write(b []byte) (int, error) { return t.e.target.Write(b) }
func (t *targetSink) Flush() error                { return t.e.targetFile.Sync() }
