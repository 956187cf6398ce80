// Package trace records raw bus traffic to rotating files, one line per
// frame in candump-style text, for replay and postmortem analysis.
package trace

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trackdash/cancore/bus"
)

// Options tune the recorder.
type Options struct {
	// Dir is the root directory; each day gets its own subdirectory.
	Dir string
	// RotateEvery bounds one trace file's time span.
	RotateEvery time.Duration
	// MaxFiles caps how many trace files are kept per day directory.
	MaxFiles int
	// Depth bounds the async write queue; overflow drops frames.
	Depth int
}

// DefaultOptions returns the recorder defaults.
func DefaultOptions(dir string) Options {
	return Options{
		Dir:         dir,
		RotateEvery: 5 * time.Minute,
		MaxFiles:    100,
		Depth:       4096,
	}
}

// Recorder writes frames asynchronously so the bus workers never wait on
// disk. Submit it to the dispatch path of each worker.
type Recorder struct {
	opts Options
	log  *slog.Logger

	in   chan bus.Frame
	done chan struct{}
	once sync.Once

	w        *bufio.Writer
	f        *os.File
	openedAt time.Time
	dropped  atomic.Int64
}

// NewRecorder opens the first trace file and starts the writer goroutine.
func NewRecorder(opts Options, log *slog.Logger) (*Recorder, error) {
	if log == nil {
		log = slog.Default()
	}
	if opts.Depth <= 0 {
		opts.Depth = DefaultOptions("").Depth
	}
	if opts.RotateEvery <= 0 {
		opts.RotateEvery = DefaultOptions("").RotateEvery
	}
	r := &Recorder{
		opts: opts,
		log:  log.With("component", "trace"),
		in:   make(chan bus.Frame, opts.Depth),
		done: make(chan struct{}),
	}
	if err := r.rotate(time.Now()); err != nil {
		return nil, err
	}
	go r.writeLoop()
	return r, nil
}

// Record enqueues a frame. Never blocks; a full queue drops the frame.
// Safe to call from every bus worker concurrently.
func (r *Recorder) Record(f bus.Frame) error {
	select {
	case r.in <- f:
		return nil
	default:
		r.dropped.Add(1)
		return nil
	}
}

// Dropped reports how many frames were discarded due to a full queue.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Close flushes and stops the writer.
func (r *Recorder) Close() error {
	r.once.Do(func() { close(r.done) })
	return nil
}

func (r *Recorder) writeLoop() {
	flush := time.NewTicker(time.Second)
	defer flush.Stop()
	for {
		select {
		case <-r.done:
			r.w.Flush()
			r.f.Close()
			return
		case <-flush.C:
			r.w.Flush()
			if time.Since(r.openedAt) >= r.opts.RotateEvery {
				if err := r.rotate(time.Now()); err != nil {
					r.log.Warn("rotate failed", "err", err)
				}
			}
		case f := <-r.in:
			r.writeFrame(f)
		}
	}
}

func (r *Recorder) writeFrame(f bus.Frame) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "(%d.%06d) %s %03X#", f.Timestamp.Unix(), f.Timestamp.Nanosecond()/1000, f.Bus, f.ID)
	for _, b := range f.Payload() {
		fmt.Fprintf(&sb, "%02X", b)
	}
	sb.WriteByte('\n')
	if _, err := r.w.WriteString(sb.String()); err != nil {
		r.log.Warn("write failed", "err", err)
	}
}

// rotate opens a fresh file in today's directory and prunes old ones.
func (r *Recorder) rotate(now time.Time) error {
	dir := filepath.Join(r.opts.Dir, now.Format("2006_01_02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("trace: create dir: %w", err)
	}
	path := filepath.Join(dir, "trace_"+now.Format("20060102_150405")+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("trace: open: %w", err)
	}
	if r.w != nil {
		r.w.Flush()
		r.f.Close()
	}
	r.f = f
	r.w = bufio.NewWriter(f)
	r.openedAt = now

	if r.opts.MaxFiles > 0 {
		r.prune(dir)
	}
	return nil
}

func (r *Recorder) prune(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "trace_") {
			names = append(names, e.Name())
		}
	}
	if len(names) <= r.opts.MaxFiles {
		return
	}
	sort.Strings(names) // timestamped names sort oldest first
	for _, name := range names[:len(names)-r.opts.MaxFiles] {
		os.Remove(filepath.Join(dir, name))
	}
}
