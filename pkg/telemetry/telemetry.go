package telemetry

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"portalchat/pkg/logger"
	"portalchat/pkg/timeutil"
)

type Step struct {
	Name     string  `json:"name"`
	Duration float64 `json:"duration_ms"`
}

type Trace struct {
	Name    string            `json:"name"`
	Start   time.Time         `json:"start"`
	Steps   []Step            `json:"steps"`
	TotalMS float64           `json:"total_ms"`
	Attrs   map[string]string `json:"attrs,omitempty"`

	lastMark time.Time
	tel      *Telemetry
}

// Options configures the writer.
type Options struct {
	Dir           string
	SampleRate    float64
	SlowThreshold time.Duration
	BufferSize    int
	QueueCapacity int
	FlushInterval time.Duration
	MaxFileSize   int64
}

// Telemetry writes sampled and slow traces to one jsonl file per operation.
type Telemetry struct {
	opts    Options
	mu      sync.Mutex
	files   map[string]*os.File
	buffers map[string]*bufio.Writer
	traces  chan *Trace
	stopCh  chan struct{}
	stop    sync.Once
	wg      sync.WaitGroup
	dropped atomic.Uint64
	written atomic.Uint64
}

var (
	globalMu sync.RWMutex
	tel      *Telemetry
)

// Init installs the global telemetry instance.
func Init(opts Options) error {
	t, err := New(opts)
	if err != nil {
		return err
	}
	globalMu.Lock()
	prev := tel
	tel = t
	globalMu.Unlock()
	if prev != nil {
		prev.Close()
	}
	return nil
}

// Track starts a trace on the global instance. Without Init the trace is a no-op.
func Track(name string) *Trace {
	globalMu.RLock()
	t := tel
	globalMu.RUnlock()
	return t.Track(name)
}

// Close stops the global instance.
func Close() {
	globalMu.Lock()
	t := tel
	tel = nil
	globalMu.Unlock()
	if t != nil {
		t.Close()
	}
}

// Stats reports written and dropped traces of the global instance.
func Stats() (written, dropped uint64) {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if tel == nil {
		return 0, 0
	}
	return tel.written.Load(), tel.dropped.Load()
}

func New(opts Options) (*Telemetry, error) {
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, err
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = 1024
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 64 * 1024
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 2 * time.Second
	}
	t := &Telemetry{
		opts:    opts,
		files:   make(map[string]*os.File),
		buffers: make(map[string]*bufio.Writer),
		traces:  make(chan *Trace, opts.QueueCapacity),
		stopCh:  make(chan struct{}),
	}
	t.wg.Add(1)
	go t.writerLoop()
	return t, nil
}

func (t *Telemetry) Track(name string) *Trace {
	now := timeutil.Now()
	return &Trace{
		Name:     name,
		Start:    now,
		lastMark: now,
		tel:      t,
	}
}

// Set attaches a string attribute to the trace.
func (tr *Trace) Set(key, value string) {
	if tr.Attrs == nil {
		tr.Attrs = make(map[string]string)
	}
	tr.Attrs[key] = value
}

// Mark records the elapsed duration since last mark.
func (tr *Trace) Mark(label string) {
	now := timeutil.Now()
	tr.Steps = append(tr.Steps, Step{Name: label, Duration: now.Sub(tr.lastMark).Seconds() * 1000})
	tr.lastMark = now
}

// Finish finalizes the trace and queues it when it is slow or sampled.
// Safe to call multiple times or via defer.
func (tr *Trace) Finish() {
	t := tr.tel
	if t == nil {
		return
	}
	tr.tel = nil
	elapsed := timeutil.Now().Sub(tr.Start)
	tr.TotalMS = elapsed.Seconds() * 1000

	slow := t.opts.SlowThreshold > 0 && elapsed >= t.opts.SlowThreshold
	if !slow && (t.opts.SampleRate <= 0 || rand.Float64() >= t.opts.SampleRate) {
		return
	}

	var sum float64
	for _, s := range tr.Steps {
		sum += s.Duration
	}
	if remaining := tr.TotalMS - sum; remaining > 0.001 {
		tr.Steps = append(tr.Steps, Step{Name: "unmarked", Duration: remaining})
	}

	select {
	case t.traces <- tr:
	default:
		t.dropped.Add(1)
	}
}

func (t *Telemetry) writerLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case tr := <-t.traces:
			t.write(tr)
		case <-ticker.C:
			t.flush()
		case <-t.stopCh:
			for {
				select {
				case tr := <-t.traces:
					t.write(tr)
					continue
				default:
				}
				break
			}
			t.mu.Lock()
			for _, b := range t.buffers {
				b.Flush()
			}
			for _, f := range t.files {
				f.Sync()
				f.Close()
			}
			t.mu.Unlock()
			return
		}
	}
}

func (t *Telemetry) write(tr *Trace) {
	data, err := json.Marshal(tr)
	if err != nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.getBufferFor(tr.Name)
	if b == nil {
		t.dropped.Add(1)
		return
	}
	b.Write(data)
	b.WriteByte('\n')
	t.written.Add(1)
}

func (t *Telemetry) flush() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for name, b := range t.buffers {
		b.Flush()
		f := t.files[name]
		fi, err := f.Stat()
		if err != nil || t.opts.MaxFileSize <= 0 || fi.Size() <= t.opts.MaxFileSize {
			continue
		}
		// truncate once the file outgrows its cap
		f.Close()
		newF, err := os.OpenFile(f.Name(), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			delete(t.files, name)
			delete(t.buffers, name)
			continue
		}
		t.files[name] = newF
		t.buffers[name] = bufio.NewWriterSize(newF, t.opts.BufferSize)
		logger.Info("telemetry_truncated", "file", f.Name(), "max_bytes", t.opts.MaxFileSize)
	}
}

func (t *Telemetry) getBufferFor(op string) *bufio.Writer {
	if b, ok := t.buffers[op]; ok {
		return b
	}
	path := filepath.Join(t.opts.Dir, fmt.Sprintf("%s.jsonl", op))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		logger.Warn("telemetry_open_failed", "path", path, "error", err)
		return nil
	}
	b := bufio.NewWriterSize(f, t.opts.BufferSize)
	t.files[op] = f
	t.buffers[op] = b
	return b
}

// Close drains queued traces and closes files.
func (t *Telemetry) Close() {
	if t == nil {
		return
	}
	t.stop.Do(func() { close(t.stopCh) })
	t.wg.Wait()
}
