package telemetry

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSampledTracesWritten(t *testing.T) {
	dir := t.TempDir()
	tl, err := New(Options{Dir: dir, SampleRate: 1, FlushInterval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tr := tl.Track("realtime.update")
	tr.Set("paths", "3")
	tr.Mark("apply")
	tr.Finish()
	tr.Finish()
	tl.Close()

	f, err := os.Open(filepath.Join(dir, "realtime.update.jsonl"))
	if err != nil {
		t.Fatalf("open trace file: %v", err)
	}
	defer f.Close()

	var lines int
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var got Trace
		if err := json.Unmarshal(sc.Bytes(), &got); err != nil {
			t.Fatalf("decode trace: %v", err)
		}
		if got.Name != "realtime.update" || got.Attrs["paths"] != "3" {
			t.Fatalf("unexpected trace: %+v", got)
		}
		lines++
	}
	if lines != 1 {
		t.Fatalf("expected 1 trace line, got %d", lines)
	}
}

func TestUnsampledFastTracesSkipped(t *testing.T) {
	dir := t.TempDir()
	tl, err := New(Options{Dir: dir, SampleRate: 0, SlowThreshold: time.Hour})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tl.Track("api.request").Finish()
	tl.Close()

	if _, err := os.Stat(filepath.Join(dir, "api.request.jsonl")); !os.IsNotExist(err) {
		t.Fatalf("expected no trace file, stat err = %v", err)
	}
}

func TestTrackWithoutInitIsNoop(t *testing.T) {
	Close()
	tr := Track("nothing")
	tr.Mark("step")
	tr.Finish()
}
