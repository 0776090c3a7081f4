package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func readEntries(t *testing.T, path string) []Entry {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()

	var out []Entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("decode line %q: %v", sc.Text(), err)
		}
		out = append(out, e)
	}
	return out
}

func TestAuditLogger_LiftsIdentifiers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "audit.jsonl")
	l, err := NewAuditLogger(path, 0)
	if err != nil {
		t.Fatalf("NewAuditLogger: %v", err)
	}

	err = l.Log(string(EventItemTransition), map[string]any{
		"run_id":     "run-1",
		"item_id":    "a",
		"attempt_id": "a-1",
		"status":     "succeeded",
		"summary":    "done",
	})
	if err != nil {
		t.Fatalf("Log: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	raw, _ := os.ReadFile(path)
	for _, want := range []string{`"item_id":"a"`, `"run_id":"run-1"`, `"event":"item_transition"`} {
		if !strings.Contains(string(raw), want) {
			t.Errorf("log line missing %s: %s", want, raw)
		}
	}

	entries := readEntries(t, path)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Seq != 1 || e.Prev != "" || e.Hash == "" {
		t.Errorf("first entry chain fields = seq %d prev %q hash %q", e.Seq, e.Prev, e.Hash)
	}
	if e.AttemptID != "a-1" || e.Status != "succeeded" {
		t.Errorf("attempt/status = %q/%q", e.AttemptID, e.Status)
	}
	if e.Details["summary"] != "done" {
		t.Errorf("details not kept: %v", e.Details)
	}
}

func TestAuditLogger_ChainSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")

	l, err := NewAuditLogger(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	first, err := l.Append(Entry{Event: "run_started"})
	if err != nil {
		t.Fatal(err)
	}
	l.Close()

	l, err = NewAuditLogger(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	second, err := l.Append(Entry{Event: "run_finished"})
	if err != nil {
		t.Fatal(err)
	}
	l.Close()

	if second.Seq != first.Seq+1 {
		t.Errorf("seq after reopen = %d, want %d", second.Seq, first.Seq+1)
	}
	if second.Prev != first.Hash {
		t.Errorf("prev after reopen = %q, want %q", second.Prev, first.Hash)
	}

	v, err := Verify(path)
	if err != nil {
		t.Fatal(err)
	}
	if !v.OK() || v.Entries != 2 {
		t.Errorf("verification = %+v", v)
	}
}

func TestAuditLogger_AppendAfterClose(t *testing.T) {
	l, err := NewAuditLogger(filepath.Join(t.TempDir(), "audit.jsonl"), 0)
	if err != nil {
		t.Fatal(err)
	}
	l.Close()
	if err := l.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if _, err := l.Append(Entry{Event: "late"}); err == nil {
		t.Error("expected error appending to a closed log")
	}
}

func TestVerify_DetectsTampering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l, err := NewAuditLogger(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range []string{"pending", "running", "succeeded"} {
		if err := l.Log("item_transition", map[string]any{"item_id": "a", "status": s}); err != nil {
			t.Fatal(err)
		}
	}
	l.Close()

	raw, _ := os.ReadFile(path)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")

	t.Run("edited entry", func(t *testing.T) {
		edited := append([]string(nil), lines...)
		edited[1] = strings.Replace(edited[1], `"status":"running"`, `"status":"failed"`, 1)
		p := filepath.Join(t.TempDir(), "audit.jsonl")
		os.WriteFile(p, []byte(strings.Join(edited, "\n")+"\n"), 0644)

		v, err := Verify(p)
		if err != nil {
			t.Fatal(err)
		}
		if v.OK() || len(v.Broken) != 1 || v.Broken[0] != 2 {
			t.Errorf("broken = %v, want [2]", v.Broken)
		}
	})

	t.Run("deleted entry", func(t *testing.T) {
		p := filepath.Join(t.TempDir(), "audit.jsonl")
		os.WriteFile(p, []byte(lines[0]+"\n"+lines[2]+"\n"), 0644)

		v, err := Verify(p)
		if err != nil {
			t.Fatal(err)
		}
		if v.OK() || len(v.Broken) != 1 || v.Broken[0] != 3 {
			t.Errorf("broken = %v, want [3]", v.Broken)
		}
	})

	t.Run("garbage line", func(t *testing.T) {
		p := filepath.Join(t.TempDir(), "audit.jsonl")
		os.WriteFile(p, []byte(lines[0]+"\nnot json\n"), 0644)

		v, err := Verify(p)
		if err != nil {
			t.Fatal(err)
		}
		if v.Malformed != 1 || v.Entries != 1 {
			t.Errorf("verification = %+v", v)
		}
	})
}

func TestAuditLogger_RotationKeepsChain(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")
	l, err := NewAuditLogger(path, 400)
	if err != nil {
		t.Fatal(err)
	}

	var last Entry
	for i := 0; i < 10; i++ {
		last, err = l.Append(Entry{Event: "attempt_finished", ItemID: "item-with-a-long-name"})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if l.Size() > 400 {
		t.Errorf("active file size %d exceeds limit", l.Size())
	}
	l.Close()

	archived, _ := filepath.Glob(filepath.Join(dir, ArchiveDir, "audit.*.jsonl"))
	if len(archived) == 0 {
		t.Fatal("expected rotated files in archive/")
	}

	current := readEntries(t, path)
	if len(current) == 0 || current[len(current)-1].Hash != last.Hash {
		t.Fatalf("active file does not end with the last entry")
	}
	if current[0].Seq == 1 || current[0].Prev == "" {
		t.Errorf("chain restarted after rotation: %+v", current[0])
	}

	v, err := Verify(path)
	if err != nil {
		t.Fatal(err)
	}
	if !v.OK() {
		t.Errorf("rotated file does not verify: %+v", v)
	}
}

func TestAuditLogger_ConcurrentAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l, err := NewAuditLogger(path, 0)
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				if err := l.Log("attempt_started", map[string]any{"worker": w}); err != nil {
					t.Errorf("Log: %v", err)
				}
			}
		}()
	}
	wg.Wait()
	l.Close()

	v, err := Verify(path)
	if err != nil {
		t.Fatal(err)
	}
	if v.Entries != 160 || !v.OK() {
		t.Errorf("verification = %+v", v)
	}
}

func TestAuditLogger_AttachToBus(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l, err := NewAuditLogger(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	bus := NewBus(10)

	detach := l.Attach(bus, func(err error) { t.Errorf("audit write: %v", err) },
		EventAttemptStarted, EventRunFinished)
	bus.Publish(EventAttemptStarted, map[string]any{"item_id": "a", "attempt_id": "a-1"})
	bus.Publish(EventAttemptFinished, map[string]any{"item_id": "a"})
	bus.Publish(EventRunFinished, map[string]any{"run_id": "run-1"})
	detach()
	bus.Close()
	l.Close()

	entries := readEntries(t, path)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Event != "attempt_started" || entries[0].AttemptID != "a-1" {
		t.Errorf("first entry = %+v", entries[0])
	}
	if entries[1].Event != "run_finished" || entries[1].RunID != "run-1" {
		t.Errorf("second entry = %+v", entries[1])
	}
}

func TestAuditLogger_AttachFollowsPublishOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l, err := NewAuditLogger(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	bus := NewBus(100)
	detach := l.Attach(bus, nil, EventAttemptStarted, EventAttemptFinished, EventRunFinished)

	var want []string
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("item-%d", i)
		bus.Publish(EventAttemptStarted, map[string]any{"item_id": id})
		bus.Publish(EventAttemptFinished, map[string]any{"item_id": id})
		want = append(want, "attempt_started", "attempt_finished")
	}
	bus.Publish(EventRunFinished, map[string]any{"run_id": "run-1"})
	want = append(want, "run_finished")
	detach()
	l.Close()

	entries := readEntries(t, path)
	if len(entries) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(entries))
	}
	for i, e := range entries {
		if e.Event != want[i] || e.Seq != int64(i+1) {
			t.Fatalf("entry %d = seq %d %s, want seq %d %s", i, e.Seq, e.Event, i+1, want[i])
		}
	}
}
