package jsonl

import (
	"bufio"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
)

func TestWriteAppendsLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events", "trade.jsonl")
	w, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	type rec struct {
		Kind string `json:"kind"`
		N    int    `json:"n"`
	}
	if err := w.Write(rec{Kind: "fill", N: 1}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Write(rec{Kind: "fill", N: 2}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer f.Close()

	var got []rec
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r rec
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			t.Fatalf("decode %q: %v", sc.Text(), err)
		}
		got = append(got, r)
	}
	if len(got) != 2 || got[0].N != 1 || got[1].N != 2 {
		t.Fatalf("records=%+v", got)
	}
}

func TestNilWriterIsNoOp(t *testing.T) {
	w, err := Open("   ")
	if err != nil {
		t.Fatalf("open blank: %v", err)
	}
	if w != nil {
		t.Fatalf("blank path must yield a nil writer")
	}
	if err := w.Write(map[string]string{"k": "v"}); err != nil {
		t.Fatalf("nil writer write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("nil writer close: %v", err)
	}
}

func TestWriteAfterClose(t *testing.T) {
	w, err := Open(filepath.Join(t.TempDir(), "log.jsonl"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := w.Write(map[string]int{"n": 1}); err == nil {
		t.Fatalf("write after close succeeded")
	}
}
