package audit_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/tripwire/watchtower/internal/audit"
)

func TestOpenJournal_SkipsOverlongLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "observations.jsonl")

	var content bytes.Buffer
	content.WriteString(`{"id":"a"}` + "\n")
	content.WriteByte('"')
	content.Write(bytes.Repeat([]byte("x"), 11*1024*1024))
	content.WriteString("\"\n")
	content.WriteString(`{"id":"b"}` + "\r\n")
	if err := os.WriteFile(path, content.Bytes(), 0o600); err != nil {
		t.Fatal(err)
	}

	j, err := audit.OpenJournal(path)
	if err != nil {
		t.Fatalf("OpenJournal: %v", err)
	}
	defer j.Close()

	if n := j.Len(); n != 3 {
		t.Errorf("Len = %d, want 3", n)
	}
	got, err := j.Tail(10, nil)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(got) != 2 || string(got[0]) != `{"id":"a"}` || string(got[1]) != `{"id":"b"}` {
		t.Fatalf("Tail = %q, want the two short lines", got)
	}

	if err := j.Append(map[string]string{"id": "c"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if got, _ := j.Tail(1, nil); len(got) != 1 || string(got[0]) != `{"id":"c"}` {
		t.Errorf("Tail(1) after append = %q", got)
	}
}

func TestOpenJournal_UnterminatedLastLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "matches.jsonl")
	if err := os.WriteFile(path, []byte("{\"id\":\"a\"}\n\n{\"id\":\"b\"}"), 0o600); err != nil {
		t.Fatal(err)
	}

	j, err := audit.OpenJournal(path)
	if err != nil {
		t.Fatalf("OpenJournal: %v", err)
	}
	defer j.Close()

	if n := j.Len(); n != 2 {
		t.Errorf("Len = %d, want 2", n)
	}
	if got, _ := j.Tail(5, nil); len(got) != 2 {
		t.Errorf("Tail = %q, want 2 lines", got)
	}
}
