package blockstore

import (
	"errors"
	"os"
	"testing"

	"github.com/blockmesh/dfs/pkg/dfserr"
)

func TestStoreRetrieveRoundTrip(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	tests := []struct {
		name    string
		blockID string
		data    []byte
	}{
		{name: "small block", blockID: "abc123", data: []byte("hello world")},
		{name: "zero-length block", blockID: "zero000", data: []byte{}},
		{name: "binary block", blockID: "bin456", data: []byte{0x00, 0xff, 0x10, 0x02}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checksum, err := s.Store(tt.blockID, tt.data)
			if err != nil {
				t.Fatalf("Store() error = %v", err)
			}
			if checksum == "" {
				t.Fatal("Store() returned empty checksum")
			}

			got, gotSum, err := s.Retrieve(tt.blockID)
			if err != nil {
				t.Fatalf("Retrieve() error = %v", err)
			}
			if string(got) != string(tt.data) {
				t.Errorf("Retrieve() data = %q, want %q", got, tt.data)
			}
			if gotSum != checksum {
				t.Errorf("Retrieve() checksum = %q, want %q", gotSum, checksum)
			}
		})
	}
}

func TestStoreDuplicateSameChecksumIsNoop(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	data := []byte("payload")
	first, err := s.Store("dup1", data)
	if err != nil {
		t.Fatalf("first Store() error = %v", err)
	}
	second, err := s.Store("dup1", data)
	if err != nil {
		t.Fatalf("second Store() error = %v", err)
	}
	if first != second {
		t.Errorf("duplicate store changed checksum: %q != %q", first, second)
	}
}

func TestStoreDuplicateMismatchingChecksumRejected(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if _, err := s.Store("dup2", []byte("version one")); err != nil {
		t.Fatalf("first Store() error = %v", err)
	}
	_, err = s.Store("dup2", []byte("version two"))
	if !errors.Is(err, dfserr.ErrInvariantViolation) {
		t.Errorf("Store() error = %v, want ErrInvariantViolation", err)
	}
}

func TestRetrieveNotFound(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, _, err = s.Retrieve("never-stored")
	if !errors.Is(err, dfserr.ErrNotFound) {
		t.Errorf("Retrieve() error = %v, want ErrNotFound", err)
	}
}

func TestRetrieveCorruptedChecksumMismatch(t *testing.T) {
	root := t.TempDir()
	s, err := New(root)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if _, err := s.Store("corrupt1", []byte("original bytes")); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	// Flip a byte directly on disk to simulate bit rot.
	path := s.blockPath("corrupt1")
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read block file: %v", err)
	}
	raw[0] ^= 0xff
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("rewrite block file: %v", err)
	}

	_, _, err = s.Retrieve("corrupt1")
	if !errors.Is(err, dfserr.ErrIntegrity) {
		t.Errorf("Retrieve() error = %v, want ErrIntegrity", err)
	}
}

func TestDeleteAbsentBlockIsSuccess(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := s.Delete("never-existed"); err != nil {
		t.Errorf("Delete() on absent block error = %v, want nil", err)
	}
}

func TestExists(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ok, _, _ := s.Exists("missing")
	if ok {
		t.Error("Exists() = true for missing block, want false")
	}

	data := []byte("present")
	checksum, err := s.Store("present1", data)
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	ok, size, sum := s.Exists("present1")
	if !ok {
		t.Fatal("Exists() = false for stored block, want true")
	}
	if size != int64(len(data)) {
		t.Errorf("Exists() size = %d, want %d", size, len(data))
	}
	if sum != checksum {
		t.Errorf("Exists() checksum = %q, want %q", sum, checksum)
	}
}

func TestListBlockIDs(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	want := map[string]bool{"b1": true, "b2": true, "b3": true}
	for id := range want {
		if _, err := s.Store(id, []byte(id)); err != nil {
			t.Fatalf("Store(%s) error = %v", id, err)
		}
	}

	ids, err := s.ListBlockIDs()
	if err != nil {
		t.Fatalf("ListBlockIDs() error = %v", err)
	}
	if len(ids) != len(want) {
		t.Fatalf("ListBlockIDs() returned %d ids, want %d", len(ids), len(want))
	}
	for _, id := range ids {
		if !want[id] {
			t.Errorf("ListBlockIDs() returned unexpected id %q", id)
		}
	}
}
