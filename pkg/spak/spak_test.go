package spak

import (
	"bytes"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

// TestCreateOpenGetRoundTrip exercises spec.md §8 invariant 1 and scenario
// S5: entries survive create->open->get byte-for-byte, case-insensitively,
// and list_by_type filters correctly.
func TestCreateOpenGetRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	exploit := make([]byte, 4<<10)
	rng.Read(exploit)
	fdl1 := make([]byte, 128<<10)
	rng.Read(fdl1)

	entries := []RawEntry{
		{Name: "exploit_x", Data: exploit, Type: Exploit},
		{Name: "fdl1.bin", Data: fdl1, Type: Fdl1},
	}

	path := filepath.Join(t.TempDir(), "test.spak")
	if err := Create(path, entries); err != nil {
		t.Fatal(err)
	}

	pak, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer pak.Close()

	names := pak.ListByType(Exploit)
	if len(names) != 1 || names[0] != "exploit_x" {
		t.Fatalf("ListByType(Exploit) = %v, want [exploit_x]", names)
	}

	got, err := pak.Get("FDL1.BIN")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, fdl1) {
		t.Fatal("Get(\"FDL1.BIN\") did not return the original fdl1 payload")
	}

	got, err = pak.Get("exploit_x")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, exploit) {
		t.Fatal("Get(\"exploit_x\") did not return the original exploit payload")
	}
}

func TestGetMissingEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.spak")
	if err := Create(path, nil); err != nil {
		t.Fatal(err)
	}
	pak, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer pak.Close()

	if _, err := pak.Get("nope"); err != ErrResourceNotFound {
		t.Fatalf("err = %v, want ErrResourceNotFound", err)
	}
}

func TestCreateStoresIncompressibleDataRaw(t *testing.T) {
	// Random bytes rarely shrink under GZIP; Create must fall back to raw
	// storage (comp_size == orig_size) rather than bloat the archive.
	rng := rand.New(rand.NewSource(2))
	data := make([]byte, 8<<10)
	rng.Read(data)

	path := filepath.Join(t.TempDir(), "raw.spak")
	if err := Create(path, []RawEntry{{Name: "blob.bin", Data: data, Type: Unknown}}); err != nil {
		t.Fatal(err)
	}

	pak, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer pak.Close()

	e := pak.index[strings.ToLower("blob.bin")]
	if e.compSize != e.origSize {
		t.Fatalf("compSize=%d origSize=%d, want equal (raw fallback)", e.compSize, e.origSize)
	}

	got, err := pak.Get("blob.bin")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("raw-stored entry did not round-trip")
	}
}

func TestOpenRejectsBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.spak")
	writeFile(t, path, []byte("NOTASPAK"))
	if _, err := Open(path); err != ErrInvalidMagic {
		t.Fatalf("err = %v, want ErrInvalidMagic", err)
	}
}

func TestOpenRejectsTruncated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short.spak")
	writeFile(t, path, []byte("SP"))
	if _, err := Open(path); err == nil {
		t.Fatal("expected an error opening a truncated file")
	}
}

func TestInferType(t *testing.T) {
	cases := map[string]ResourceType{
		"exploit_x":       Exploit,
		"my_exploit.bin":  Exploit,
		"fdl1.bin":        Fdl1,
		"fdl2_signed.bin": Fdl2,
		"settings.json":   Config,
		"settings.xml":    Config,
		"settings.ini":    Config,
		"run.bat":         Script,
		"run.sh":          Script,
		"run.ps1":         Script,
		"plain.img":       Unknown,
	}
	for name, want := range cases {
		if got := InferType(name); got != want {
			t.Errorf("InferType(%q) = %v, want %v", name, got, want)
		}
	}
}
