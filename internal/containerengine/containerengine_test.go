package containerengine

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestParseNanoCPUs(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"1", 1e9},
		{"0.5", 5e8},
		{"2", 2e9},
		{" 0.25 ", 25e7},
	}
	for _, tc := range cases {
		got, err := parseNanoCPUs(tc.in)
		if err != nil {
			t.Errorf("parseNanoCPUs(%q) error: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("parseNanoCPUs(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}

	if _, err := parseNanoCPUs("lots"); err == nil {
		t.Errorf("expected an error for a non-numeric cpu value")
	}
}

func TestParseMemoryBytes(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"1g", 1 << 30},
		{"1G", 1 << 30},
		{"512m", 512 << 20},
		{"1024k", 1 << 20},
		{"2048b", 2048},
		{"4096", 4096},
		{"1.5g", 3 << 29},
	}
	for _, tc := range cases {
		got, err := parseMemoryBytes(tc.in)
		if err != nil {
			t.Errorf("parseMemoryBytes(%q) error: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("parseMemoryBytes(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}

	if _, err := parseMemoryBytes(""); err == nil {
		t.Errorf("expected an error for an empty memory value")
	}
	if _, err := parseMemoryBytes("muchly"); err == nil {
		t.Errorf("expected an error for a non-numeric memory value")
	}
}

func TestTarDirectoryPreservesRelativeLayout(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte("FROM scratch"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "sub", "run"), []byte("#!/bin/sh"), 0o755); err != nil {
		t.Fatal(err)
	}

	r, err := tarDirectory(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	entries := map[string]string{}
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("read tar: %v", err)
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			t.Fatalf("read tar entry %s: %v", hdr.Name, err)
		}
		entries[hdr.Name] = string(data)
	}

	if entries["Dockerfile"] != "FROM scratch" {
		t.Errorf("Dockerfile entry = %q", entries["Dockerfile"])
	}
	if entries[filepath.Join("sub", "run")] != "#!/bin/sh" {
		t.Errorf("nested entry missing or wrong: %v", entries)
	}
}
