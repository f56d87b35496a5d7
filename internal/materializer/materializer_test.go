package materializer

import (
	"archive/zip"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func testMaterializer(t *testing.T) *Materializer {
	t.Helper()
	return &Materializer{
		cacheDir:       t.TempDir(),
		dockerfileRoot: t.TempDir(),
		logfileDir:     t.TempDir(),
		logger:         zap.NewNop().Sugar(),
	}
}

// writeSubmissionZip drops a zip for submission id into the cache dir
// containing the given file paths (directories are implied).
func writeSubmissionZip(t *testing.T, m *Materializer, id int, paths ...string) {
	t.Helper()
	f, err := os.Create(m.submissionZipPath(id))
	if err != nil {
		t.Fatalf("create zip: %v", err)
	}
	defer f.Close()
	w := zip.NewWriter(f)
	for _, p := range paths {
		fw, err := w.Create(p)
		if err != nil {
			t.Fatalf("add %s to zip: %v", p, err)
		}
		if _, err := fw.Write([]byte("stub")); err != nil {
			t.Fatalf("write %s: %v", p, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
}

func TestMaybeUnzipExtractsAndIsIdempotent(t *testing.T) {
	m := testMaterializer(t)
	writeSubmissionZip(t, m, 10, "Joueur.py/Makefile", "Joueur.py/run")

	if err := m.maybeUnzip(10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(m.unzippedFolder(10), "Joueur.py", "run")); err != nil {
		t.Fatalf("expected run file after unzip: %v", err)
	}

	// Second call must be a no-op even with the zip gone.
	if err := os.Remove(m.submissionZipPath(10)); err != nil {
		t.Fatalf("remove zip: %v", err)
	}
	if err := m.maybeUnzip(10); err != nil {
		t.Fatalf("re-unzip of an unzipped submission must be a no-op, got %v", err)
	}
}

func TestMaybeUnzipRejectsPathTraversal(t *testing.T) {
	m := testMaterializer(t)
	writeSubmissionZip(t, m, 11, "../escape")

	if err := m.maybeUnzip(11); err == nil {
		t.Fatalf("expected an error for a zip entry escaping its root")
	}
}

func TestJoueurFolderDetectsLanguage(t *testing.T) {
	m := testMaterializer(t)
	writeSubmissionZip(t, m, 12, "Joueur.cpp/Makefile", "Joueur.cpp/run")
	if err := m.maybeUnzip(12); err != nil {
		t.Fatalf("unzip: %v", err)
	}

	path, err := m.joueurFolder(12)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasSuffix(path, "Joueur.cpp") {
		t.Errorf("joueurFolder = %q, want a Joueur.cpp suffix", path)
	}
}

func TestJoueurFolderRejectsUnknownLanguage(t *testing.T) {
	m := testMaterializer(t)
	writeSubmissionZip(t, m, 13, "Joueur.rb/Makefile", "Joueur.rb/run")
	if err := m.maybeUnzip(13); err != nil {
		t.Fatalf("unzip: %v", err)
	}

	if _, err := m.joueurFolder(13); err == nil {
		t.Fatalf("expected an error for an unrecognised language tag")
	}
}

func TestJoueurFolderRejectsMissingJoueurDir(t *testing.T) {
	m := testMaterializer(t)
	writeSubmissionZip(t, m, 30, "NotJoueur.py")
	if err := m.maybeUnzip(30); err != nil {
		t.Fatalf("unzip: %v", err)
	}

	if _, err := m.joueurFolder(30); err == nil {
		t.Fatalf("expected an error when no Joueur.<lang> directory exists")
	}
}

func TestVerifyContents(t *testing.T) {
	dir := t.TempDir()
	if err := verifyContents(dir); err == nil {
		t.Fatalf("expected an error with no Makefile")
	}

	// Case-insensitive Makefile plus run is accepted.
	if err := os.WriteFile(filepath.Join(dir, "makefile"), []byte("all:"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := verifyContents(dir); err == nil {
		t.Fatalf("expected an error with no run file")
	}
	if err := os.WriteFile(filepath.Join(dir, "run"), []byte("#!/bin/sh"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := verifyContents(dir); err != nil {
		t.Fatalf("unexpected error with makefile and run present: %v", err)
	}
}

func TestReplaceDockerfileInstallsCanonicalFile(t *testing.T) {
	m := testMaterializer(t)
	if err := os.MkdirAll(filepath.Join(m.dockerfileRoot, "py"), 0o755); err != nil {
		t.Fatal(err)
	}
	canonical := []byte("FROM python:3\n")
	if err := os.WriteFile(filepath.Join(m.dockerfileRoot, "py", "Dockerfile"), canonical, 0o644); err != nil {
		t.Fatal(err)
	}

	joueur := filepath.Join(t.TempDir(), "Joueur.py")
	if err := os.MkdirAll(joueur, 0o755); err != nil {
		t.Fatal(err)
	}
	// A submission-provided Dockerfile must be overwritten.
	if err := os.WriteFile(filepath.Join(joueur, "Dockerfile"), []byte("FROM evil"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := m.replaceDockerfile(joueur); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(joueur, "Dockerfile"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(canonical) {
		t.Errorf("Dockerfile = %q, want the canonical library copy", got)
	}
}

func TestReplaceDockerfileFailsOnMissingLibraryEntry(t *testing.T) {
	m := testMaterializer(t)
	joueur := filepath.Join(t.TempDir(), "Joueur.lua")
	if err := os.MkdirAll(joueur, 0o755); err != nil {
		t.Fatal(err)
	}

	if err := m.replaceDockerfile(joueur); err == nil {
		t.Fatalf("expected an error when the language's Dockerfile is absent from the library")
	}
}

func TestDockerTag(t *testing.T) {
	if got := DockerTag(42); got != "submission_42" {
		t.Errorf("DockerTag(42) = %q, want submission_42", got)
	}
}
