// Package materializer prepares a submission for execution: download
// the blob, unzip it, validate its layout, drop in the right
// per-language Dockerfile, and build its container image. Every step is
// idempotent, so a crashed or retried match re-runs the pipeline at no
// cost beyond a few stat calls.
package materializer

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/siggame/pyrena-arena/internal/cache"
	"github.com/siggame/pyrena-arena/internal/containerengine"
	"github.com/siggame/pyrena-arena/internal/metrics"
	"github.com/siggame/pyrena-arena/internal/models"
	"github.com/siggame/pyrena-arena/internal/repository"
)

// knownLanguageExtensions is the closed set of Joueur client languages
// the arena can build.
var knownLanguageExtensions = map[string]bool{
	"py": true, "cpp": true, "cs": true, "lua": true, "java": true, "js": true, "ts": true,
}

// Uploader is the subset of blobclient.Client materializer needs.
type Uploader interface {
	Upload(ctx context.Context, filename string, data []byte) (string, error)
}

// Materializer turns a submission id into a ready-to-run container image.
type Materializer struct {
	repo           *repository.Repository
	engine         *containerengine.Engine
	uploader       Uploader
	statusCache    *cache.Cache
	cacheDir       string
	dockerfileRoot string
	logfileDir     string
	logger         *zap.SugaredLogger
}

// New builds a Materializer. statusCache may be nil.
func New(repo *repository.Repository, engine *containerengine.Engine, uploader Uploader, statusCache *cache.Cache, cacheDir, dockerfileRoot, logfileDir string, logger *zap.SugaredLogger) *Materializer {
	return &Materializer{
		repo:           repo,
		engine:         engine,
		uploader:       uploader,
		statusCache:    statusCache,
		cacheDir:       cacheDir,
		dockerfileRoot: dockerfileRoot,
		logfileDir:     logfileDir,
		logger:         logger,
	}
}

func (m *Materializer) submissionZipPath(submissionID int) string {
	return filepath.Join(m.cacheDir, fmt.Sprintf("submission_%d.zip", submissionID))
}

func (m *Materializer) unzippedFolder(submissionID int) string {
	return filepath.Join(m.cacheDir, fmt.Sprintf("submission_%d", submissionID))
}

// DockerTag is the image tag a submission's container is built under.
func DockerTag(submissionID int) string {
	return fmt.Sprintf("submission_%d", submissionID)
}

// Materialize runs the full pipeline for one submission: ensure it's
// downloaded, unzipped, validated, has the right Dockerfile, and has a
// built image. On any pre-build failure it uploads the failure detail,
// marks the submission failed, and returns an error.
func (m *Materializer) Materialize(ctx context.Context, sub models.Submission) error {
	if sub.IsBye() {
		return nil
	}

	// A cached finished status plus a present image means every step
	// below would no-op; skip straight past them.
	if status, ok := m.statusCache.CachedSubmissionStatus(ctx, sub.ID); ok && status == models.SubmissionFinished {
		if exists, err := m.engine.ImageExists(ctx, DockerTag(sub.ID)); err == nil && exists {
			return nil
		}
	}

	if err := m.maybeDownload(ctx, sub.ID); err != nil {
		m.reportPrebuildFailure(ctx, sub.ID, err)
		return fmt.Errorf("download submission %d: %w", sub.ID, err)
	}

	if err := m.maybeUnzip(sub.ID); err != nil {
		m.reportPrebuildFailure(ctx, sub.ID, err)
		return fmt.Errorf("unzip submission %d: %w", sub.ID, err)
	}

	joueurPath, err := m.joueurFolder(sub.ID)
	if err != nil {
		m.reportPrebuildFailure(ctx, sub.ID, err)
		return fmt.Errorf("locate joueur folder for %d: %w", sub.ID, err)
	}

	if err := verifyContents(joueurPath); err != nil {
		m.reportPrebuildFailure(ctx, sub.ID, err)
		return fmt.Errorf("verify submission %d: %w", sub.ID, err)
	}

	if err := m.replaceDockerfile(joueurPath); err != nil {
		m.reportPrebuildFailure(ctx, sub.ID, err)
		return fmt.Errorf("install dockerfile for %d: %w", sub.ID, err)
	}

	if err := m.maybeBuild(ctx, sub.ID, joueurPath); err != nil {
		return fmt.Errorf("build submission %d: %w", sub.ID, err)
	}

	return nil
}

func (m *Materializer) maybeDownload(ctx context.Context, submissionID int) error {
	path := m.submissionZipPath(submissionID)
	if info, err := os.Stat(path); err == nil && info.Size() > 1024 {
		m.logger.Infow("submission data cached", "submission_id", submissionID, "path", path)
		return nil
	}

	data, err := m.repo.LoadSubmissionBlob(ctx, submissionID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(m.cacheDir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func (m *Materializer) maybeUnzip(submissionID int) error {
	dest := m.unzippedFolder(submissionID)
	if info, err := os.Stat(dest); err == nil && info.IsDir() {
		return nil
	}

	src := m.submissionZipPath(submissionID)
	r, err := zip.OpenReader(src)
	if err != nil {
		return fmt.Errorf("open zip %s: %w", src, err)
	}
	defer r.Close()

	for _, f := range r.File {
		if err := extractZipFile(f, dest); err != nil {
			return err
		}
	}
	return nil
}

func extractZipFile(f *zip.File, dest string) error {
	targetPath := filepath.Join(dest, f.Name)
	if !strings.HasPrefix(targetPath, filepath.Clean(dest)+string(os.PathSeparator)) && targetPath != filepath.Clean(dest) {
		return fmt.Errorf("illegal file path in zip: %s", f.Name)
	}

	if f.FileInfo().IsDir() {
		return os.MkdirAll(targetPath, 0o755)
	}
	if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
		return err
	}

	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(targetPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode())
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, rc)
	return err
}

// joueurFolder finds the top-level Joueur.<lang> directory within a
// submission's unzipped contents and checks its language tag.
func (m *Materializer) joueurFolder(submissionID int) (string, error) {
	const prefix = "Joueur."
	root := m.unzippedFolder(submissionID)
	entries, err := os.ReadDir(root)
	if err != nil {
		return "", fmt.Errorf("walk unzipped submission %d: %w", submissionID, err)
	}
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		lang := strings.TrimPrefix(entry.Name(), prefix)
		if !knownLanguageExtensions[lang] {
			return "", fmt.Errorf("submission %d using unknown language: %s", submissionID, entry.Name())
		}
		return filepath.Join(root, entry.Name()), nil
	}
	return "", fmt.Errorf("submission %d does not unzip to top-level Joueur.xx", submissionID)
}

func verifyContents(joueurPath string) error {
	entries, err := os.ReadDir(joueurPath)
	if err != nil {
		return fmt.Errorf("read joueur folder %s: %w", joueurPath, err)
	}
	hasMakefile, hasRun := false, false
	for _, e := range entries {
		switch strings.ToLower(e.Name()) {
		case "makefile":
			hasMakefile = true
		case "run":
			hasRun = true
		}
	}
	if !hasMakefile {
		return fmt.Errorf("submission at %s does not have a Makefile", joueurPath)
	}
	if !hasRun {
		return fmt.Errorf("submission at %s does not have a run file", joueurPath)
	}
	return nil
}

func (m *Materializer) replaceDockerfile(joueurPath string) error {
	lang := filepath.Ext(joueurPath)
	lang = strings.TrimPrefix(lang, ".")
	safeDockerfile := filepath.Join(m.dockerfileRoot, lang, "Dockerfile")
	if _, err := os.Stat(safeDockerfile); err != nil {
		return fmt.Errorf("dockerfile not found at %s: %w", safeDockerfile, err)
	}

	data, err := os.ReadFile(safeDockerfile)
	if err != nil {
		return fmt.Errorf("read dockerfile %s: %w", safeDockerfile, err)
	}
	return os.WriteFile(filepath.Join(joueurPath, "Dockerfile"), data, 0o644)
}

func (m *Materializer) maybeBuild(ctx context.Context, submissionID int, joueurPath string) error {
	tag := DockerTag(submissionID)
	exists, err := m.engine.ImageExists(ctx, tag)
	if err != nil {
		return fmt.Errorf("check image existence for %s: %w", tag, err)
	}
	if exists {
		m.logger.Infow("image already built", "tag", tag)
		return nil
	}

	if err := os.MkdirAll(m.logfileDir, 0o755); err != nil {
		return fmt.Errorf("create logfile dir: %w", err)
	}
	logName := fmt.Sprintf("dockerbuild_%d", submissionID)
	logPath := filepath.Join(m.logfileDir, logName)
	logFile, err := os.Create(logPath)
	if err != nil {
		return fmt.Errorf("create build log %s: %w", logPath, err)
	}

	buildErr := m.engine.BuildImage(ctx, joueurPath, tag, logFile)
	logFile.Close()

	// The build only counts if the image is actually present afterwards.
	built := buildErr == nil
	if built {
		built, err = m.engine.ImageExists(ctx, tag)
		if err != nil {
			return fmt.Errorf("verify built image %s: %w", tag, err)
		}
	}

	var logURL string
	if logData, readErr := os.ReadFile(logPath); readErr == nil && m.uploader != nil {
		url, uploadErr := m.uploader.Upload(ctx, logName, logData)
		if uploadErr != nil {
			m.logger.Warnw("could not upload build log", "submission_id", submissionID, "error", uploadErr)
		} else {
			logURL = url
		}
	}

	status := models.SubmissionFinished
	if !built {
		status = models.SubmissionFailed
	}
	metrics.SubmissionBuilds.WithLabelValues(string(status)).Inc()
	if err := m.repo.SetSubmissionStatus(ctx, submissionID, status, logURL); err != nil {
		m.logger.Warnw("could not record build status", "submission_id", submissionID, "error", err)
	}
	m.statusCache.CacheSubmissionStatus(ctx, submissionID, status)

	if buildErr != nil {
		return fmt.Errorf("build image %s: %w", tag, buildErr)
	}
	if !built {
		return fmt.Errorf("failed to build %s", tag)
	}
	return nil
}

func (m *Materializer) reportPrebuildFailure(ctx context.Context, submissionID int, cause error) {
	if err := os.MkdirAll(m.logfileDir, 0o755); err != nil {
		m.logger.Warnw("could not create logfile dir for prebuild failure", "error", err)
		return
	}
	name := fmt.Sprintf("prebuild_failure_%d", submissionID)
	path := filepath.Join(m.logfileDir, name)
	if err := os.WriteFile(path, []byte(cause.Error()), 0o644); err != nil {
		m.logger.Warnw("could not write prebuild failure log", "error", err)
		return
	}
	if m.uploader == nil {
		return
	}
	url, err := m.uploader.Upload(ctx, name, []byte(cause.Error()))
	if err != nil {
		m.logger.Warnw("could not upload prebuild failure log", "error", err)
		return
	}
	if err := m.repo.SetSubmissionStatus(ctx, submissionID, models.SubmissionFailed, url); err != nil {
		m.logger.Warnw("could not record prebuild failure status", "error", err)
	}
	m.statusCache.CacheSubmissionStatus(ctx, submissionID, models.SubmissionFailed)
}
