package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/darklight-media/darklight/internal/metrics"
	"github.com/darklight-media/darklight/pkg/logger"
	"github.com/google/uuid"
	"github.com/mitchellh/go-homedir"
)

var (
	log = logger.Get("Fetch")

	ErrIO           = errors.New("fetch working directory error")
	ErrFetchFailure = errors.New("fetch tool failed")
	ErrFetchTimeout = errors.New("fetch tool timed out")
)

type (
	Config struct {
		BinaryPath          string        `yaml:"binary_path" env:"FETCH_BINARY_PATH" env-default:"yt-dlp"`
		StoragePath         string        `yaml:"storage_path" env:"FETCH_STORAGE_PATH" env-default:"./storage"`
		TitleLength         int           `yaml:"title_length" env:"FETCH_TITLE_LENGTH" env-default:"90" validate:"min=1"`
		Timeout             time.Duration `yaml:"timeout" env:"FETCH_TIMEOUT" env-default:"4m"`
		CleanupOnCompletion bool          `yaml:"cleanup_on_completion" env:"FETCH_CLEANUP_ON_COMPLETION" env-default:"false"`
	}

	// FailureError is returned when the fetch tool exits unsuccessfully. It
	// carries the tool's stderr output so callers can report why.
	FailureError struct {
		ExitCode int
		Stderr   string
	}

	// Adapter runs the external fetch tool, one process per request, inside
	// a working directory of its own beneath the storage root.
	Adapter struct {
		config Config
		root   string
	}
)

func (e *FailureError) Error() string {
	stderr := strings.TrimSpace(e.Stderr)
	if stderr == "" {
		return fmt.Sprintf("fetch tool exited with status %d", e.ExitCode)
	}

	return fmt.Sprintf("fetch tool exited with status %d: %s", e.ExitCode, stderr)
}

func (e *FailureError) Is(target error) bool { return target == ErrFetchFailure }

// New resolves the configured storage root (expanding a leading '~')
// and ensures it exists.
func New(config Config) (*Adapter, error) {
	root, err := homedir.Expand(config.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot expand storage path %q: %w", ErrIO, config.StoragePath, err)
	}

	if root, err = filepath.Abs(root); err != nil {
		return nil, fmt.Errorf("%w: cannot resolve storage path %q: %w", ErrIO, config.StoragePath, err)
	}

	if err := ensureDir(root); err != nil {
		return nil, err
	}

	if config.TitleLength <= 0 {
		config.TitleLength = 90
	}

	return &Adapter{config: config, root: root}, nil
}

func (adapter *Adapter) Root() string { return adapter.root }

func (adapter *Adapter) CleanupOnCompletion() bool { return adapter.config.CleanupOnCompletion }

// WorkDir returns the working directory used for the request.
func (adapter *Adapter) WorkDir(id uuid.UUID) string {
	return filepath.Join(adapter.root, id.String())
}

// Fetch runs the fetch tool against sourceLink inside the working directory for
// the request, streaming its output through the handlers provided. onFilename
// is called at most once, and onProgress zero or more times, both from the
// calling goroutine while the tool is still running.
//
// A non-zero exit is reported as a *FailureError. If the run exceeds the
// configured timeout the process is killed and ErrFetchTimeout returned.
func (adapter *Adapter) Fetch(ctx context.Context, id uuid.UUID, sourceLink string, onProgress ProgressHandler, onFilename FilenameHandler) error {
	dir := adapter.WorkDir(id)
	if err := ensureDir(dir); err != nil {
		return err
	}

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if adapter.config.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, adapter.config.Timeout)
	}
	defer cancel()

	cmd := exec.CommandContext(runCtx, adapter.config.BinaryPath, adapter.args(sourceLink)...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "LC_ALL=en_US.UTF-8")
	cmd.WaitDelay = 5 * time.Second

	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: failed to open stdout of fetch tool: %w", ErrIO, err)
	}

	started := time.Now()
	log.Emit(logger.NEW, "Fetching %s for request %s\n", sourceLink, id)
	if err := cmd.Start(); err != nil {
		metrics.FetchesCompleted.WithLabelValues("error").Inc()
		return fmt.Errorf("%w: failed to start %s: %w", ErrIO, adapter.config.BinaryPath, err)
	}

	scanErr := scanOutput(stdout, onProgress, onFilename)
	waitErr := cmd.Wait()
	metrics.FetchDuration.Observe(time.Since(started).Seconds())

	if ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		metrics.FetchesCompleted.WithLabelValues("timeout").Inc()
		return fmt.Errorf("%w: request %s exceeded %s", ErrFetchTimeout, id, adapter.config.Timeout)
	}

	if waitErr != nil {
		if ctx.Err() != nil {
			metrics.FetchesCompleted.WithLabelValues("cancelled").Inc()
			return fmt.Errorf("fetch of request %s cancelled: %w", id, ctx.Err())
		}

		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			metrics.FetchesCompleted.WithLabelValues("failure").Inc()
			return &FailureError{ExitCode: exitErr.ExitCode(), Stderr: stderr.String()}
		}

		metrics.FetchesCompleted.WithLabelValues("error").Inc()
		return fmt.Errorf("%w: waiting for fetch tool: %w", ErrIO, waitErr)
	}

	if scanErr != nil {
		metrics.FetchesCompleted.WithLabelValues("error").Inc()
		return fmt.Errorf("%w: reading fetch tool output: %w", ErrIO, scanErr)
	}

	metrics.FetchesCompleted.WithLabelValues("success").Inc()
	log.Emit(logger.SUCCESS, "Fetch for request %s completed in %s\n", id, time.Since(started).Round(time.Millisecond))
	return nil
}

func (adapter *Adapter) args(sourceLink string) []string {
	return []string{
		"--progress",
		"--newline",
		"--output", fmt.Sprintf("%%(title).%ds.%%(ext)s", adapter.config.TitleLength),
		sourceLink,
	}
}

// ResolveArtifact returns the name and path of the first regular file found in
// the request's working directory (by name order). A successful fetch leaves
// exactly one file behind.
func (adapter *Adapter) ResolveArtifact(id uuid.UUID) (string, string, error) {
	dir := adapter.WorkDir(id)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", "", fmt.Errorf("%w: cannot list %s: %w", ErrIO, dir, err)
	}

	for _, entry := range entries {
		if entry.Type().IsRegular() {
			return entry.Name(), filepath.Join(dir, entry.Name()), nil
		}
	}

	return "", "", fmt.Errorf("%w: no artifact found in %s", ErrIO, dir)
}

// RemoveWorkDir deletes the request's working directory and everything in it.
// A directory which does not exist is not an error.
func (adapter *Adapter) RemoveWorkDir(id uuid.UUID) error {
	if err := os.RemoveAll(adapter.WorkDir(id)); err != nil {
		return fmt.Errorf("%w: failed to remove working directory for %s: %w", ErrIO, id, err)
	}

	return nil
}

// WorkDirs lists the working directories currently present beneath the storage
// root, keyed by request ID, alongside their modification times. Entries whose
// name is not a request ID are ignored.
func (adapter *Adapter) WorkDirs() (map[uuid.UUID]time.Time, error) {
	entries, err := os.ReadDir(adapter.root)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot list storage root %s: %w", ErrIO, adapter.root, err)
	}

	dirs := make(map[uuid.UUID]time.Time, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		id, err := uuid.Parse(entry.Name())
		if err != nil {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			log.Warnf("Skipping working directory %s: %s\n", entry.Name(), err)
			continue
		}
		dirs[id] = info.ModTime()
	}

	return dirs, nil
}

func ensureDir(path string) error {
	info, err := os.Stat(path)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("%w: %s exists but is not a directory", ErrIO, path)
		}
		return nil
	}

	if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: cannot stat %s: %w", ErrIO, path, err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("%w: cannot create %s: %w", ErrIO, path, err)
	}

	return nil
}
