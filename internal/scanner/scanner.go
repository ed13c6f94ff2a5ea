// Package scanner finds traceability marker comments in a workspace.
//
// Markers have the form "<prefix>: <block-id>" inside whatever comment
// syntax the source language uses. The scan is a plain substring search,
// so it is language-agnostic: recall of the marker token is the correctness
// requirement, not understanding of the surrounding grammar.
package scanner

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/semaphore"

	"github.com/speccheck/speccheck/internal/types"
)

// DefaultPrefix is the marker token scanned for when none is configured
const DefaultPrefix = "TRACE"

// Directories never worth scanning
var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	"target":       true,
	".idea":        true,
	"__pycache__":  true,
}

// maxFileSize caps how much of a single file the fallback scanner reads
const maxFileSize = 4 << 20

// Scanner performs marker coverage scans.
type Scanner struct {
	prefix      string
	ripgrepPath string
	ignoreGlobs []string
	workers     int64
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithPrefix overrides the marker prefix token.
func WithPrefix(prefix string) Option {
	return func(s *Scanner) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithRipgrepPath points the fast path at a specific rg binary.
// An empty path disables the fast path entirely.
func WithRipgrepPath(path string) Option {
	return func(s *Scanner) { s.ripgrepPath = path }
}

// WithIgnoreGlobs adds workspace-relative glob patterns to skip.
func WithIgnoreGlobs(globs []string) Option {
	return func(s *Scanner) { s.ignoreGlobs = globs }
}

// WithWorkers bounds the fallback scanner's concurrent file reads.
func WithWorkers(n int) Option {
	return func(s *Scanner) {
		if n > 0 {
			s.workers = int64(n)
		}
	}
}

// New creates a Scanner. By default the fast path probes PATH for rg.
func New(opts ...Option) *Scanner {
	s := &Scanner{
		prefix:  DefaultPrefix,
		workers: 8,
	}
	if rg, err := exec.LookPath("rg"); err == nil {
		s.ripgrepPath = rg
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Coverage is the outcome of one scan against a required marker set.
type Coverage struct {
	Found   []string
	Missing []string
}

// Ratio is |found ∩ required| / |required|, defined as 1.0 when the
// required set is empty.
func (c Coverage) Ratio(requiredCount int) float64 {
	if requiredCount == 0 {
		return 1.0
	}
	return float64(len(c.Found)) / float64(requiredCount)
}

// Scan searches the workspace for marker comments and computes coverage of
// the required ids. The ripgrep fast path is tried first; if rg is missing
// or exits abnormally the scan escalates to the pure-Go fallback explicitly.
// A scan that cannot complete returns MarkerScanFailureError, never an
// empty result.
func (s *Scanner) Scan(ctx context.Context, workspace string, required []string) (Coverage, error) {
	if _, err := os.Stat(workspace); err != nil {
		return Coverage{}, &types.MarkerScanFailureError{Workspace: workspace, Err: err}
	}
	if len(required) == 0 {
		return Coverage{}, nil
	}

	var (
		found map[string]bool
		err   error
	)
	if s.ripgrepPath != "" {
		found, err = s.scanRipgrep(ctx, workspace)
	}
	if s.ripgrepPath == "" || err != nil {
		found, err = s.scanWalk(ctx, workspace)
	}
	if err != nil {
		return Coverage{}, &types.MarkerScanFailureError{Workspace: workspace, Err: err}
	}

	var cov Coverage
	for _, id := range required {
		if found[id] {
			cov.Found = append(cov.Found, id)
		} else {
			cov.Missing = append(cov.Missing, id)
		}
	}
	return cov, nil
}

// scanRipgrep shells out to rg with a fixed-string pattern. rg exits 1 for
// "no matches", which is a normal empty result, not a failure.
func (s *Scanner) scanRipgrep(ctx context.Context, workspace string) (map[string]bool, error) {
	args := []string{
		"--no-heading", "--no-line-number", "--no-filename",
		"--fixed-strings", "--text",
	}
	for _, dir := range sortedSkipDirs() {
		args = append(args, "--glob", "!"+dir)
	}
	for _, g := range s.ignoreGlobs {
		args = append(args, "--glob", "!"+g)
	}
	args = append(args, s.prefix+":", workspace)

	cmd := exec.CommandContext(ctx, s.ripgrepPath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var exit *exec.ExitError
		if errors.As(err, &exit) && exit.ExitCode() == 1 {
			return map[string]bool{}, nil
		}
		return nil, fmt.Errorf("rg failed: %w (%s)", err, strings.TrimSpace(stderr.String()))
	}

	found := make(map[string]bool)
	sc := bufio.NewScanner(&stdout)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		s.extractIDs(sc.Text(), found)
	}
	return found, sc.Err()
}

// scanWalk is the fallback: a recursive walk with bounded concurrent reads.
func (s *Scanner) scanWalk(ctx context.Context, workspace string) (map[string]bool, error) {
	var (
		mu    sync.Mutex
		found = make(map[string]bool)
		wg    sync.WaitGroup
		sem   = semaphore.NewWeighted(s.workers)
	)
	var firstErr error
	var errOnce sync.Once

	walkErr := filepath.WalkDir(workspace, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, relErr := filepath.Rel(workspace, path)
		if relErr != nil {
			rel = path
		}
		if d.IsDir() {
			if skipDirs[d.Name()] || s.ignored(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || s.ignored(rel) {
			return nil
		}
		if info, err := d.Info(); err != nil || info.Size() > maxFileSize {
			return nil
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			if err := s.scanFile(path, &mu, found); err != nil {
				errOnce.Do(func() { firstErr = err })
			}
		}()
		return nil
	})

	wg.Wait()
	if walkErr != nil {
		return nil, walkErr
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return found, nil
}

func (s *Scanner) scanFile(path string, mu *sync.Mutex, found map[string]bool) error {
	f, err := os.Open(path)
	if err != nil {
		// Unreadable single files are skipped; the walk itself surfaces
		// structural failures
		return nil
	}
	defer f.Close()

	needle := s.prefix + ":"
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	local := make(map[string]bool)
	for sc.Scan() {
		line := sc.Text()
		if !strings.Contains(line, needle) {
			continue
		}
		s.extractIDs(line, local)
	}
	if err := sc.Err(); err != nil && !errors.Is(err, bufio.ErrTooLong) {
		return nil
	}
	if len(local) > 0 {
		mu.Lock()
		for id := range local {
			found[id] = true
		}
		mu.Unlock()
	}
	return nil
}

// extractIDs pulls every "<prefix>: <id>" occurrence out of one line.
// The id token runs until whitespace or a comment terminator.
func (s *Scanner) extractIDs(line string, found map[string]bool) {
	needle := s.prefix + ":"
	for {
		idx := strings.Index(line, needle)
		if idx == -1 {
			return
		}
		rest := strings.TrimLeft(line[idx+len(needle):], " \t")
		end := 0
		for end < len(rest) && isIDByte(rest[end]) {
			end++
		}
		if end > 0 {
			found[rest[:end]] = true
		}
		line = rest
	}
}

func isIDByte(b byte) bool {
	switch {
	case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b >= '0' && b <= '9':
		return true
	case b == '-' || b == '_' || b == '.' || b == '/':
		return true
	}
	return false
}

func (s *Scanner) ignored(rel string) bool {
	for _, g := range s.ignoreGlobs {
		if ok, err := doublestar.Match(g, filepath.ToSlash(rel)); err == nil && ok {
			return true
		}
	}
	return false
}

func sortedSkipDirs() []string {
	// Stable order keeps rg invocations reproducible
	return []string{".git", ".idea", "__pycache__", "node_modules", "target", "vendor"}
}
