package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/speccheck/speccheck/internal/types"
	"github.com/speccheck/speccheck/internal/verify"
)

// debounceWindow batches bursts of filesystem events into one re-run
const debounceWindow = 500 * time.Millisecond

// watchAndVerify runs one verification, then re-runs on workspace changes
// until the context is cancelled. A failed run in watch mode is reported
// and watching continues; watch mode is a dev loop, not a CI gate.
// onResult, when non-nil, observes every completed run.
func watchAndVerify(ctx context.Context, verifier *verify.Verifier, workspace string, expected *types.ExpectedInterface, opts verify.Options, onResult func(*types.VerificationResult)) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitFailure)
	}
	defer watcher.Close()

	if err := addRecursive(watcher, workspace); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitFailure)
	}

	runOnce := func() {
		result, err := verifier.Verify(ctx, workspace, expected, opts)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return
		}
		printResult(result)
		if onResult != nil {
			onResult(result)
		}
	}

	runOnce()
	fmt.Fprintf(os.Stderr, "\nWatching %s for changes (Ctrl+C to stop)\n", workspace)

	var timer *time.Timer
	pending := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ignoredEvent(ev) {
				continue
			}
			// New directories need watching too
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = addRecursive(watcher, ev.Name)
				}
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounceWindow, func() {
				select {
				case pending <- struct{}{}:
				default:
				}
			})
		case <-pending:
			runOnce()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			fmt.Fprintf(os.Stderr, "watch error: %v\n", err)
		}
	}
}

func addRecursive(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		name := d.Name()
		if name == ".git" || name == "node_modules" || name == "vendor" || name == "target" {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
}

func ignoredEvent(ev fsnotify.Event) bool {
	base := filepath.Base(ev.Name)
	if strings.HasPrefix(base, ".") && base != ".speccheck.yaml" {
		return true
	}
	return ev.Op == fsnotify.Chmod
}
