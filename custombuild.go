package workerdev

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/cryguy/workerdev/internal/watch"
)

// CustomBuild is a user-supplied command that runs before bundling.
type CustomBuild struct {
	Command string
	Cwd     string
	// WatchDir enables rerunning Command on every change below it.
	WatchDir string
}

// RunCustomBuild runs the command once through the platform shell. Combined
// output is included in the error on failure.
func RunCustomBuild(ctx context.Context, b CustomBuild, logger zerolog.Logger) error {
	if strings.TrimSpace(b.Command) == "" {
		return nil
	}
	logger.Info().Str("command", b.Command).Msg("running custom build")

	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, "cmd", "/C", b.Command)
	} else {
		cmd = exec.CommandContext(ctx, "sh", "-c", b.Command)
	}
	cmd.Dir = b.Cwd
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("custom build %q: %w: %s", b.Command, err, strings.TrimSpace(out.String()))
	}
	if out.Len() > 0 {
		logger.Debug().Str("output", strings.TrimSpace(out.String())).Msg("custom build output")
	}
	return nil
}

// CustomBuildWatcher reruns the custom build on every file-system event under
// WatchDir. Runs are not debounced: each event starts its own build.
type CustomBuildWatcher struct {
	build   CustomBuild
	logger  zerolog.Logger
	publish func(BuildEvent) bool
	watcher *watch.Watcher

	ctx    context.Context
	cancel context.CancelFunc
}

// StartCustomBuildWatcher returns nil (and no error) when b has no WatchDir.
func StartCustomBuildWatcher(b CustomBuild, publish func(BuildEvent) bool, logger zerolog.Logger) (*CustomBuildWatcher, error) {
	if b.WatchDir == "" || strings.TrimSpace(b.Command) == "" {
		return nil, nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	cw := &CustomBuildWatcher{
		build:   b,
		logger:  logger,
		publish: publish,
		ctx:     ctx,
		cancel:  cancel,
	}
	w, err := watch.Tree(b.WatchDir, cw.onChange, logger)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("watching %s for custom builds: %w", b.WatchDir, err)
	}
	cw.watcher = w
	logger.Info().Str("dir", b.WatchDir).Msg("watching for custom build changes")
	return cw, nil
}

func (cw *CustomBuildWatcher) onChange(ev fsnotify.Event) {
	go func() {
		err := RunCustomBuild(cw.ctx, cw.build, cw.logger)
		if cw.ctx.Err() != nil {
			return
		}
		cw.publish(BuildEvent{Kind: CustomBuildFinished, Err: err, Path: ev.Name})
	}()
}

// Close stops watching and cancels builds still running.
func (cw *CustomBuildWatcher) Close() error {
	if cw == nil {
		return nil
	}
	cw.cancel()
	return cw.watcher.Close()
}
