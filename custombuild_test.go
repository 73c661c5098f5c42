package workerdev

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func skipWithoutShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("custom build tests use POSIX shell syntax")
	}
}

func TestRunCustomBuild_RunsInCwd(t *testing.T) {
	skipWithoutShell(t)
	dir := t.TempDir()

	err := RunCustomBuild(context.Background(), CustomBuild{Command: "echo built > out.txt", Cwd: dir}, zerolog.Nop())
	require.NoError(t, err)
	got, err := os.ReadFile(filepath.Join(dir, "out.txt"))
	require.NoError(t, err)
	require.Equal(t, "built\n", string(got))
}

func TestRunCustomBuild_FailureCarriesOutput(t *testing.T) {
	skipWithoutShell(t)

	err := RunCustomBuild(context.Background(), CustomBuild{Command: "echo missing generator >&2; exit 4", Cwd: t.TempDir()}, zerolog.Nop())
	require.Error(t, err)
	require.Contains(t, err.Error(), "missing generator")
}

func TestRunCustomBuild_EmptyCommandIsNoop(t *testing.T) {
	require.NoError(t, RunCustomBuild(context.Background(), CustomBuild{Command: "  "}, zerolog.Nop()))
}

func TestStartCustomBuildWatcher_WithoutWatchDir(t *testing.T) {
	cw, err := StartCustomBuildWatcher(CustomBuild{Command: "true"}, func(BuildEvent) bool { return true }, zerolog.Nop())
	require.NoError(t, err)
	require.Nil(t, cw)
	require.NoError(t, cw.Close())
}

func TestCustomBuildWatcher_RerunsOnChange(t *testing.T) {
	skipWithoutShell(t)
	watchDir := t.TempDir()
	outDir := t.TempDir()

	events := make(publishedEvents, 16)
	cw, err := StartCustomBuildWatcher(CustomBuild{
		Command:  "echo rebuilt >> out.txt",
		Cwd:      outDir,
		WatchDir: watchDir,
	}, events.publish, zerolog.Nop())
	require.NoError(t, err)
	defer cw.Close()

	changed := filepath.Join(watchDir, "schema.graphql")
	writeFile(t, changed, "type Query { ok: Boolean }")

	ev := events.next(t, func(ev BuildEvent) bool { return ev.Kind == CustomBuildFinished })
	require.NoError(t, ev.Err)
	require.Equal(t, changed, ev.Path)
	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(outDir, "out.txt"))
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCustomBuildWatcher_ReportsFailure(t *testing.T) {
	skipWithoutShell(t)
	watchDir := t.TempDir()

	events := make(publishedEvents, 16)
	cw, err := StartCustomBuildWatcher(CustomBuild{
		Command:  "exit 1",
		Cwd:      t.TempDir(),
		WatchDir: watchDir,
	}, events.publish, zerolog.Nop())
	require.NoError(t, err)
	defer cw.Close()

	writeFile(t, filepath.Join(watchDir, "a.txt"), "x")
	ev := events.next(t, func(ev BuildEvent) bool { return ev.Kind == CustomBuildFinished })
	require.Error(t, ev.Err)
	require.Contains(t, ev.Err.Error(), "exit 1")
}
