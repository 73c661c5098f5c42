package workerdev

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestSession(t *testing.T, entryPath string, mutate func(*SessionOptions)) (*Session, chan struct{}) {
	t.Helper()
	entry, err := NewEntry(entryPath, "", FormatModules)
	require.NoError(t, err)

	ready := make(chan struct{}, 16)
	opts := SessionOptions{
		Entry:       entry,
		Cwd:         filepath.Dir(entryPath),
		ScratchRoot: t.TempDir(),
		Host: HostConfig{
			Command:       []string{os.Args[0]},
			Host:          "127.0.0.1",
			Port:          freePort(t),
			LocalProtocol: "http",
			PortWait:      2 * time.Second,
			StopGrace:     2 * time.Second,
			Stdout:        io.Discard,
			Stderr:        io.Discard,
		},
		OnReady: func(string, int) { ready <- struct{}{} },
		Logger:  zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	return NewSession(opts), ready
}

func waitReady(t *testing.T, ready <-chan struct{}) {
	t.Helper()
	select {
	case <-ready:
	case <-time.After(15 * time.Second):
		t.Fatal("runtime host never became ready")
	}
}

func TestSession_RestartsHostOnRebuild(t *testing.T) {
	t.Setenv(helperHostEnv, "ready")
	entryPath := filepath.Join(t.TempDir(), "index.js")
	writeFile(t, entryPath, `export default { v: "one" };`)
	s, ready := newTestSession(t, entryPath, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitReady(t, ready)
	scratch := s.ScratchDir()
	require.DirExists(t, scratch)
	initial, ok := s.Store().Current()
	require.True(t, ok)

	writeFile(t, entryPath, `export default { v: "two" };`)
	require.Eventually(t, func() bool {
		b, ok := s.Store().Current()
		if !ok || b.ID <= initial.ID {
			return false
		}
		out, err := os.ReadFile(b.Path)
		return err == nil && strings.Contains(string(out), "two")
	}, 15*time.Second, 20*time.Millisecond)
	waitReady(t, ready)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("session did not stop")
	}
	require.NoDirExists(t, scratch)
	require.Zero(t, s.Hooks().Len())
}

func runSession(t *testing.T, s *Session) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	return func() {
		stop()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(15 * time.Second):
			t.Fatal("session did not stop")
		}
	}
}

func TestSession_BundleStaysAtFirstVersionWithoutEdits(t *testing.T) {
	t.Setenv(helperHostEnv, "ready")
	entryPath := filepath.Join(t.TempDir(), "index.js")
	writeFile(t, entryPath, `export default { v: "one" };`)
	s, ready := newTestSession(t, entryPath, nil)
	stop := runSession(t, s)
	defer stop()

	waitReady(t, ready)
	first, ok := s.Store().Current()
	require.True(t, ok)
	require.Equal(t, 0, first.ID)

	select {
	case <-ready:
		t.Fatal("host restarted with no source change")
	case <-time.After(time.Second):
	}
	cur, _ := s.Store().Current()
	require.Equal(t, first, cur)
}

func TestSession_FailedRebuildServesPreviousBundle(t *testing.T) {
	t.Setenv(helperHostEnv, "ready")
	dir := t.TempDir()
	entryPath := filepath.Join(dir, "index.js")
	writeFile(t, filepath.Join(dir, "notes.txt"), "release notes")
	writeFile(t, entryPath, `import notes from "./notes.txt"; export default { notes };`)
	logs := &lockedBuffer{}
	s, ready := newTestSession(t, entryPath, func(o *SessionOptions) {
		o.Logger = zerolog.New(logs)
	})
	stop := runSession(t, s)
	defer stop()

	waitReady(t, ready)
	before, ok := s.Store().Current()
	require.True(t, ok)
	require.Len(t, before.Modules, 1)
	servedBefore, err := os.ReadFile(before.Path)
	require.NoError(t, err)

	writeFile(t, entryPath, `import notes from "./notes.txt"; export default {{{`)
	require.Eventually(t, func() bool {
		return strings.Contains(logs.String(), "rebuild failed, keeping previous bundle")
	}, 15*time.Second, 20*time.Millisecond)

	after, ok := s.Store().Current()
	require.True(t, ok)
	require.Equal(t, before, after)
	servedAfter, err := os.ReadFile(after.Path)
	require.NoError(t, err)
	require.Equal(t, servedBefore, servedAfter)

	select {
	case <-ready:
		t.Fatal("host restarted after a failed rebuild")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestSession_KeepsServingWhenHostIsRejected(t *testing.T) {
	t.Setenv(helperHostEnv, "ready")
	entryPath := filepath.Join(t.TempDir(), "index.js")
	writeFile(t, entryPath, `export default {};`)
	s, ready := newTestSession(t, entryPath, func(o *SessionOptions) {
		o.Host.Bindings.Services = []ServiceBinding{{Binding: "AUTH", Service: "auth"}}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, ok := s.Store().Current()
		return ok
	}, 15*time.Second, 10*time.Millisecond)
	select {
	case <-ready:
		t.Fatal("host started despite a service binding")
	case err := <-done:
		t.Fatalf("session ended: %v", err)
	case <-time.After(300 * time.Millisecond):
	}

	cancel()
	require.NoError(t, <-done)
}

func TestSession_InitialBuildFailureEndsSession(t *testing.T) {
	entryPath := filepath.Join(t.TempDir(), "index.js")
	writeFile(t, entryPath, `export default {{{`)
	scratchRoot := t.TempDir()
	s, _ := newTestSession(t, entryPath, func(o *SessionOptions) { o.ScratchRoot = scratchRoot })

	err := s.Run(context.Background())
	var ierr *InitialBuildError
	require.ErrorAs(t, err, &ierr)
	require.Equal(t, SessionFatal, SeverityOf(err))

	left, rerr := os.ReadDir(scratchRoot)
	require.NoError(t, rerr)
	require.Empty(t, left, "scratch directory not removed")
}

func TestSession_CustomBuildFailureEndsSession(t *testing.T) {
	skipWithoutShell(t)
	entryPath := filepath.Join(t.TempDir(), "index.js")
	writeFile(t, entryPath, `export default {};`)
	s, _ := newTestSession(t, entryPath, func(o *SessionOptions) {
		o.CustomBuild = CustomBuild{Command: "exit 2", Cwd: filepath.Dir(entryPath)}
	})

	err := s.Run(context.Background())
	var ierr *InitialBuildError
	require.ErrorAs(t, err, &ierr)
}

func TestSession_ScratchDirFailure(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	writeFile(t, blocker, "not a directory")
	s, _ := newTestSession(t, blocker, func(o *SessionOptions) { o.ScratchRoot = blocker })

	err := s.Run(context.Background())
	var serr *ScratchDirError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, SessionFatal, SeverityOf(err))
}

func TestSession_DrainCoalescesRebuilds(t *testing.T) {
	s := &Session{queue: newEventQueue(8), store: NewBundleStore(), logger: zerolog.Nop()}
	s.store.Init(Bundle{ID: 1, Path: "/s/v1.js"})

	require.True(t, s.queue.publish(BuildEvent{Kind: BuildSucceeded, Bundle: Bundle{Path: "/s/v2.js"}}))
	require.True(t, s.queue.publish(BuildEvent{Kind: BuildFailed, Err: &RebuildError{Err: errTest}}))
	require.True(t, s.queue.publish(BuildEvent{Kind: BuildSucceeded, Bundle: Bundle{Path: "/s/v3.js"}}))

	first, changed := s.applyBuildEvent(<-s.queue.events())
	require.True(t, changed)
	require.Equal(t, 2, first.ID)

	latest := s.drainBuildEvents(first)
	require.Equal(t, 3, latest.ID)
	require.Equal(t, "/s/v3.js", latest.Path)
	require.Empty(t, s.queue.events())
}

func TestSession_FailedRebuildKeepsBundle(t *testing.T) {
	s := &Session{queue: newEventQueue(1), store: NewBundleStore(), logger: zerolog.Nop()}
	s.store.Init(Bundle{ID: 4, Path: "/s/good.js"})

	_, changed := s.applyBuildEvent(BuildEvent{Kind: BuildFailed, Err: &RebuildError{Err: errors.New("syntax")}})
	require.False(t, changed)
	cur, _ := s.store.Current()
	require.Equal(t, 4, cur.ID)
	require.Equal(t, "/s/good.js", cur.Path)
}

func TestEventQueue_PublishAfterCloseIsDropped(t *testing.T) {
	q := newEventQueue(1)
	require.True(t, q.publish(BuildEvent{Kind: EntryChanged}))
	q.close()
	q.close()
	require.False(t, q.publish(BuildEvent{Kind: EntryChanged}))
}
