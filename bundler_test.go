package workerdev

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

type publishedEvents chan BuildEvent

func (c publishedEvents) publish(ev BuildEvent) bool {
	select {
	case c <- ev:
		return true
	default:
		return false
	}
}

// next returns the first published event satisfying match.
func (c publishedEvents) next(t *testing.T, match func(BuildEvent) bool) BuildEvent {
	t.Helper()
	timeout := time.After(15 * time.Second)
	for {
		select {
		case ev := <-c:
			if match(ev) {
				return ev
			}
		case <-timeout:
			t.Fatal("timed out waiting for build event")
		}
	}
}

func newTestProducer(t *testing.T, src string, noBundle bool) (*Producer, publishedEvents, string) {
	t.Helper()
	dir := t.TempDir()
	entryPath := filepath.Join(dir, "src", "index.js")
	writeFile(t, entryPath, src)
	entry, err := NewEntry("src/index.js", dir, FormatModules)
	require.NoError(t, err)

	events := make(publishedEvents, 32)
	p := NewProducer(ProducerOptions{
		Entry:    entry,
		OutDir:   filepath.Join(t.TempDir(), "bundle"),
		NoBundle: noBundle,
		Logger:   zerolog.Nop(),
	}, events.publish)
	t.Cleanup(func() { _ = p.Close() })
	return p, events, entryPath
}

func TestProducer_InitialBuildFailureIsSessionFatal(t *testing.T) {
	p, _, _ := newTestProducer(t, "export default {{{", false)

	_, err := p.Start(context.Background())
	var ierr *InitialBuildError
	require.ErrorAs(t, err, &ierr)
	require.Equal(t, SessionFatal, SeverityOf(err))
	require.Contains(t, err.Error(), "index.js")
}

func TestProducer_BundlesEntry(t *testing.T) {
	p, _, entryPath := newTestProducer(t, `
import { greet } from "./greet.js";
export default { fetch() { return new Response(greet("local")); } };
`, false)
	writeFile(t, filepath.Join(filepath.Dir(entryPath), "greet.js"), "export const greet = (n) => `hello ${n}`;\n")

	b, err := p.Start(context.Background())
	require.NoError(t, err)
	require.Equal(t, "index.js", filepath.Base(b.Path))
	require.Equal(t, BundleESM, b.Type)
	require.Empty(t, b.Modules)

	out, err := os.ReadFile(b.Path)
	require.NoError(t, err)
	require.Contains(t, string(out), "hello ")
	require.NotContains(t, string(out), "./greet.js")
}

func TestProducer_CollectsBlobModules(t *testing.T) {
	p, _, entryPath := newTestProducer(t, `
import readme from "./assets/readme.txt";
import wasm from "./lib.wasm";
export default { fetch() { return new Response(readme + String(wasm)); } };
`, false)
	dir := filepath.Dir(entryPath)
	writeFile(t, filepath.Join(dir, "assets", "readme.txt"), "read me")
	writeFile(t, filepath.Join(dir, "lib.wasm"), "\x00asm")

	b, err := p.Start(context.Background())
	require.NoError(t, err)
	require.Len(t, b.Modules, 2)

	byType := map[ModuleType]Module{}
	for _, m := range b.Modules {
		byType[m.Type] = m
	}
	text := byType[ModuleText]
	require.True(t, strings.HasSuffix(text.Name, "-readme.txt"), text.Name)
	require.Equal(t, "read me", string(text.Content))
	wasm := byType[ModuleCompiledWasm]
	require.True(t, strings.HasSuffix(wasm.Name, "-lib.wasm"), wasm.Name)

	out, err := os.ReadFile(b.Path)
	require.NoError(t, err)
	require.Contains(t, string(out), "./"+text.Name)
	require.Contains(t, string(out), "./"+wasm.Name)
}

func TestProducer_CustomRuleWinsOverDefaults(t *testing.T) {
	dir := t.TempDir()
	entryPath := filepath.Join(dir, "index.js")
	writeFile(t, entryPath, `import raw from "./data.txt"; export default { raw };`)
	writeFile(t, filepath.Join(dir, "data.txt"), "bytes")
	entry, err := NewEntry(entryPath, "", FormatModules)
	require.NoError(t, err)

	events := make(publishedEvents, 8)
	p := NewProducer(ProducerOptions{
		Entry:  entry,
		OutDir: filepath.Join(t.TempDir(), "out"),
		Rules:  []ModuleRule{{Type: ModuleData, Globs: []string{"**/*.txt"}}},
		Logger: zerolog.Nop(),
	}, events.publish)
	defer p.Close()

	b, err := p.Start(context.Background())
	require.NoError(t, err)
	require.Len(t, b.Modules, 1)
	require.Equal(t, ModuleData, b.Modules[0].Type)
}

func TestProducer_StartPublishesNothingWithoutEdits(t *testing.T) {
	p, events, _ := newTestProducer(t, `export default { v: "one" };`, false)

	b, err := p.Start(context.Background())
	require.NoError(t, err)
	require.FileExists(t, b.Path)

	select {
	case ev := <-events:
		t.Fatalf("published %s with no source change", ev.Kind)
	case <-time.After(time.Second):
	}
}

func TestProducer_RebuildSuccessPublishesBundle(t *testing.T) {
	p, events, entryPath := newTestProducer(t, `export default { v: "one" };`, false)

	_, err := p.Start(context.Background())
	require.NoError(t, err)

	writeFile(t, entryPath, `export default { v: "two" };`)
	events.next(t, func(ev BuildEvent) bool {
		if ev.Kind != BuildSucceeded {
			return false
		}
		out, err := os.ReadFile(ev.Bundle.Path)
		return err == nil && strings.Contains(string(out), "two")
	})
}

func TestProducer_RebuildFailurePublishesBuildFailed(t *testing.T) {
	p, events, entryPath := newTestProducer(t, `export default {};`, false)

	b, err := p.Start(context.Background())
	require.NoError(t, err)
	served, err := os.ReadFile(b.Path)
	require.NoError(t, err)

	writeFile(t, entryPath, `export default {{{`)
	ev := events.next(t, func(ev BuildEvent) bool { return ev.Kind == BuildFailed })
	var rerr *RebuildError
	require.ErrorAs(t, ev.Err, &rerr)
	require.Equal(t, Recoverable, SeverityOf(ev.Err))

	after, err := os.ReadFile(b.Path)
	require.NoError(t, err, "failed rebuild removed the served bundle")
	require.Equal(t, served, after)
	require.FileExists(t, b.Path+".map")
}

func TestProducer_PassThroughWatchesEntry(t *testing.T) {
	p, events, entryPath := newTestProducer(t, `export default {};`, true)

	b, err := p.Start(context.Background())
	require.NoError(t, err)
	require.Equal(t, entryPath, b.Path)
	require.Empty(t, b.Modules)

	writeFile(t, filepath.Join(filepath.Dir(entryPath), "other.js"), "ignored")
	writeFile(t, entryPath, `export default { changed: true };`)
	ev := events.next(t, func(ev BuildEvent) bool { return ev.Kind == EntryChanged })
	require.Equal(t, entryPath, ev.Path)
}

func TestProducer_PassThroughMissingEntry(t *testing.T) {
	entry, err := NewEntry(filepath.Join(t.TempDir(), "missing.js"), "", FormatModules)
	require.NoError(t, err)
	p := NewProducer(ProducerOptions{Entry: entry, NoBundle: true, Logger: zerolog.Nop()}, publishedEvents(make(chan BuildEvent, 1)).publish)

	_, err = p.Start(context.Background())
	require.Equal(t, SessionFatal, SeverityOf(err))
}

func TestProducer_StartHonoursCancelledContext(t *testing.T) {
	p, _, _ := newTestProducer(t, `export default {};`, false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Start(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
