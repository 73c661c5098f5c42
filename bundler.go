package workerdev

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	esbuild "github.com/evanw/esbuild/pkg/api"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/cryguy/workerdev/internal/watch"
)

// ProducerOptions configures a Producer.
type ProducerOptions struct {
	Entry Entry
	// OutDir receives the bundle and its modules. Ignored with NoBundle.
	OutDir string
	// NoBundle serves the entry file as-is and watches it directly.
	NoBundle bool
	// Rules are custom module rules, consulted before DefaultModuleRules.
	Rules  []ModuleRule
	Define map[string]string
	Minify bool
	Logger zerolog.Logger
}

// Producer turns the entry point into bundles and keeps doing so as sources
// change. Every later outcome is published as a BuildEvent.
type Producer struct {
	opts    ProducerOptions
	rules   []ModuleRule
	logger  zerolog.Logger
	publish func(BuildEvent) bool

	bctx    esbuild.BuildContext
	watcher *watch.Watcher

	// The first build watch mode runs is the initial build. Its outcome goes
	// to initial; every build after it is published as a rebuild.
	initial chan initialBuild
	started atomic.Bool
	closed  atomic.Bool

	mu        sync.Mutex
	collected map[string]Module
}

// NewProducer returns a producer that reports rebuilds through publish.
func NewProducer(opts ProducerOptions, publish func(BuildEvent) bool) *Producer {
	return &Producer{
		opts:      opts,
		rules:     composeRules(opts.Rules),
		logger:    opts.Logger,
		publish:   publish,
		initial:   make(chan initialBuild, 1),
		collected: make(map[string]Module),
	}
}

type initialBuild struct {
	bundle Bundle
	err    error
}

// Start runs the initial build and begins watching. A failed initial build
// is returned as *InitialBuildError.
func (p *Producer) Start(ctx context.Context) (Bundle, error) {
	if err := ctx.Err(); err != nil {
		return Bundle{}, err
	}
	if p.opts.NoBundle {
		return p.startPassThrough()
	}
	return p.startBundling(ctx)
}

func (p *Producer) startPassThrough() (Bundle, error) {
	entry := p.opts.Entry
	if _, err := os.Stat(entry.File); err != nil {
		return Bundle{}, &InitialBuildError{Err: fmt.Errorf("reading entry: %w", err)}
	}
	w, err := watch.File(entry.File, func(ev fsnotify.Event) {
		p.logger.Debug().Str("file", ev.Name).Str("op", ev.Op.String()).Msg("entry changed")
		p.publish(BuildEvent{Kind: EntryChanged, Path: ev.Name})
	}, p.logger)
	if err != nil {
		return Bundle{}, &InitialBuildError{Err: err}
	}
	p.watcher = w
	return Bundle{
		Entry: entry,
		Path:  entry.File,
		Type:  bundleTypeFor(entry.Format),
	}, nil
}

func (p *Producer) startBundling(ctx context.Context) (Bundle, error) {
	opts := p.buildOptions()
	bctx, cerr := esbuild.Context(opts)
	if cerr != nil {
		return Bundle{}, &InitialBuildError{Err: messagesError(cerr.Errors)}
	}

	// Watch runs the first build itself; no separate Rebuild beforehand.
	if err := bctx.Watch(esbuild.WatchOptions{}); err != nil {
		p.closed.Store(true)
		bctx.Dispose()
		return Bundle{}, &InitialBuildError{Err: fmt.Errorf("starting watch mode: %w", err)}
	}

	select {
	case first := <-p.initial:
		if first.err != nil {
			p.closed.Store(true)
			bctx.Dispose()
			return Bundle{}, &InitialBuildError{Err: first.err}
		}
		p.bctx = bctx
		reportBundleSize(p.logger, first.bundle.Path)
		return first.bundle, nil
	case <-ctx.Done():
		p.closed.Store(true)
		bctx.Dispose()
		return Bundle{}, ctx.Err()
	}
}

func (p *Producer) outFile() string {
	base := filepath.Base(p.opts.Entry.File)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(p.opts.OutDir, base+".js")
}

func (p *Producer) buildOptions() esbuild.BuildOptions {
	format := esbuild.FormatESModule
	if p.opts.Entry.Format == FormatServiceWorker {
		format = esbuild.FormatIIFE
	}
	return esbuild.BuildOptions{
		EntryPoints:       []string{p.opts.Entry.File},
		AbsWorkingDir:     p.opts.Entry.Directory,
		Outfile:           p.outFile(),
		Bundle:            true,
		Write:             false,
		Format:            format,
		Platform:          esbuild.PlatformBrowser,
		Conditions:        []string{"worker", "browser"},
		Target:            esbuild.ES2022,
		Sourcemap:         esbuild.SourceMapExternal,
		Define:            p.opts.Define,
		MinifyWhitespace:  p.opts.Minify,
		MinifyIdentifiers: p.opts.Minify,
		MinifySyntax:      p.opts.Minify,
		LogLevel:          esbuild.LogLevelSilent,
		Plugins: []esbuild.Plugin{
			p.moduleCollector(),
			p.rebuildNotifier(),
		},
	}
}

// moduleCollector marks imports matched by a blob module rule as external and
// records their content so the supervisor can write them next to the bundle.
func (p *Producer) moduleCollector() esbuild.Plugin {
	return esbuild.Plugin{
		Name: "workerdev-modules",
		Setup: func(build esbuild.PluginBuild) {
			build.OnStart(func() (esbuild.OnStartResult, error) {
				p.mu.Lock()
				p.collected = make(map[string]Module)
				p.mu.Unlock()
				return esbuild.OnStartResult{}, nil
			})
			build.OnResolve(esbuild.OnResolveOptions{Filter: `.*`, Namespace: "file"},
				func(args esbuild.OnResolveArgs) (esbuild.OnResolveResult, error) {
					if args.Kind == esbuild.ResolveEntryPoint {
						return esbuild.OnResolveResult{}, nil
					}
					rule, ok := matchRule(p.rules, args.Path)
					if !ok || !isBlobModule(rule.Type) {
						return esbuild.OnResolveResult{}, nil
					}
					full := args.Path
					if !filepath.IsAbs(full) {
						full = filepath.Join(args.ResolveDir, args.Path)
					}
					content, err := os.ReadFile(full)
					if err != nil {
						return esbuild.OnResolveResult{}, fmt.Errorf("reading module %s: %w", args.Path, err)
					}
					name := moduleFileName(full, content)
					p.mu.Lock()
					p.collected[name] = Module{Name: name, Type: rule.Type, Content: content}
					p.mu.Unlock()
					return esbuild.OnResolveResult{
						Path:       "./" + name,
						External:   true,
						WatchFiles: []string{full},
					}, nil
				})
		},
	}
}

// rebuildNotifier hands the first build to Start and publishes the outcome of
// every build after it.
func (p *Producer) rebuildNotifier() esbuild.Plugin {
	return esbuild.Plugin{
		Name: "workerdev-rebuild",
		Setup: func(build esbuild.PluginBuild) {
			build.OnEnd(func(result *esbuild.BuildResult) (esbuild.OnEndResult, error) {
				if p.closed.Load() {
					return esbuild.OnEndResult{}, nil
				}
				var err error
				if len(result.Errors) > 0 {
					err = messagesError(result.Errors)
				} else {
					err = writeOutputs(result.OutputFiles)
				}
				if !p.started.Swap(true) {
					if err != nil {
						p.initial <- initialBuild{err: err}
					} else {
						p.initial <- initialBuild{bundle: p.snapshot()}
					}
					return esbuild.OnEndResult{}, nil
				}
				if err != nil {
					p.publish(BuildEvent{Kind: BuildFailed, Err: &RebuildError{Err: err}})
					return esbuild.OnEndResult{}, nil
				}
				b := p.snapshot()
				reportBundleSize(p.logger, b.Path)
				p.publish(BuildEvent{Kind: BuildSucceeded, Bundle: b})
				return esbuild.OnEndResult{}, nil
			})
		},
	}
}

// writeOutputs puts a successful build on disk. Failed builds write nothing,
// so the outputs being served survive them.
func writeOutputs(files []esbuild.OutputFile) error {
	for _, f := range files {
		if err := os.MkdirAll(filepath.Dir(f.Path), 0755); err != nil {
			return fmt.Errorf("creating output directory: %w", err)
		}
		if err := os.WriteFile(f.Path, f.Contents, 0644); err != nil {
			return fmt.Errorf("writing %s: %w", filepath.Base(f.Path), err)
		}
	}
	return nil
}

// snapshot describes the output of the build that just finished. Modules are
// sorted by name so identical builds yield identical bundles.
func (p *Producer) snapshot() Bundle {
	p.mu.Lock()
	modules := make([]Module, 0, len(p.collected))
	for _, m := range p.collected {
		modules = append(modules, m)
	}
	p.mu.Unlock()
	sort.Slice(modules, func(i, j int) bool { return modules[i].Name < modules[j].Name })

	return Bundle{
		Entry:   p.opts.Entry,
		Path:    p.outFile(),
		Type:    bundleTypeFor(p.opts.Entry.Format),
		Modules: modules,
	}
}

// Close stops watching. Pending builds are abandoned.
func (p *Producer) Close() error {
	p.closed.Store(true)
	if p.bctx != nil {
		p.bctx.Dispose()
		p.bctx = nil
	}
	if p.watcher != nil {
		err := p.watcher.Close()
		p.watcher = nil
		return err
	}
	return nil
}

// moduleFileName prefixes the base name with a content hash so changed
// modules never reuse a stale file name.
func moduleFileName(path string, content []byte) string {
	sum := sha1.Sum(content)
	return hex.EncodeToString(sum[:]) + "-" + filepath.Base(path)
}

func messagesError(msgs []esbuild.Message) error {
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.Location != nil {
			parts = append(parts, fmt.Sprintf("%s:%d:%d: %s", m.Location.File, m.Location.Line, m.Location.Column, m.Text))
			continue
		}
		parts = append(parts, m.Text)
	}
	if len(parts) == 0 {
		return fmt.Errorf("bundling failed")
	}
	return fmt.Errorf("bundling: %s", strings.Join(parts, "; "))
}
