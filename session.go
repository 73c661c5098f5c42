package workerdev

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// InspectorTarget is told the debugger URL of every new runtime host.
type InspectorTarget interface {
	SetTarget(url string)
}

// SessionOptions configures a dev session.
type SessionOptions struct {
	Entry       Entry
	NoBundle    bool
	Rules       []ModuleRule
	Define      map[string]string
	Minify      bool
	CustomBuild CustomBuild
	// Persist keeps local state under Cwd instead of the scratch directory.
	Persist bool
	Cwd     string
	// ScratchRoot is where the session's scratch directory is created.
	// Empty means the system temp directory.
	ScratchRoot string

	Host      HostConfig
	Inspector InspectorTarget
	// OnReady is called each time a runtime host reports it is listening.
	OnReady func(host string, port int)
	Logger  zerolog.Logger
}

// Session ties the watch sources, the bundle store and the supervisor
// together. All state changes happen on the goroutine running Run.
type Session struct {
	id     string
	opts   SessionOptions
	logger zerolog.Logger

	queue *eventQueue
	store *BundleStore
	hooks *ExitHooks

	scratch  string
	producer *Producer
	custom   *CustomBuildWatcher
	sup      *Supervisor
}

// NewSession prepares a session. Nothing happens until Run.
func NewSession(opts SessionOptions) *Session {
	id := uuid.NewString()
	return &Session{
		id:     id,
		opts:   opts,
		logger: opts.Logger.With().Str("session", id[:8]).Logger(),
		queue:  newEventQueue(64),
		store:  NewBundleStore(),
		hooks:  NewExitHooks(),
	}
}

// ID is the session's unique id.
func (s *Session) ID() string { return s.id }

// Store exposes the bundle store for inspection.
func (s *Session) Store() *BundleStore { return s.store }

// Hooks is the exit-hook registry the session's supervisor registers into.
// Callers exiting abnormally should Run it.
func (s *Session) Hooks() *ExitHooks { return s.hooks }

// ScratchDir is the session's staging directory, set once Run has started.
func (s *Session) ScratchDir() string { return s.scratch }

// Run executes the session until ctx is done. Only session-fatal errors are
// returned; a cancelled context returns nil.
func (s *Session) Run(ctx context.Context) error {
	scratch, err := os.MkdirTemp(s.opts.ScratchRoot, "workerdev-"+s.id[:8]+"-")
	if err != nil {
		return &ScratchDirError{Err: err}
	}
	s.scratch = scratch
	defer s.teardown()

	cwd := s.opts.Cwd
	if cwd == "" {
		if cwd, err = os.Getwd(); err != nil {
			return fmt.Errorf("resolving working directory: %w", err)
		}
	}

	if err := RunCustomBuild(ctx, s.opts.CustomBuild, s.logger); err != nil {
		return &InitialBuildError{Err: err}
	}
	s.custom, err = StartCustomBuildWatcher(s.opts.CustomBuild, s.queue.publish, s.logger)
	if err != nil {
		return err
	}

	s.producer = NewProducer(ProducerOptions{
		Entry:    s.opts.Entry,
		OutDir:   filepath.Join(scratch, "bundle"),
		NoBundle: s.opts.NoBundle,
		Rules:    s.opts.Rules,
		Define:   s.opts.Define,
		Minify:   s.opts.Minify,
		Logger:   s.logger,
	}, s.queue.publish)
	first, err := s.producer.Start(ctx)
	if err != nil {
		return err
	}
	s.store.Init(first)

	host := s.opts.Host
	host.Persist = ResolvePersistPaths(s.opts.Persist, cwd, scratch)
	host.Rules = s.opts.Rules
	host.Cwd = cwd
	host.Logger = s.logger
	s.sup = NewSupervisor(host, s.hooks)

	s.startHost(ctx, first)
	return s.loop(ctx)
}

func (s *Session) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-s.queue.events():
			next, changed := s.applyBuildEvent(ev)
			if !changed {
				continue
			}
			next = s.drainBuildEvents(next)
			s.startHost(ctx, next)
		case ev := <-s.sup.Events():
			s.handleHostEvent(ev)
		}
	}
}

// applyBuildEvent updates the store and reports whether the version moved.
func (s *Session) applyBuildEvent(ev BuildEvent) (Bundle, bool) {
	switch ev.Kind {
	case BuildSucceeded:
		b := s.store.Advance(ev.Bundle)
		s.logger.Info().Int("version", b.ID).Msg("rebuilt worker")
		return b, true
	case EntryChanged:
		b := s.store.Bump()
		s.logger.Info().Int("version", b.ID).Str("file", ev.Path).Msg("entry changed")
		return b, true
	case BuildFailed:
		cur, _ := s.store.Current()
		s.logger.Error().Err(ev.Err).Int("serving", cur.ID).Msg("rebuild failed, keeping previous bundle")
	case CustomBuildFinished:
		if ev.Err != nil {
			s.logger.Warn().Err(ev.Err).Msg("custom build failed")
		} else {
			s.logger.Debug().Str("trigger", ev.Path).Msg("custom build finished")
		}
	}
	return Bundle{}, false
}

// drainBuildEvents applies build events already queued so that a burst of
// rebuilds restarts the host once, with the newest bundle.
func (s *Session) drainBuildEvents(latest Bundle) Bundle {
	for {
		select {
		case ev := <-s.queue.events():
			if b, ok := s.applyBuildEvent(ev); ok {
				latest = b
			}
		default:
			return latest
		}
	}
}

func (s *Session) startHost(ctx context.Context, b Bundle) {
	err := s.sup.Restart(ctx, &b, s.opts.Entry.Format)
	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	var verr *ValidationError
	if errors.As(err, &verr) {
		s.logger.Error().Msg(verr.Error())
		return
	}
	s.logger.Warn().Err(err).Int("version", b.ID).Str("severity", SeverityOf(err).String()).Msg("runtime host not started")
}

func (s *Session) handleHostEvent(ev Event) {
	switch ev.Kind {
	case EventReady:
		s.logger.Debug().Int("pid", ev.PID).Msg("runtime host ready")
		if s.opts.OnReady != nil {
			s.opts.OnReady(s.opts.Host.Host, s.opts.Host.Port)
		}
	case EventInspector:
		s.logger.Info().Str("url", ev.URL).Msg("debugger available")
		if s.opts.Inspector != nil {
			s.opts.Inspector.SetTarget(ev.URL)
		}
	case EventExit:
		if ev.Err != nil {
			s.logger.Warn().Err(ev.Err).Msg("runtime host exited")
			return
		}
		s.logger.Debug().Int("pid", ev.PID).Int("code", ev.Code).Msg("runtime host exited")
	case EventError:
		s.logger.Error().Err(ev.Err).Int("pid", ev.PID).Msg("runtime host error")
	}
}

func (s *Session) teardown() {
	s.queue.close()
	if err := s.custom.Close(); err != nil {
		s.logger.Debug().Err(err).Msg("closing custom build watcher")
	}
	if s.producer != nil {
		if err := s.producer.Close(); err != nil {
			s.logger.Debug().Err(err).Msg("closing bundler")
		}
	}
	if s.sup != nil {
		s.sup.Close()
	}
	s.hooks.Run()
	if err := os.RemoveAll(s.scratch); err != nil {
		s.logger.Warn().Err(err).Str("dir", s.scratch).Msg("could not remove scratch directory")
	}
}
