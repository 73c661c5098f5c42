package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/cryguy/workerdev"
	"github.com/cryguy/workerdev/internal/config"
	"github.com/cryguy/workerdev/internal/inspector"
)

type devOptions struct {
	ip                 string
	port               int
	localProtocol      string
	upstreamProtocol   string
	host               string
	inspect            bool
	inspectorPort      int
	inspectorProxyPort int
	persist            bool
	noBundle           bool
	minify             bool
	liveReload         bool
	vars               []string
	defines            []string
}

func newDevCommand(root *rootOptions) *cobra.Command {
	opts := &devOptions{}
	cmd := &cobra.Command{
		Use:   "dev [script]",
		Short: "Bundle the worker, serve it locally and reload on change",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadProjectConfig(root.configPath, args)
			if err != nil {
				return err
			}
			if err := opts.apply(cmd, &cfg); err != nil {
				return err
			}
			return runDev(cmd.Context(), cfg, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.ip, "ip", "", "address the worker listens on")
	f.IntVar(&opts.port, "port", 0, "port the worker listens on")
	f.StringVar(&opts.localProtocol, "local-protocol", "", "http or https for the local server")
	f.StringVar(&opts.upstreamProtocol, "upstream-protocol", "", "http or https for the upstream host")
	f.StringVar(&opts.host, "host", "", "upstream host the worker acts on behalf of")
	f.BoolVar(&opts.inspect, "inspect", false, "enable the debugger")
	f.IntVar(&opts.inspectorPort, "inspector-port", 0, "port the runtime host's debugger listens on")
	f.IntVar(&opts.inspectorProxyPort, "inspector-proxy-port", 0, "stable debugger port that follows host restarts (0 disables)")
	f.BoolVar(&opts.persist, "persist", false, "keep local KV, R2, cache and durable object state under .workerdev/state")
	f.BoolVar(&opts.noBundle, "no-bundle", false, "serve the entry file as-is instead of bundling it")
	f.BoolVar(&opts.minify, "minify", false, "minify the bundle")
	f.BoolVar(&opts.liveReload, "live-reload", false, "ask the runtime host to reload connected browsers")
	f.StringArrayVar(&opts.vars, "var", nil, "plain text binding as KEY:VALUE (repeatable)")
	f.StringArrayVar(&opts.defines, "define", nil, "bundler replacement as KEY:VALUE (repeatable)")
	return cmd
}

// loadProjectConfig finds and loads the project file. A script argument
// overrides main and makes the project file optional.
func loadProjectConfig(path string, args []string) (config.Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return config.Config{}, err
	}
	if path == "" {
		found, ferr := config.Find(cwd)
		if ferr != nil && len(args) == 0 {
			return config.Config{}, ferr
		}
		path = found
	}

	var cfg config.Config
	if path != "" {
		if cfg, err = config.Load(path); err != nil {
			return config.Config{}, err
		}
		for _, key := range cfg.Unknown {
			log.Warn().Str("key", key).Str("file", path).Msg("ignoring unknown config key")
		}
	} else {
		cfg.Root = cwd
		cfg.ApplyDefaults()
	}
	if len(args) == 1 {
		script, err := absFrom(cwd, args[0])
		if err != nil {
			return config.Config{}, err
		}
		cfg.Main = script
	}
	return cfg, config.Validate(cfg)
}

func absFrom(cwd, p string) (string, error) {
	if p == "" {
		return "", errors.New("empty script path")
	}
	if filepath.IsAbs(p) {
		return p, nil
	}
	return filepath.Join(cwd, p), nil
}

// apply overlays explicitly set flags on cfg.
func (o *devOptions) apply(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()
	if f.Changed("ip") {
		cfg.Dev.IP = o.ip
	}
	if f.Changed("port") {
		cfg.Dev.Port = o.port
	}
	if f.Changed("local-protocol") {
		cfg.Dev.LocalProtocol = o.localProtocol
	}
	if f.Changed("upstream-protocol") {
		cfg.Dev.UpstreamProtocol = o.upstreamProtocol
	}
	if f.Changed("host") {
		cfg.Dev.Host = o.host
	}
	if f.Changed("inspector-port") {
		cfg.Dev.InspectorPort = o.inspectorPort
	}
	if f.Changed("inspector-proxy-port") {
		cfg.Dev.InspectorProxyPort = o.inspectorProxyPort
	}
	if f.Changed("no-bundle") {
		cfg.NoBundle = o.noBundle
	}
	if f.Changed("minify") {
		cfg.Minify = o.minify
	}
	if len(o.vars) > 0 {
		vars, err := parsePairs("--var", o.vars)
		if err != nil {
			return err
		}
		if cfg.Vars == nil {
			cfg.Vars = make(map[string]any, len(vars))
		}
		for k, v := range vars {
			cfg.Vars[k] = v
		}
	}
	if len(o.defines) > 0 {
		defines, err := parsePairs("--define", o.defines)
		if err != nil {
			return err
		}
		if cfg.Define == nil {
			cfg.Define = make(map[string]string, len(defines))
		}
		for k, v := range defines {
			cfg.Define[k] = v
		}
	}
	return config.Validate(*cfg)
}

func parsePairs(flag string, raw []string) (map[string]string, error) {
	out := make(map[string]string, len(raw))
	for _, pair := range raw {
		k, v, ok := strings.Cut(pair, ":")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("%s %q: expected KEY:VALUE", flag, pair)
		}
		out[strings.TrimSpace(k)] = v
	}
	return out, nil
}

func runDev(ctx context.Context, cfg config.Config, opts *devOptions) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	entry, err := cfg.Entry()
	if err != nil {
		return err
	}
	logger := log.Logger

	sessionOpts := workerdev.SessionOptions{
		Entry:       entry,
		NoBundle:    cfg.NoBundle,
		Rules:       cfg.ModuleRules(),
		Define:      cfg.Define,
		Minify:      cfg.Minify,
		CustomBuild: cfg.CustomBuild(),
		Persist:     opts.persist,
		Cwd:         cfg.Root,
		Host: workerdev.HostConfig{
			Name:               cfg.Name,
			Command:            cfg.HostCommand,
			Host:               cfg.Dev.IP,
			Port:               cfg.Dev.Port,
			Upstream:           cfg.Upstream(),
			LocalProtocol:      cfg.Dev.LocalProtocol,
			Inspect:            opts.inspect,
			InspectorAddr:      net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.Dev.InspectorPort)),
			CompatibilityDate:  cfg.CompatibilityDate,
			CompatibilityFlags: cfg.CompatibilityFlags,
			UsageModel:         cfg.UsageModel,
			Bindings:           cfg.Bindings(),
			Crons:              cfg.Triggers.Crons,
			Assets:             cfg.AssetOptions(),
			LiveReload:         opts.liveReload,
		},
		OnReady: func(host string, port int) {
			fmt.Fprintln(os.Stderr, readyBanner(cfg.Dev.LocalProtocol, host, port))
		},
		Logger: logger,
	}

	if opts.inspect && cfg.Dev.InspectorProxyPort > 0 {
		proxy := inspector.NewProxy(logger)
		ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.Dev.InspectorProxyPort)))
		if err != nil {
			return fmt.Errorf("inspector proxy: %w", err)
		}
		go func() {
			if err := proxy.Serve(ln); err != nil {
				logger.Debug().Err(err).Msg("inspector proxy stopped")
			}
		}()
		defer proxy.Close()
		sessionOpts.Inspector = proxy
		logger.Info().Int("port", cfg.Dev.InspectorProxyPort).Msg("debugger proxy listening")
	}

	session := workerdev.NewSession(sessionOpts)
	defer session.Hooks().Run()

	logger.Info().Str("entry", entry.File).Str("format", string(entry.Format)).Msg("starting dev session")
	if err := session.Run(ctx); err != nil {
		return fmt.Errorf("dev session ended (%s): %w", workerdev.SeverityOf(err), err)
	}
	return nil
}
