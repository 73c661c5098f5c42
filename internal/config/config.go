// Package config loads the project file (workerdev.toml) describing the
// worker, its bindings and the dev server settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/cryguy/workerdev"
)

// FileName is the project file looked up by Find.
const FileName = "workerdev.toml"

// DefaultHostCommand is the runtime host executable used when the project
// file does not name one.
var DefaultHostCommand = []string{"workerdev-host"}

type Config struct {
	Name               string            `toml:"name"`
	Main               string            `toml:"main"`
	Format             string            `toml:"format"`
	CompatibilityDate  string            `toml:"compatibility_date"`
	CompatibilityFlags []string          `toml:"compatibility_flags"`
	UsageModel         string            `toml:"usage_model"`
	NoBundle           bool              `toml:"no_bundle"`
	Minify             bool              `toml:"minify"`
	Define             map[string]string `toml:"define"`
	Rules              []Rule            `toml:"rules"`
	Build              Build             `toml:"build"`

	Vars           map[string]any    `toml:"vars"`
	KVNamespaces   []KVNamespace     `toml:"kv_namespaces"`
	R2Buckets      []R2Bucket        `toml:"r2_buckets"`
	DurableObjects DurableObjects    `toml:"durable_objects"`
	Services       []Service         `toml:"services"`
	WasmModules    map[string]string `toml:"wasm_modules"`
	TextBlobs      map[string]string `toml:"text_blobs"`
	DataBlobs      map[string]string `toml:"data_blobs"`

	Triggers    Triggers `toml:"triggers"`
	Dev         Dev      `toml:"dev"`
	Assets      *Assets  `toml:"assets"`
	HostCommand []string `toml:"host_command"`

	// Root is the directory the file was loaded from.
	Root string `toml:"-"`
	// Unknown lists keys present in the file but not understood.
	Unknown []string `toml:"-"`
}

type Rule struct {
	Type        string   `toml:"type"`
	Globs       []string `toml:"globs"`
	Fallthrough bool     `toml:"fallthrough"`
}

type Build struct {
	Command  string `toml:"command"`
	Cwd      string `toml:"cwd"`
	WatchDir string `toml:"watch_dir"`
}

type KVNamespace struct {
	Binding string `toml:"binding"`
	ID      string `toml:"id"`
}

type R2Bucket struct {
	Binding    string `toml:"binding"`
	BucketName string `toml:"bucket_name"`
}

type DurableObjects struct {
	Bindings []DurableObjectBinding `toml:"bindings"`
}

type DurableObjectBinding struct {
	Name       string `toml:"name"`
	ClassName  string `toml:"class_name"`
	ScriptName string `toml:"script_name"`
}

type Service struct {
	Binding     string `toml:"binding"`
	Service     string `toml:"service"`
	Environment string `toml:"environment"`
}

type Triggers struct {
	Crons []string `toml:"crons"`
}

type Dev struct {
	IP                 string `toml:"ip"`
	Port               int    `toml:"port"`
	LocalProtocol      string `toml:"local_protocol"`
	UpstreamProtocol   string `toml:"upstream_protocol"`
	Host               string `toml:"host"`
	InspectorPort      int    `toml:"inspector_port"`
	InspectorProxyPort int    `toml:"inspector_proxy_port"`
}

type Assets struct {
	Directory string   `toml:"directory"`
	Include   []string `toml:"include"`
	Exclude   []string `toml:"exclude"`
}

// Find walks up from dir to the first directory containing FileName.
func Find(dir string) (string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for {
		candidate := filepath.Join(dir, FileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("%s not found", FileName)
		}
		dir = parent
	}
}

// Load reads, defaults and validates the project file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	var cfg Config
	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	for _, key := range md.Undecoded() {
		cfg.Unknown = append(cfg.Unknown, key.String())
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return Config{}, err
	}
	cfg.Root = filepath.Dir(abs)
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return Config{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field that has a default.
func (c *Config) ApplyDefaults() {
	if c.Name == "" && c.Root != "" {
		c.Name = filepath.Base(c.Root)
	}
	if c.Format == "" {
		c.Format = string(workerdev.FormatModules)
	}
	if c.Dev.IP == "" {
		c.Dev.IP = "127.0.0.1"
	}
	if c.Dev.Port == 0 {
		c.Dev.Port = 8787
	}
	if c.Dev.LocalProtocol == "" {
		c.Dev.LocalProtocol = "http"
	}
	if c.Dev.UpstreamProtocol == "" {
		c.Dev.UpstreamProtocol = "https"
	}
	if c.Dev.InspectorPort == 0 {
		c.Dev.InspectorPort = 9229
	}
	if len(c.HostCommand) == 0 {
		c.HostCommand = append([]string(nil), DefaultHostCommand...)
	}
}

var validRuleTypes = map[string]bool{
	string(workerdev.ModuleCompiledWasm): true,
	string(workerdev.ModuleText):         true,
	string(workerdev.ModuleData):         true,
	string(workerdev.ModuleESModule):     true,
	string(workerdev.ModuleCommonJS):     true,
}

// Validate reports every problem in cfg at once.
func Validate(cfg Config) error {
	var errs []error
	if strings.TrimSpace(cfg.Main) == "" {
		errs = append(errs, fmt.Errorf("main is required"))
	}
	switch workerdev.ScriptFormat(cfg.Format) {
	case workerdev.FormatModules, workerdev.FormatServiceWorker:
	default:
		errs = append(errs, fmt.Errorf("format must be %q or %q, got %q", workerdev.FormatModules, workerdev.FormatServiceWorker, cfg.Format))
	}
	if cfg.Dev.Port < 1 || cfg.Dev.Port > 65535 {
		errs = append(errs, fmt.Errorf("dev.port out of range: %d", cfg.Dev.Port))
	}
	if cfg.Dev.InspectorPort < 1 || cfg.Dev.InspectorPort > 65535 {
		errs = append(errs, fmt.Errorf("dev.inspector_port out of range: %d", cfg.Dev.InspectorPort))
	}
	for _, p := range []struct{ key, value string }{
		{"dev.local_protocol", cfg.Dev.LocalProtocol},
		{"dev.upstream_protocol", cfg.Dev.UpstreamProtocol},
	} {
		if p.value != "http" && p.value != "https" {
			errs = append(errs, fmt.Errorf("%s must be http or https, got %q", p.key, p.value))
		}
	}
	for i, r := range cfg.Rules {
		if !validRuleTypes[r.Type] {
			errs = append(errs, fmt.Errorf("rules[%d]: unknown module type %q", i, r.Type))
		}
		if len(r.Globs) == 0 {
			errs = append(errs, fmt.Errorf("rules[%d]: globs is required", i))
		}
	}
	for i, ns := range cfg.KVNamespaces {
		if strings.TrimSpace(ns.Binding) == "" {
			errs = append(errs, fmt.Errorf("kv_namespaces[%d]: binding is required", i))
		}
	}
	for i, b := range cfg.R2Buckets {
		if strings.TrimSpace(b.Binding) == "" {
			errs = append(errs, fmt.Errorf("r2_buckets[%d]: binding is required", i))
		}
	}
	for i, do := range cfg.DurableObjects.Bindings {
		if strings.TrimSpace(do.Name) == "" || strings.TrimSpace(do.ClassName) == "" {
			errs = append(errs, fmt.Errorf("durable_objects.bindings[%d]: name and class_name are required", i))
		}
	}
	for i, expr := range cfg.Triggers.Crons {
		if err := ValidateCron(expr); err != nil {
			errs = append(errs, fmt.Errorf("triggers.crons[%d] %q: %w", i, expr, err))
		}
	}
	if cfg.Assets != nil && strings.TrimSpace(cfg.Assets.Directory) == "" {
		errs = append(errs, fmt.Errorf("assets.directory is required"))
	}
	return errors.Join(errs...)
}

// Bindings converts the binding tables into the dev loop's form.
func (c Config) Bindings() workerdev.BindingsConfig {
	b := workerdev.BindingsConfig{
		Vars:        c.Vars,
		WasmModules: c.WasmModules,
		TextBlobs:   c.TextBlobs,
		DataBlobs:   c.DataBlobs,
	}
	for _, ns := range c.KVNamespaces {
		b.KVNamespaces = append(b.KVNamespaces, workerdev.KVNamespace{Binding: ns.Binding, ID: ns.ID})
	}
	for _, r2 := range c.R2Buckets {
		b.R2Buckets = append(b.R2Buckets, workerdev.R2Bucket{Binding: r2.Binding, BucketName: r2.BucketName})
	}
	for _, do := range c.DurableObjects.Bindings {
		b.DurableObjects = append(b.DurableObjects, workerdev.DurableObjectBinding{
			Name:       do.Name,
			ClassName:  do.ClassName,
			ScriptName: do.ScriptName,
		})
	}
	for _, s := range c.Services {
		b.Services = append(b.Services, workerdev.ServiceBinding{
			Binding:     s.Binding,
			Service:     s.Service,
			Environment: s.Environment,
		})
	}
	return b
}

// ModuleRules converts the custom rules.
func (c Config) ModuleRules() []workerdev.ModuleRule {
	rules := make([]workerdev.ModuleRule, 0, len(c.Rules))
	for _, r := range c.Rules {
		rules = append(rules, workerdev.ModuleRule{
			Type:        workerdev.ModuleType(r.Type),
			Globs:       r.Globs,
			Fallthrough: r.Fallthrough,
		})
	}
	return rules
}

// Entry resolves main relative to the project root.
func (c Config) Entry() (workerdev.Entry, error) {
	return workerdev.NewEntry(c.Main, c.Root, workerdev.ScriptFormat(c.Format))
}

// CustomBuild resolves the build section relative to the project root.
func (c Config) CustomBuild() workerdev.CustomBuild {
	b := workerdev.CustomBuild{Command: c.Build.Command}
	if c.Build.Command == "" {
		return b
	}
	b.Cwd = c.resolve(c.Build.Cwd)
	if c.Build.WatchDir != "" {
		b.WatchDir = c.resolve(c.Build.WatchDir)
	}
	return b
}

// AssetOptions returns nil when no assets directory is configured.
func (c Config) AssetOptions() *workerdev.AssetOptions {
	if c.Assets == nil {
		return nil
	}
	return &workerdev.AssetOptions{
		Directory: c.resolve(c.Assets.Directory),
		Include:   c.Assets.Include,
		Exclude:   c.Assets.Exclude,
	}
}

// Upstream is the origin the worker pretends to serve, if any.
func (c Config) Upstream() string {
	if c.Dev.Host == "" {
		return ""
	}
	return c.Dev.UpstreamProtocol + "://" + c.Dev.Host
}

func (c Config) resolve(p string) string {
	if p == "" {
		return c.Root
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Root, p)
}
