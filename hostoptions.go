package workerdev

import (
	"path/filepath"
	"strings"
)

// TLSOptions point the runtime host at a certificate for https serving.
// Empty paths ask the host to generate a self-signed one.
type TLSOptions struct {
	KeyPath  string `json:"httpsKeyPath,omitempty"`
	CertPath string `json:"httpsCertPath,omitempty"`
}

// AssetOptions is the optional second payload enabling static asset serving.
type AssetOptions struct {
	Directory string   `json:"path"`
	Include   []string `json:"include,omitempty"`
	Exclude   []string `json:"exclude,omitempty"`
}

// DurableObjectTarget names the class (and optionally the script) backing a
// Durable Object binding.
type DurableObjectTarget struct {
	ClassName  string `json:"className"`
	ScriptName string `json:"scriptName,omitempty"`
}

// RuntimeHostOptions is the configuration document passed to the runtime
// host as its first argument. It is rebuilt for every spawn.
type RuntimeHostOptions struct {
	Name               string       `json:"name,omitempty"`
	ScriptPath         string       `json:"scriptPath"`
	Modules            bool         `json:"modules"`
	ModulesRules       []ModuleRule `json:"modulesRules"`
	CompatibilityDate  string       `json:"compatibilityDate,omitempty"`
	CompatibilityFlags []string     `json:"compatibilityFlags,omitempty"`
	UsageModel         string       `json:"usageModel,omitempty"`

	KVNamespaces     []string                       `json:"kvNamespaces,omitempty"`
	R2Buckets        []string                       `json:"r2Buckets,omitempty"`
	DurableObjects   map[string]DurableObjectTarget `json:"durableObjects,omitempty"`
	Bindings         map[string]any                 `json:"bindings,omitempty"`
	WasmBindings     map[string]string              `json:"wasmBindings,omitempty"`
	TextBlobBindings map[string]string              `json:"textBlobBindings,omitempty"`
	DataBlobBindings map[string]string              `json:"dataBlobBindings,omitempty"`

	SourceMap bool        `json:"sourceMap"`
	Host      string      `json:"host"`
	Port      int         `json:"port"`
	Upstream  string      `json:"upstream,omitempty"`
	HTTPS     bool        `json:"https"`
	TLS       *TLSOptions `json:"tls,omitempty"`

	PersistPaths

	Crons                  []string `json:"crons,omitempty"`
	LiveReload             bool     `json:"liveReload,omitempty"`
	LogUnhandledRejections bool     `json:"logUnhandledRejections"`
}

// buildHostOptions composes the options for one spawn of bundle b. scriptPath
// must already be canonical.
func buildHostOptions(cfg HostConfig, b Bundle, format ScriptFormat, scriptPath string) RuntimeHostOptions {
	bindings := cfg.Bindings

	opts := RuntimeHostOptions{
		Name:                   cfg.Name,
		ScriptPath:             scriptPath,
		Modules:                format == FormatModules,
		ModulesRules:           composeRules(cfg.Rules),
		CompatibilityDate:      cfg.CompatibilityDate,
		CompatibilityFlags:     cfg.CompatibilityFlags,
		UsageModel:             cfg.UsageModel,
		Bindings:               bindings.Vars,
		WasmBindings:           absolutizePaths(bindings.WasmModules, cfg.Cwd),
		TextBlobBindings:       absolutizePaths(bindings.TextBlobs, cfg.Cwd),
		DataBlobBindings:       absolutizePaths(bindings.DataBlobs, cfg.Cwd),
		SourceMap:              true,
		Host:                   cfg.Host,
		Port:                   cfg.Port,
		Upstream:               cfg.Upstream,
		HTTPS:                  cfg.LocalProtocol == "https",
		PersistPaths:           cfg.Persist,
		Crons:                  cfg.Crons,
		LiveReload:             cfg.LiveReload,
		LogUnhandledRejections: true,
	}
	if opts.HTTPS && cfg.TLS != nil {
		tls := *cfg.TLS
		opts.TLS = &tls
	}
	for _, ns := range bindings.KVNamespaces {
		opts.KVNamespaces = append(opts.KVNamespaces, ns.Binding)
	}
	for _, bucket := range bindings.R2Buckets {
		opts.R2Buckets = append(opts.R2Buckets, bucket.Binding)
	}
	if len(bindings.DurableObjects) > 0 {
		opts.DurableObjects = make(map[string]DurableObjectTarget, len(bindings.DurableObjects))
		for _, do := range bindings.DurableObjects {
			opts.DurableObjects[do.Name] = DurableObjectTarget{ClassName: do.ClassName, ScriptName: do.ScriptName}
		}
	}

	if format == FormatServiceWorker {
		projectGlobals(&opts, b)
	}
	return opts
}

// absolutizePaths returns a copy of blobs with relative paths resolved
// against cwd. The runtime host runs in another directory and would resolve
// them differently.
func absolutizePaths(blobs map[string]string, cwd string) map[string]string {
	if len(blobs) == 0 {
		return nil
	}
	out := make(map[string]string, len(blobs))
	for name, p := range blobs {
		if !filepath.IsAbs(p) {
			p = filepath.Join(cwd, p)
		}
		out[name] = p
	}
	return out
}

// projectGlobals exposes blob modules as globals for service-worker scripts.
// Names that sanitize to the same identifier collide and the later module
// wins.
func projectGlobals(opts *RuntimeHostOptions, b Bundle) {
	for _, m := range b.Modules {
		if !isBlobModule(m.Type) {
			continue
		}
		ident := sanitizeIdentifier(m.Name)
		target := filepath.Join(b.Dir(), m.Name)
		switch m.Type {
		case ModuleCompiledWasm:
			opts.WasmBindings = setBinding(opts.WasmBindings, ident, target)
		case ModuleText:
			opts.TextBlobBindings = setBinding(opts.TextBlobBindings, ident, target)
		case ModuleData:
			opts.DataBlobBindings = setBinding(opts.DataBlobBindings, ident, target)
		}
	}
}

func setBinding(m map[string]string, key, value string) map[string]string {
	if m == nil {
		m = make(map[string]string)
	}
	m[key] = value
	return m
}

// sanitizeIdentifier replaces every character outside [A-Za-z0-9_$] with '_'.
func sanitizeIdentifier(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '$':
			return r
		}
		return '_'
	}, name)
}
