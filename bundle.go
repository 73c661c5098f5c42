package workerdev

import (
	"path/filepath"
)

// ScriptFormat is how the worker script exposes its handlers.
type ScriptFormat string

const (
	// FormatModules scripts export a default handler object.
	FormatModules ScriptFormat = "modules"
	// FormatServiceWorker scripts register event listeners and see their
	// bindings as globals.
	FormatServiceWorker ScriptFormat = "service-worker"
)

// BundleType tags the format of the primary output file.
type BundleType string

const (
	BundleESM      BundleType = "esm"
	BundleCommonJS BundleType = "commonjs"
)

// ModuleType is the kind of an embedded module.
type ModuleType string

const (
	ModuleCompiledWasm ModuleType = "CompiledWasm"
	ModuleText         ModuleType = "Text"
	ModuleData         ModuleType = "Data"
	ModuleESModule     ModuleType = "ESModule"
	ModuleCommonJS     ModuleType = "CommonJS"
)

// Entry describes the worker's source entry point.
type Entry struct {
	File      string
	Directory string
	Format    ScriptFormat
}

// NewEntry resolves file against dir (or the working directory when dir is
// empty).
func NewEntry(file, dir string, format ScriptFormat) (Entry, error) {
	if !filepath.IsAbs(file) {
		if dir == "" {
			abs, err := filepath.Abs(file)
			if err != nil {
				return Entry{}, err
			}
			file = abs
		} else {
			file = filepath.Join(dir, file)
		}
	}
	if dir == "" {
		dir = filepath.Dir(file)
	}
	if format == "" {
		format = FormatModules
	}
	return Entry{File: file, Directory: dir, Format: format}, nil
}

// Module is a single named unit of content shipped next to the bundle.
type Module struct {
	Name    string
	Type    ModuleType
	Content []byte
}

// Bundle is one version of the build output. ID is the only field guaranteed
// to change between versions.
type Bundle struct {
	ID      int
	Entry   Entry
	Path    string
	Type    BundleType
	Modules []Module
}

// Dir is the directory the bundle and its modules live in.
func (b *Bundle) Dir() string {
	return filepath.Dir(b.Path)
}

func bundleTypeFor(format ScriptFormat) BundleType {
	if format == FormatServiceWorker {
		return BundleCommonJS
	}
	return BundleESM
}
