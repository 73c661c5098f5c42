package workerdev

import (
	"path"

	"github.com/bmatcuk/doublestar/v4"
)

// ModuleRule maps import paths matching Globs to a module type.
type ModuleRule struct {
	Type        ModuleType `json:"type"`
	Globs       []string   `json:"include"`
	Fallthrough bool       `json:"fallthrough,omitempty"`
}

// DefaultModuleRules are always appended after any custom rules.
var DefaultModuleRules = []ModuleRule{
	{Type: ModuleText, Globs: []string{"**/*.txt", "**/*.html"}},
	{Type: ModuleData, Globs: []string{"**/*.bin"}},
	{Type: ModuleCompiledWasm, Globs: []string{"**/*.wasm"}},
}

// composeRules puts custom rules ahead of the defaults so they win on
// overlapping globs.
func composeRules(custom []ModuleRule) []ModuleRule {
	rules := make([]ModuleRule, 0, len(custom)+len(DefaultModuleRules))
	rules = append(rules, custom...)
	rules = append(rules, DefaultModuleRules...)
	return rules
}

// matchRule returns the first rule whose glob matches importPath.
func matchRule(rules []ModuleRule, importPath string) (ModuleRule, bool) {
	p := path.Clean(importPath)
	for _, rule := range rules {
		for _, g := range rule.Globs {
			if ok, _ := doublestar.Match(g, p); ok {
				return rule, true
			}
		}
	}
	return ModuleRule{}, false
}

// isBlobModule reports whether modules of type t are exposed as globals for
// service-worker scripts.
func isBlobModule(t ModuleType) bool {
	switch t {
	case ModuleCompiledWasm, ModuleText, ModuleData:
		return true
	}
	return false
}
