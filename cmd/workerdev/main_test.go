package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/cryguy/workerdev/internal/config"
)

func writeProject(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, config.FileName)
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCommand()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestParsePairs(t *testing.T) {
	got, err := parsePairs("--var", []string{"A:1", " B :x:y"})
	if err != nil {
		t.Fatalf("parsePairs: %v", err)
	}
	if got["A"] != "1" || got["B"] != "x:y" {
		t.Errorf("pairs = %v", got)
	}
	if _, err := parsePairs("--var", []string{"novalue"}); err == nil {
		t.Error("expected error for missing separator")
	}
}

func TestDevOptions_ApplyOnlyChangedFlags(t *testing.T) {
	path := writeProject(t, "main = \"index.js\"\n[dev]\nip = \"0.0.0.0\"\nport = 9000\n")
	cfg, err := loadProjectConfig(path, nil)
	if err != nil {
		t.Fatalf("loadProjectConfig: %v", err)
	}

	cmd := &cobra.Command{}
	cmd.Flags().Int("port", 0, "")
	if err := cmd.Flags().Set("port", "9100"); err != nil {
		t.Fatal(err)
	}
	opts := &devOptions{port: 9100, ip: "ignored", vars: []string{"MODE:dev"}}
	if err := opts.apply(cmd, &cfg); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if cfg.Dev.Port != 9100 || cfg.Dev.IP != "0.0.0.0" {
		t.Errorf("dev = %+v", cfg.Dev)
	}
	if cfg.Vars["MODE"] != "dev" {
		t.Errorf("vars = %v", cfg.Vars)
	}
}

func TestLoadProjectConfig_ScriptArgumentWithoutProjectFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	cfg, err := loadProjectConfig("", []string{"src/worker.js"})
	if err != nil {
		t.Fatalf("loadProjectConfig: %v", err)
	}
	if !strings.HasSuffix(cfg.Main, filepath.Join("src", "worker.js")) || !filepath.IsAbs(cfg.Main) {
		t.Errorf("main = %q", cfg.Main)
	}
	if cfg.Dev.Port != 8787 {
		t.Errorf("defaults not applied: %+v", cfg.Dev)
	}
}

func TestKVCommands_RoundTrip(t *testing.T) {
	path := writeProject(t, "main = \"index.js\"\n[[kv_namespaces]]\nbinding = \"CACHE\"\n")

	if _, err := execute(t, "--config", path, "kv", "put", "--binding", "CACHE", "greeting", "hello"); err != nil {
		t.Fatalf("put: %v", err)
	}
	out, err := execute(t, "--config", path, "kv", "get", "--binding", "CACHE", "greeting")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if strings.TrimSpace(out) != "hello" {
		t.Errorf("get = %q", out)
	}

	out, err = execute(t, "--config", path, "kv", "list", "--binding", "CACHE")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, `"name": "greeting"`) || !strings.Contains(out, `"list_complete": true`) {
		t.Errorf("list = %s", out)
	}

	stateFile := filepath.Join(filepath.Dir(path), ".workerdev", "state", "kv", "CACHE.sqlite3")
	if _, err := os.Stat(stateFile); err != nil {
		t.Errorf("state file: %v", err)
	}

	if _, err := execute(t, "--config", path, "kv", "delete", "--binding", "CACHE", "greeting"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := execute(t, "--config", path, "kv", "get", "--binding", "CACHE", "greeting"); err == nil {
		t.Error("expected not found after delete")
	}
}

func TestKVCommands_UnknownBinding(t *testing.T) {
	path := writeProject(t, "main = \"index.js\"\n[[kv_namespaces]]\nbinding = \"CACHE\"\n")
	_, err := execute(t, "--config", path, "kv", "get", "--binding", "OTHER", "k")
	if err == nil || !strings.Contains(err.Error(), "not declared") {
		t.Errorf("err = %v", err)
	}
}

func TestReadyBanner(t *testing.T) {
	got := readyBanner("https", "127.0.0.1", 8787)
	if !strings.Contains(got, "https://127.0.0.1:8787") {
		t.Errorf("banner = %q", got)
	}
}
