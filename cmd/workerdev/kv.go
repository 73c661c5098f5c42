package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/spf13/cobra"

	"github.com/cryguy/workerdev"
	"github.com/cryguy/workerdev/internal/config"
	"github.com/cryguy/workerdev/internal/localstate"
)

type kvOptions struct {
	binding string
}

// newKVCommand inspects the KV state persisted by `dev --persist`.
func newKVCommand(root *rootOptions) *cobra.Command {
	opts := &kvOptions{}
	cmd := &cobra.Command{
		Use:   "kv",
		Short: "Read and write persisted local KV namespaces",
	}
	cmd.PersistentFlags().StringVarP(&opts.binding, "binding", "b", "", "KV namespace binding name")
	_ = cmd.MarkPersistentFlagRequired("binding")

	cmd.AddCommand(newKVGetCommand(root, opts))
	cmd.AddCommand(newKVPutCommand(root, opts))
	cmd.AddCommand(newKVDeleteCommand(root, opts))
	cmd.AddCommand(newKVListCommand(root, opts))
	return cmd
}

// openPersistedKV opens the namespace in the project's persisted state
// directory. Without a project file the working directory is the root.
func openPersistedKV(root *rootOptions, binding string) (*localstate.KV, error) {
	projectRoot, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	path := root.configPath
	if path == "" {
		path, _ = config.Find(projectRoot)
	}
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		projectRoot = cfg.Root
		known := make([]string, 0, len(cfg.KVNamespaces))
		for _, ns := range cfg.KVNamespaces {
			known = append(known, ns.Binding)
		}
		if len(known) > 0 && !slices.Contains(known, binding) {
			return nil, fmt.Errorf("binding %q is not declared in %s (known: %v)", binding, filepath.Base(path), known)
		}
	}
	dir := workerdev.ResolvePersistPaths(true, projectRoot, "").KV
	return localstate.OpenKV(dir, binding)
}

func newKVGetCommand(root *rootOptions, opts *kvOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Print the value stored under key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kv, err := openPersistedKV(root, opts.binding)
			if err != nil {
				return err
			}
			defer kv.Close()

			v, err := kv.Get(args[0])
			if err != nil {
				return err
			}
			if v == nil {
				return fmt.Errorf("key %q not found", args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), *v)
			return nil
		},
	}
}

func newKVPutCommand(root *rootOptions, opts *kvOptions) *cobra.Command {
	var (
		ttl      int
		metadata string
	)
	cmd := &cobra.Command{
		Use:   "put <key> <value>",
		Short: "Store a value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kv, err := openPersistedKV(root, opts.binding)
			if err != nil {
				return err
			}
			defer kv.Close()

			var meta *string
			if cmd.Flags().Changed("metadata") {
				if !json.Valid([]byte(metadata)) {
					return fmt.Errorf("--metadata must be valid JSON")
				}
				meta = &metadata
			}
			var ttlp *int
			if cmd.Flags().Changed("ttl") {
				ttlp = &ttl
			}
			return kv.Put(args[0], args[1], meta, ttlp)
		},
	}
	cmd.Flags().IntVar(&ttl, "ttl", 0, "expiry in seconds (at least 60)")
	cmd.Flags().StringVar(&metadata, "metadata", "", "JSON metadata stored with the value")
	return cmd
}

func newKVDeleteCommand(root *rootOptions, opts *kvOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "Remove a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kv, err := openPersistedKV(root, opts.binding)
			if err != nil {
				return err
			}
			defer kv.Close()
			return kv.Delete(args[0])
		},
	}
}

func newKVListCommand(root *rootOptions, opts *kvOptions) *cobra.Command {
	var (
		prefix string
		limit  int
		cursor string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List keys as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			kv, err := openPersistedKV(root, opts.binding)
			if err != nil {
				return err
			}
			defer kv.Close()

			res, err := kv.List(prefix, limit, cursor)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "only keys starting with prefix")
	cmd.Flags().IntVar(&limit, "limit", 1000, "maximum number of keys")
	cmd.Flags().StringVar(&cursor, "cursor", "", "cursor from a previous page")
	return cmd
}
