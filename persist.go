package workerdev

import "path/filepath"

// StateDirName is the directory, relative to the project root, that holds
// persisted local state.
const StateDirName = ".workerdev/state"

// PersistPaths are the storage locations handed to the runtime host.
type PersistPaths struct {
	Cache          string `json:"cachePersist"`
	DurableObjects string `json:"durableObjectsPersist"`
	KV             string `json:"kvPersist"`
	R2             string `json:"r2Persist"`
}

// ResolvePersistPaths decides where stateful emulation data lives. With
// persist set the data outlives the session under cwd; otherwise it stays in
// the session's scratch directory and is removed with it.
func ResolvePersistPaths(persist bool, cwd, scratchDir string) PersistPaths {
	root := filepath.Join(scratchDir, "state")
	if persist {
		root = filepath.Join(cwd, StateDirName)
	}
	return PersistPaths{
		Cache:          filepath.Join(root, "cache"),
		DurableObjects: filepath.Join(root, "do"),
		KV:             filepath.Join(root, "kv"),
		R2:             filepath.Join(root, "r2"),
	}
}
