package workerdev

import "sync"

// ExitHooks is the registry of cleanup functions run when the process is
// about to exit. Hooks are keyed: setting a key again replaces the previous
// hook instead of stacking another one.
type ExitHooks struct {
	mu    sync.Mutex
	hooks map[string]func()
	order []string
}

// NewExitHooks returns an empty registry.
func NewExitHooks() *ExitHooks {
	return &ExitHooks{hooks: make(map[string]func())}
}

// Set registers fn under key, replacing any hook already there.
func (h *ExitHooks) Set(key string, fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.hooks[key]; !ok {
		h.order = append(h.order, key)
	}
	h.hooks[key] = fn
}

// Remove drops the hook under key.
func (h *ExitHooks) Remove(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.hooks[key]; !ok {
		return
	}
	delete(h.hooks, key)
	for i, k := range h.order {
		if k == key {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
}

// Len is the number of registered hooks.
func (h *ExitHooks) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.hooks)
}

// Run invokes every hook in registration order. Hooks must tolerate being run
// more than once.
func (h *ExitHooks) Run() {
	h.mu.Lock()
	fns := make([]func(), 0, len(h.order))
	for _, k := range h.order {
		fns = append(fns, h.hooks[k])
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
