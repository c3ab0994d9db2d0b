package config

import (
	"fmt"
	"sync"
)

// Holder guards a Config that can be reloaded at runtime (SIGHUP).
// A reload that fails validation keeps the previous config.
type Holder struct {
	mu   sync.RWMutex
	cfg  *Config
	path string
}

// NewHolder wraps cfg, remembering the YAML path for Reload.
func NewHolder(cfg *Config, yamlPath string) *Holder {
	return &Holder{cfg: cfg, path: yamlPath}
}

// Get returns the current configuration. Callers must not mutate it.
func (h *Holder) Get() *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg
}

// Reload re-reads defaults < YAML < ENV and swaps in the result.
func (h *Holder) Reload() error {
	next, err := LoadFrom(h.path)
	if err != nil {
		return fmt.Errorf("reload config: %w", err)
	}
	h.mu.Lock()
	h.cfg = next
	h.mu.Unlock()
	return nil
}
