package hooks

import (
	"fmt"
	"time"
)

// Config captures hook settings read from the INI files and environment.
type Config struct {
	Enabled    bool              `json:"enabled"`
	ScriptPath string            `json:"script_path"`
	ScriptArgs []string          `json:"script_args"`
	Env        map[string]string `json:"env"`
	Timeout    time.Duration     `json:"timeout"`
}

// Validate ensures the configuration is coherent before handlers are wired.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.ScriptPath == "" {
		return fmt.Errorf("hooks: script_path required when enabled")
	}
	if c.Timeout < 0 {
		return fmt.Errorf("hooks: timeout must not be negative")
	}
	return nil
}

// BuildDispatcher returns a dispatcher with the configured script handler
// registered, or an empty dispatcher when hooks are disabled.
func (c Config) BuildDispatcher() *Dispatcher {
	d := &Dispatcher{}
	if !c.Enabled {
		return d
	}
	d.Register(NewScriptHandler(ScriptConfig{
		Command: c.ScriptPath,
		Args:    c.ScriptArgs,
		Env:     c.Env,
		Timeout: c.Timeout,
	}))
	return d
}
