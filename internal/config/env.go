package config

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/loykin/shepherd/internal/service"
)

// GlobalEnv merges the environment passed to every service. The OS
// environment is the base when use_os_env is set, env_files are applied in
// order and the top-level env list wins.
func (c *Config) GlobalEnv() ([]string, error) {
	m := make(map[string]string)
	if c.UseOSEnv {
		for _, kv := range os.Environ() {
			if k, v, ok := strings.Cut(kv, "="); ok {
				m[k] = v
			}
		}
	}
	for _, p := range c.EnvFiles {
		pairs, err := loadEnvFile(c.resolve(p))
		if err != nil {
			return nil, err
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	for _, kv := range c.Env {
		if k, v, ok := strings.Cut(kv, "="); ok {
			m[k] = v
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out, nil
}

// LoadEnvFile parses a simple .env file and returns "KEY=VALUE" entries.
func LoadEnvFile(path string) ([]string, error) {
	m, err := loadEnvFile(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out, nil
}

// loadEnvFile reads KEY=VALUE lines; blank lines and # comments are skipped,
// a leading "export " and surrounding quotes are stripped.
func loadEnvFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		v = strings.TrimSpace(v)
		if n := len(v); n >= 2 && (v[0] == '"' && v[n-1] == '"' || v[0] == '\'' && v[n-1] == '\'') {
			v = v[1 : n-1]
		}
		m[strings.TrimSpace(k)] = v
	}
	return m, nil
}

// Launchable returns Descriptors with the global environment placed before
// each service's own env, so service entries win.
func (c *Config) Launchable() ([]service.Descriptor, error) {
	global, err := c.GlobalEnv()
	if err != nil {
		return nil, err
	}
	ds := c.Descriptors()
	for i := range ds {
		ds[i].Env = append(append([]string(nil), global...), ds[i].Env...)
	}
	return ds, nil
}
