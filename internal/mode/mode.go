// Package mode decides whether services run in development or production form.
package mode

import (
	"os"
	"path/filepath"
	"strings"
)

type Mode string

const (
	Dev  Mode = "dev"
	Prod Mode = "prod"

	// EnvVar overrides detection when set to dev or prod.
	EnvVar = "SHEPHERD_MODE"
)

// Source names what decided the mode.
type Source string

const (
	SourceConfig    Source = "config"
	SourceEnv       Source = "env"
	SourceVenv      Source = "venv"
	SourceContainer Source = "container"
	SourceDefault   Source = "default"
)

// containerMarkers exist inside docker and podman containers.
var containerMarkers = []string{"/.dockerenv", "/run/.containerenv"}

// Detect resolves the mode: explicit env var, then a virtualenv under root
// (dev), then a container marker (prod). Anything else is prod.
func Detect(root string, getenv func(string) string) Mode {
	m, _ := Resolve(root, getenv)
	return m
}

// Resolve is Detect plus the source of the decision, so callers can report
// why a host runs in prod.
func Resolve(root string, getenv func(string) string) (Mode, Source) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if m, ok := Parse(getenv(EnvVar)); ok {
		return m, SourceEnv
	}
	for _, venv := range []string{".venv", "venv"} {
		if isDir(filepath.Join(root, venv)) {
			return Dev, SourceVenv
		}
	}
	for _, m := range containerMarkers {
		if _, err := os.Stat(m); err == nil {
			return Prod, SourceContainer
		}
	}
	return Prod, SourceDefault
}

// Parse accepts "dev" or "prod"; anything else yields ok=false.
func Parse(s string) (Mode, bool) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case Dev:
		return Dev, true
	case Prod:
		return Prod, true
	}
	return "", false
}

func isDir(p string) bool {
	st, err := os.Stat(p)
	return err == nil && st.IsDir()
}
