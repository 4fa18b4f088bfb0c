package mode

import (
	"os"
	"path/filepath"
	"testing"
)

func env(kv map[string]string) func(string) string {
	return func(k string) string { return kv[k] }
}

func TestDetect(t *testing.T) {
	root := t.TempDir()
	if got := Detect(root, env(nil)); got != Prod {
		t.Fatalf("bare root: %s", got)
	}
	if err := os.Mkdir(filepath.Join(root, ".venv"), 0o750); err != nil {
		t.Fatal(err)
	}
	if got := Detect(root, env(nil)); got != Dev {
		t.Fatalf("venv root: %s", got)
	}
	if got := Detect(root, env(map[string]string{EnvVar: "PROD"})); got != Prod {
		t.Fatalf("explicit env must win: %s", got)
	}
	if got := Detect(t.TempDir(), env(map[string]string{EnvVar: "dev"})); got != Dev {
		t.Fatalf("explicit dev: %s", got)
	}
	if got := Detect(t.TempDir(), env(map[string]string{EnvVar: "staging"})); got != Prod {
		t.Fatalf("unknown values fall through to detection: %s", got)
	}
}

func TestDetectVenvMustBeDir(t *testing.T) {
	root := t.TempDir()
	_ = os.WriteFile(filepath.Join(root, "venv"), []byte("not a dir"), 0o600)
	if got := Detect(root, env(nil)); got != Prod {
		t.Fatalf("plain file named venv must not switch to dev: %s", got)
	}
}

func TestParse(t *testing.T) {
	if m, ok := Parse(" Dev "); !ok || m != Dev {
		t.Fatalf("Parse dev: %v %v", m, ok)
	}
	if _, ok := Parse("test"); ok {
		t.Fatalf("unexpected ok")
	}
}

func TestResolveReportsSource(t *testing.T) {
	saved := containerMarkers
	t.Cleanup(func() { containerMarkers = saved })
	marker := filepath.Join(t.TempDir(), ".dockerenv")
	containerMarkers = []string{marker}

	root := t.TempDir()
	if m, src := Resolve(root, env(nil)); m != Prod || src != SourceDefault {
		t.Fatalf("bare host: %s from %s", m, src)
	}
	if err := os.WriteFile(marker, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	if m, src := Resolve(root, env(nil)); m != Prod || src != SourceContainer {
		t.Fatalf("container: %s from %s", m, src)
	}
	if m, src := Resolve(root, env(map[string]string{EnvVar: "dev"})); m != Dev || src != SourceEnv {
		t.Fatalf("env: %s from %s", m, src)
	}
	if err := os.Mkdir(filepath.Join(root, "venv"), 0o750); err != nil {
		t.Fatal(err)
	}
	// a checkout with a virtualenv is dev even inside a container
	if m, src := Resolve(root, env(nil)); m != Dev || src != SourceVenv {
		t.Fatalf("venv: %s from %s", m, src)
	}
}
