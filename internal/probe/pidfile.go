package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/loykin/shepherd/internal/proc"
)

// PIDFile is healthy iff the pid recorded in Path is alive. A start_unix
// meta line guards against pid reuse.
type PIDFile struct {
	Path string
}

type pidMeta struct {
	StartUnix int64 `json:"start_unix"`
}

func (d PIDFile) Alive(context.Context) (bool, error) {
	pid, start, err := ReadPIDFile(d.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return proc.AliveSince(pid, start), nil
}

func (d PIDFile) Describe() string { return "pidfile:" + d.Path }

// ReadPIDFile parses "<pid>\n[meta json]\n".
func ReadPIDFile(path string) (int, int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, err
	}
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid pid in %s: %w", path, err)
	}
	var m pidMeta
	if len(lines) >= 2 {
		_ = json.Unmarshal([]byte(strings.TrimSpace(lines[1])), &m)
	}
	return pid, m.StartUnix, nil
}

// WritePIDFile writes pid with its start time meta line.
func WritePIDFile(path string, pid int) error {
	meta, _ := json.Marshal(pidMeta{StartUnix: proc.StartUnix(pid)})
	return os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"+string(meta)+"\n"), 0o600)
}
