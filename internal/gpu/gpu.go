// Package gpu probes the host for NVIDIA devices once per process.
package gpu

import (
	"bytes"
	"context"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultTool    = "nvidia-smi"
	defaultTimeout = 5 * time.Second
)

// Device is one GPU as reported by nvidia-smi.
type Device struct {
	Index    int    `json:"index"`
	Name     string `json:"name"`
	MemoryMB int    `json:"memory_mb"`
}

// Detector caches the result of the first probe. The zero value probes
// nvidia-smi from PATH.
type Detector struct {
	Tool    string
	Timeout time.Duration

	once    sync.Once
	devices []Device
}

// Devices returns the detected GPUs; empty when the tool is missing or fails.
func (d *Detector) Devices(ctx context.Context) []Device {
	d.once.Do(func() { d.devices = d.probe(ctx) })
	out := make([]Device, len(d.devices))
	copy(out, d.devices)
	return out
}

// Available reports whether at least one GPU was found.
func (d *Detector) Available(ctx context.Context) bool { return len(d.Devices(ctx)) > 0 }

func (d *Detector) probe(ctx context.Context) []Device {
	tool := d.Tool
	if tool == "" {
		tool = defaultTool
	}
	if _, err := exec.LookPath(tool); err != nil {
		slog.Debug("gpu probe tool not found", "tool", tool)
		return nil
	}
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	// #nosec G204
	cmd := exec.CommandContext(ctx, tool, "--query-gpu=index,name,memory.total", "--format=csv,noheader,nounits")
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		slog.Warn("gpu probe failed", "tool", tool, "error", err)
		return nil
	}
	return ParseDevices(out.String())
}

// ParseDevices parses "index, name, memory" CSV lines, skipping bad rows.
func ParseDevices(s string) []Device {
	var devs []Device
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Split(line, ",")
		if len(parts) < 3 {
			continue
		}
		idx, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil {
			continue
		}
		mem, _ := strconv.Atoi(strings.TrimSpace(parts[len(parts)-1]))
		name := strings.TrimSpace(strings.Join(parts[1:len(parts)-1], ","))
		devs = append(devs, Device{Index: idx, Name: name, MemoryMB: mem})
	}
	return devs
}
