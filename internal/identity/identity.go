// Package identity provides device identity information for the node.
package identity

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/micro-nova/bmsnode/internal/ota"
	"github.com/micro-nova/bmsnode/internal/wifi"
)

// DefaultVersion is the fallback version string when neither the build nor
// metadata.json provides one.
const DefaultVersion = "0.1.0-dev"

// Version is set at build time with -ldflags "-X .../identity.Version=...".
var Version string

// Info holds device identity information.
type Info struct {
	Hostname  string        `json:"hostname"`
	Version   string        `json:"version"`
	Slot      string        `json:"slot"`
	SlotState ota.SlotState `json:"slot_state"`
	Mode      string        `json:"mode"`
	Link      string        `json:"link"`
	Uptime    string        `json:"uptime"`
}

// GetHostname returns the system hostname.
func GetHostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "bmsnode"
	}
	return h
}

// GetVersion returns the build version, or the one recorded in
// metadata.json inside dir, or DefaultVersion.
func GetVersion(dir string) string {
	if Version != "" {
		return Version
	}
	return GetVersionFromDir(dir)
}

// GetVersionFromDir reads the version from dir/metadata.json.
func GetVersionFromDir(dir string) string {
	if dir == "" {
		return DefaultVersion
	}
	data, err := os.ReadFile(filepath.Join(dir, "metadata.json"))
	if err != nil {
		return DefaultVersion
	}

	var meta map[string]interface{}
	if err := json.Unmarshal(data, &meta); err != nil {
		return DefaultVersion
	}

	if v, ok := meta["version"].(string); ok && v != "" {
		return v
	}
	return DefaultVersion
}

// Gather assembles Info. link may be nil when bring-up failed.
func Gather(version string, parts ota.Partitions, link *wifi.Link, started time.Time) Info {
	running := parts.Running()
	info := Info{
		Hostname:  GetHostname(),
		Version:   version,
		Slot:      running.Label,
		SlotState: running.State,
		Mode:      "down",
		Link:      "down",
		Uptime:    time.Since(started).Truncate(time.Second).String(),
	}
	if link != nil {
		info.Mode = link.Mode.String()
		info.Link = link.Status.Kind().String()
	}
	return info
}
