package util

import (
	"os"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v3/host"
)

// Version is the netplay release reported by the status API and telemetry.
const Version = "0.1.0"

// SystemInfo holds information about the host system, attached to
// telemetry messages and used to derive a default display name.
type SystemInfo struct {
	Hostname     string `json:"hostname"`
	OS           string `json:"os"`
	Platform     string `json:"platform"`
	Architecture string `json:"architecture"`
	CPUCores     int    `json:"cpu_cores"`
}

// GetSystemInfo gathers system information. Fields that cannot be read are
// left empty.
func GetSystemInfo() SystemInfo {
	info := SystemInfo{
		OS:           runtime.GOOS,
		Architecture: runtime.GOARCH,
		CPUCores:     runtime.NumCPU(),
	}

	if hostInfo, err := host.Info(); err == nil {
		info.Hostname = hostInfo.Hostname
		info.Platform = strings.TrimSpace(hostInfo.Platform + " " + hostInfo.PlatformVersion)
	}
	if info.Hostname == "" {
		if hostname, err := os.Hostname(); err == nil {
			info.Hostname = hostname
		}
	}

	return info
}

// DefaultDisplayName derives a player display name from the host name,
// dropping any domain suffix and clipping to maxLen bytes.
func DefaultDisplayName(maxLen int) string {
	name := GetSystemInfo().Hostname
	if i := strings.IndexByte(name, '.'); i > 0 {
		name = name[:i]
	}
	if name == "" {
		name = "player"
	}
	if len(name) > maxLen {
		name = name[:maxLen]
	}
	return name
}
