package capability

import (
	"os"
	"runtime"
)

// Host describes the machine the process runs on.
type Host struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Family  string `json:"family"`
	HomeDir string `json:"home_dir,omitempty"`
}

// HostInfo reports the running OS and architecture. HomeDir is empty when
// it cannot be determined.
func HostInfo() Host {
	h := Host{OS: runtime.GOOS, Arch: runtime.GOARCH, Family: "unix"}
	if runtime.GOOS == "windows" {
		h.Family = "windows"
	}
	if home, err := os.UserHomeDir(); err == nil {
		h.HomeDir = home
	}
	return h
}
