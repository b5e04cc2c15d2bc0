package capability

import (
	"fmt"
	"sort"
	"strings"
)

// Environment identifies the kind of host runtime.
type Environment string

const (
	EnvDesktop Environment = "desktop"
	EnvWeb     Environment = "web"
	EnvServer  Environment = "server"
)

// ParseEnvironment maps a config string to an Environment.
func ParseEnvironment(s string) (Environment, error) {
	switch Environment(strings.ToLower(strings.TrimSpace(s))) {
	case EnvDesktop:
		return EnvDesktop, nil
	case EnvWeb:
		return EnvWeb, nil
	case EnvServer, "":
		return EnvServer, nil
	}
	return "", fmt.Errorf("unknown environment %q", s)
}

// Name is a dotted capability identifier such as "fileSystem.read".
type Name string

const (
	FSRead              Name = "fileSystem.read"
	FSWrite             Name = "fileSystem.write"
	FSWatch             Name = "fileSystem.watch"
	ShellExecute        Name = "shell.execute"
	ShellInteractive    Name = "shell.interactive"
	GitAvailable        Name = "git.available"
	NetworkFetch        Name = "network.fetch"
	NetworkWebsocket    Name = "network.websocket"
	SystemNotifications Name = "system.notifications"
	SystemClipboard     Name = "system.clipboard"
	SystemDialog        Name = "system.dialog"
)

// All lists every known capability name.
var All = []Name{
	FSRead, FSWrite, FSWatch,
	ShellExecute, ShellInteractive,
	GitAvailable,
	NetworkFetch, NetworkWebsocket,
	SystemNotifications, SystemClipboard, SystemDialog,
}

type FileSystem struct {
	Read  bool `json:"read"`
	Write bool `json:"write"`
	Watch bool `json:"watch"`
}

type Shell struct {
	Execute     bool `json:"execute"`
	Interactive bool `json:"interactive"`
}

type Git struct {
	Available bool `json:"available"`
}

type Network struct {
	Fetch     bool `json:"fetch"`
	Websocket bool `json:"websocket"`
}

type System struct {
	Notifications bool `json:"notifications"`
	Clipboard     bool `json:"clipboard"`
	Dialog        bool `json:"dialog"`
}

// Capabilities is the full boolean capability set of one environment.
type Capabilities struct {
	FileSystem FileSystem `json:"fileSystem"`
	Shell      Shell      `json:"shell"`
	Git        Git        `json:"git"`
	Network    Network    `json:"network"`
	System     System     `json:"system"`
}

// Has reports whether the named capability is satisfied. Unknown names
// are never satisfied.
func (c Capabilities) Has(n Name) bool {
	switch n {
	case FSRead:
		return c.FileSystem.Read
	case FSWrite:
		return c.FileSystem.Write
	case FSWatch:
		return c.FileSystem.Watch
	case ShellExecute:
		return c.Shell.Execute
	case ShellInteractive:
		return c.Shell.Interactive
	case GitAvailable:
		return c.Git.Available
	case NetworkFetch:
		return c.Network.Fetch
	case NetworkWebsocket:
		return c.Network.Websocket
	case SystemNotifications:
		return c.System.Notifications
	case SystemClipboard:
		return c.System.Clipboard
	case SystemDialog:
		return c.System.Dialog
	}
	return false
}

// table is the static per-environment capability matrix.
var table = map[Environment]Capabilities{
	EnvDesktop: {
		FileSystem: FileSystem{Read: true, Write: true, Watch: true},
		Shell:      Shell{Execute: true, Interactive: true},
		Git:        Git{Available: true},
		Network:    Network{Fetch: true, Websocket: true},
		System:     System{Notifications: true, Clipboard: true, Dialog: true},
	},
	EnvWeb: {
		Network: Network{Fetch: true, Websocket: true},
		System:  System{Notifications: true, Clipboard: true},
	},
	EnvServer: {
		FileSystem: FileSystem{Read: true, Write: true, Watch: true},
		Shell:      Shell{Execute: true},
		Git:        Git{Available: true},
		Network:    Network{Fetch: true, Websocket: true},
	},
}

var suggestions = map[Name]string{
	FSRead:              "Open the project in the desktop app to read local files.",
	FSWrite:             "Open the project in the desktop app to write local files.",
	FSWatch:             "File watching needs the desktop app or a server runtime.",
	ShellExecute:        "Run commands from the desktop app or a server runtime.",
	ShellInteractive:    "Interactive terminals are only available in the desktop app.",
	GitAvailable:        "Install git and run from the desktop app or a server runtime.",
	NetworkFetch:        "Check your network connection.",
	NetworkWebsocket:    "Check your network connection and proxy settings.",
	SystemNotifications: "Allow notifications for SprintLoop in system settings.",
	SystemClipboard:     "Grant clipboard access to SprintLoop.",
	SystemDialog:        "Native dialogs are only available in the desktop app.",
}

// CapabilitiesOf returns the static capability set for env. Unknown
// environments have no capabilities.
func CapabilitiesOf(env Environment) Capabilities {
	return table[env]
}

// CheckResult is the outcome of checking a set of requirements.
type CheckResult struct {
	CanExecute  bool     `json:"can_execute"`
	Missing     []Name   `json:"missing"`
	Suggestions []string `json:"suggestions"`
}

// Error renders the missing set for inclusion in a failed tool result.
func (r CheckResult) Error() string {
	if r.CanExecute {
		return ""
	}
	names := make([]string, len(r.Missing))
	for i, n := range r.Missing {
		names[i] = string(n)
	}
	return fmt.Sprintf("missing capabilities: %s (%s)",
		strings.Join(names, ", "), strings.Join(r.Suggestions, " "))
}

// Detector answers capability questions for one host environment.
type Detector struct {
	env  Environment
	caps Capabilities
}

// NewDetector creates a detector for env.
func NewDetector(env Environment) *Detector {
	return &Detector{env: env, caps: CapabilitiesOf(env)}
}

// Environment returns the detector's environment kind.
func (d *Detector) Environment() Environment { return d.env }

// Capabilities returns the full capability set.
func (d *Detector) Capabilities() Capabilities { return d.caps }

// Check ANDs all requirements. Every unsatisfied requirement is reported,
// each with one suggestion. Duplicates are collapsed.
func (d *Detector) Check(reqs []Name) CheckResult {
	res := CheckResult{CanExecute: true}
	seen := make(map[Name]bool, len(reqs))
	for _, n := range reqs {
		if seen[n] || d.caps.Has(n) {
			continue
		}
		seen[n] = true
		res.Missing = append(res.Missing, n)
	}
	sort.Slice(res.Missing, func(i, j int) bool { return res.Missing[i] < res.Missing[j] })
	for _, n := range res.Missing {
		s, ok := suggestions[n]
		if !ok {
			s = fmt.Sprintf("Capability %q is not known to this runtime.", n)
		}
		res.Suggestions = append(res.Suggestions, s)
	}
	res.CanExecute = len(res.Missing) == 0
	return res
}
