// Package capability defines the closed set of coarse behaviors a package can
// exercise and the join-semilattice of capability sets built from them.
package capability

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownCapability is returned for names outside the closed enumeration.
var ErrUnknownCapability = errors.New("unknown capability")

// Capability is one class of externally observable behavior.
type Capability uint8

const (
	// Alloc allocates memory.
	Alloc Capability = iota
	// Panic aborts or unwinds.
	Panic
	// Time reads the clock.
	Time
	// SysInfo reads environment variables, process or host information.
	SysInfo
	// StandardIO reads or writes stdin, stdout or stderr.
	StandardIO
	// Thread spawns threads.
	Thread
	// Network opens sockets or resolves hosts.
	Network
	// FileSystem opens, creates or removes files.
	FileSystem
	// BuildScript runs custom code at build time. Not inherited by dependents.
	BuildScript
	// Unsafe calls foreign or unchecked code.
	Unsafe
	// Command spawns other processes.
	Command

	numCapabilities
)

var names = [numCapabilities]string{
	Alloc:       "alloc",
	Panic:       "panic",
	Time:        "time",
	SysInfo:     "sysinfo",
	StandardIO:  "stdio",
	Thread:      "thread",
	Network:     "net",
	FileSystem:  "fs",
	BuildScript: "build.rs",
	Unsafe:      "unsafe",
	Command:     "command",
}

var descriptions = [numCapabilities]string{
	Alloc:       "allocate memory",
	Panic:       "panic or abort",
	Time:        "tell the time",
	SysInfo:     "read env vars and system info",
	StandardIO:  "read/write stdin, stdout, stderr",
	Thread:      "spawn threads",
	Network:     "connect to or listen on the network",
	FileSystem:  "open files on disk",
	BuildScript: "run a custom build step",
	Unsafe:      "call foreign or unsafe code",
	Command:     "spawn other processes",
}

// aliases maps every accepted spelling (lower-cased) to a capability.
var aliases = map[string]Capability{
	"allocate":    Alloc,
	"systeminfo":  SysInfo,
	"env":         SysInfo,
	"standardio":  StandardIO,
	"network":     Network,
	"filesystem":  FileSystem,
	"file":        FileSystem,
	"buildscript": BuildScript,
	"build":       BuildScript,
	"ffi":         Unsafe,
	"process":     Command,
	"exec":        Command,
}

func init() {
	for c, n := range names {
		aliases[n] = Capability(c)
	}
}

// All returns every enumerated capability in declaration order.
func All() []Capability {
	all := make([]Capability, numCapabilities)
	for i := range all {
		all[i] = Capability(i)
	}
	return all
}

func (c Capability) String() string {
	if c < numCapabilities {
		return names[c]
	}
	return fmt.Sprintf("capability(%d)", uint8(c))
}

// Description is a short human explanation used in scaffolded files.
func (c Capability) Description() string {
	if c < numCapabilities {
		return descriptions[c]
	}
	return ""
}

// Contagious reports whether dependents inherit c through propagation.
func (c Capability) Contagious() bool {
	return c != BuildScript
}

// Parse resolves a single capability name. It does not accept "*" or "none";
// use ParseList for set literals.
func Parse(name string) (Capability, error) {
	c, ok := aliases[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return 0, fmt.Errorf("capability: %w %q", ErrUnknownCapability, name)
	}
	return c, nil
}
