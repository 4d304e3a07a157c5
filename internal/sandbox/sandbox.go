// Package sandbox executes a command under resource limits, per spec.md
// §4.8. A Config describes the restrictions a backend must enforce; a
// Sandbox runs one command to completion and reports exit_code, captured
// output, wall-clock duration, and whether the command was killed.
package sandbox

import "context"

// NetworkPolicy controls outbound network access inside the sandbox.
type NetworkPolicy string

const (
	NetworkNone NetworkPolicy = "none"
	NetworkHost NetworkPolicy = "host"
)

// FilesystemPolicy controls how RootDir is exposed to the command.
type FilesystemPolicy string

const (
	// FilesystemReadOnly exposes RootDir read-only.
	FilesystemReadOnly FilesystemPolicy = "ro"
	// FilesystemReadWrite exposes RootDir read-write.
	FilesystemReadWrite FilesystemPolicy = "rw"
)

// ResourceLimits bounds what a sandboxed command may consume. Zero values
// mean "no limit enforced by this field" except CPUTime, which always has
// an effective default applied by the backend. MaxFDs and MaxFileSize are
// carried in the Config but neither backend enforces them; Baseline enforces
// only CPUTime.
type ResourceLimits struct {
	MemoryMB    int // 0 = backend default
	CPUTime     int // seconds; 0 = backend default
	MaxProcs    int // 0 = unlimited (baseline) / backend default (container)
	MaxFDs      int // 0 = unlimited
	MaxFileSize int // bytes; 0 = unlimited
}

// Config describes one sandboxed invocation.
type Config struct {
	RootDir          string
	NetworkPolicy    NetworkPolicy
	FilesystemPolicy FilesystemPolicy
	Limits           ResourceLimits
}

// Result is what a Sandbox reports after a command finishes, is killed, or
// errors out before starting.
type Result struct {
	ExitCode   int
	Stdout     string
	Stderr     string
	DurationMS int64
	Killed     bool
	KillReason string
}

// Sandbox runs one command under the restrictions described by Config.
// Implementations: Baseline (portable, no privileged isolation) and
// Container (Docker/Podman via testcontainers-go).
type Sandbox interface {
	Execute(ctx context.Context, cfg Config, command string, args []string) (Result, error)
}
