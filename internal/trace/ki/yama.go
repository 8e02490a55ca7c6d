//go:build linux

package ki

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// YamaScope mirrors the kernel's kernel.yama.ptrace_scope policy values.
type YamaScope int

const (
	// YamaUnknown means the sysctl could not be read (no Yama LSM
	// compiled in, or /proc/sys unreadable) — adapted from the
	// teacher's cgroup.Unsupported sentinel for "surface absent."
	YamaUnknown YamaScope = -1
	// YamaClassic allows tracing any process the caller could signal.
	YamaClassic YamaScope = 0
	// YamaRestricted allows tracing only direct children (or with
	// CAP_SYS_PTRACE), the default on most distributions.
	YamaRestricted YamaScope = 1
	// YamaAdminOnly requires CAP_SYS_PTRACE for any attach.
	YamaAdminOnly YamaScope = 2
	// YamaNoAttach disables ptrace attachment entirely.
	YamaNoAttach YamaScope = 3
)

func (s YamaScope) String() string {
	switch s {
	case YamaClassic:
		return "classic (0)"
	case YamaRestricted:
		return "restricted (1)"
	case YamaAdminOnly:
		return "admin-only (2)"
	case YamaNoAttach:
		return "no-attach (3)"
	default:
		return "unknown"
	}
}

// yamaScopePath is the sysctl file read by DetectYamaScope. A var so tests
// can point it at a fixture file instead of the real kernel surface.
var yamaScopePath = "/proc/sys/kernel/yama/ptrace_scope"

// DetectYamaScope reads the current Yama ptrace_scope policy, the same
// single-value /proc sysctl pattern the teacher's cgroup.Detect uses for
// /proc/self/mountinfo, generalized here from a multi-line scan to a
// single integer read.
func DetectYamaScope() (YamaScope, error) {
	b, err := os.ReadFile(yamaScopePath)
	if err != nil {
		return YamaUnknown, fmt.Errorf("ki: read yama scope: %w", err)
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return YamaUnknown, fmt.Errorf("ki: parse yama scope: %w", err)
	}
	switch v {
	case 0, 1, 2, 3:
		return YamaScope(v), nil
	default:
		return YamaUnknown, fmt.Errorf("ki: unrecognized yama scope value %d", v)
	}
}

// describeAttachRefusal enriches ErrAttachRefused with the Yama policy in
// effect, when readable, so the diagnostic names the actual permission
// model blocking the attach rather than a bare errno (spec.md §7's
// "surface diagnostic referencing the platform's permission model").
func describeAttachRefusal(cause error) error {
	scope, err := DetectYamaScope()
	if err != nil || scope == YamaClassic {
		return fmt.Errorf("%w: %v", ErrAttachRefused, cause)
	}
	return fmt.Errorf("%w: %v (kernel.yama.ptrace_scope=%s)", ErrAttachRefused, cause, scope)
}
