// Package forksrv implements the AFL-compatible fork-server harness: it
// spawns the instrumented target once, then drives it through repeated
// executions over a fixed control/status pipe pair and a shared coverage
// bitmap.
package forksrv

import (
	"fmt"
	"syscall"
)

// Kind classifies how a waited child terminated.
type Kind int

const (
	Normal Kind = iota
	Signaled
	Stopped
	Timeouted
)

func (k Kind) String() string {
	switch k {
	case Normal:
		return "Normal"
	case Signaled:
		return "Signaled"
	case Stopped:
		return "Stopped"
	case Timeouted:
		return "Timeouted"
	default:
		return "Unknown"
	}
}

// AsanExitCode is the process exit code asan-instrumented targets are
// configured to use on a detected memory error (see ASAN_OPTIONS in New).
const AsanExitCode = 223

// ExitReason is the classified result of one fork-server run: Normal(code),
// Signaled(sig), Stopped(sig), or Timeouted.
type ExitReason struct {
	Kind Kind
	Code int
}

func (e ExitReason) String() string {
	if e.Kind == Timeouted {
		return "Timeouted"
	}
	return fmt.Sprintf("%s(%d)", e.Kind, e.Code)
}

// IsCrash reports whether this exit reason should be treated as a crashing
// execution: either the asan sentinel exit code, or death by signal.
func (e ExitReason) IsCrash() bool {
	return (e.Kind == Normal && e.Code == AsanExitCode) || e.Kind == Signaled
}

// fromWaitStatus classifies a raw wait status word, the same encoding
// reported by waitpid(2) and mirrored byte-for-byte by the child over the
// status pipe.
func fromWaitStatus(status syscall.WaitStatus) (ExitReason, error) {
	switch {
	case status.Exited():
		return ExitReason{Kind: Normal, Code: status.ExitStatus()}, nil
	case status.Signaled():
		return ExitReason{Kind: Signaled, Code: int(status.Signal())}, nil
	case status.Stopped():
		return ExitReason{Kind: Stopped, Code: int(status.StopSignal())}, nil
	default:
		return ExitReason{}, fmt.Errorf("unknown wait status: %#x", uint32(status))
	}
}
