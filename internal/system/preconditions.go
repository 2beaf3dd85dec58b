package system

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/shirou/gopsutil/v3/host"
)

// Overridden in tests
var (
	geteuid  = os.Geteuid
	lookPath = exec.LookPath
)

// PreconditionError is returned when a required privilege or tool is missing
type PreconditionError struct {
	Requirement string
	Err         error
}

func (e *PreconditionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("precondition failed: %s: %v", e.Requirement, e.Err)
	}
	return fmt.Sprintf("precondition failed: %s", e.Requirement)
}

func (e *PreconditionError) Unwrap() error {
	return e.Err
}

// CheckPreconditions verifies root privileges (when required) and that every
// tool can be found in PATH
func CheckPreconditions(requireRoot bool, tools ...string) error {
	if requireRoot && geteuid() != 0 {
		return &PreconditionError{Requirement: "root privileges required"}
	}

	for _, tool := range tools {
		if tool == "" {
			continue
		}
		if _, err := lookPath(tool); err != nil {
			return &PreconditionError{Requirement: fmt.Sprintf("required tool %q not found", tool), Err: err}
		}
	}

	return nil
}

// HostFacts identifies the machine a run was executed on
type HostFacts struct {
	Hostname        string `json:"hostname"`
	Platform        string `json:"platform"`
	PlatformVersion string `json:"platform_version"`
	KernelVersion   string `json:"kernel_version"`
}

// CollectHostFacts gathers host identification. Lookup failures degrade to
// the hostname alone.
func CollectHostFacts(ctx context.Context) HostFacts {
	info, err := host.InfoWithContext(ctx)
	if err != nil || info == nil {
		name, _ := os.Hostname()
		return HostFacts{Hostname: name}
	}

	return HostFacts{
		Hostname:        info.Hostname,
		Platform:        info.Platform,
		PlatformVersion: info.PlatformVersion,
		KernelVersion:   info.KernelVersion,
	}
}
