// pkg/netcfg/netcfg.go - idempotent application of the IP forwarding
// registry setting.

package netcfg

import (
	"github.com/windowsadmins/ztsetup/pkg/logging"
	"golang.org/x/sys/windows/registry"
)

const (
	tcpipParametersKey = `SYSTEM\CurrentControlSet\Services\Tcpip\Parameters`
	ipEnableRouterName = "IPEnableRouter"
	ipForwardingOn     = uint32(1)
)

// Status is the outcome of one configuration application.
type Status int

const (
	StatusNotAttempted Status = iota
	StatusAlreadyEnabled
	StatusApplied
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusNotAttempted:
		return "not attempted"
	case StatusAlreadyEnabled:
		return "already enabled"
	case StatusApplied:
		return "applied"
	default:
		return "configuration failed"
	}
}

// ApplyIPForwarding enables host-level IP routing. Reading the current value
// first keeps the operation idempotent: an already-correct value means no
// write and no reboot flag. The returned bool reports whether a write
// happened, which is what raises the reboot-required-by-config flag.
//
// Failure here is degraded, not fatal; the rest of the run continues.
func ApplyIPForwarding() (Status, bool) {
	key, err := registry.OpenKey(registry.LOCAL_MACHINE, tcpipParametersKey, registry.QUERY_VALUE|registry.SET_VALUE)
	if err != nil {
		logging.Error("Unable to open Tcpip parameters key", "error", err)
		return StatusFailed, false
	}
	defer key.Close()

	current, _, readErr := key.GetIntegerValue(ipEnableRouterName)
	if !NeedsWrite(current, readErr == nil) {
		logging.Info("IP forwarding already enabled")
		return StatusAlreadyEnabled, false
	}

	if err := key.SetDWordValue(ipEnableRouterName, ipForwardingOn); err != nil {
		logging.Error("Failed to write IPEnableRouter", "error", err)
		return StatusFailed, false
	}
	logging.Info("IP forwarding enabled, reboot required for full effect")
	return StatusApplied, true
}

// NeedsWrite is the pure idempotence decision: write only when the value is
// absent or differs from the desired one.
func NeedsWrite(current uint64, exists bool) bool {
	return !exists || current != uint64(ipForwardingOn)
}
