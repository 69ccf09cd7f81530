// pkg/service/service.go - control and inspection of the client's Windows service.

package service

import (
	"fmt"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/windowsadmins/ztsetup/pkg/logging"
	"github.com/yusufpapurcu/wmi"
	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/mgr"
)

// ClientServiceName is the service installed alongside the client.
const ClientServiceName = "ZeroTierOneService"

const startWaitTimeout = 15 * time.Second

// IsRunning reports whether the named service is in the running state.
func IsRunning(name string) (bool, error) {
	m, err := mgr.Connect()
	if err != nil {
		// Without service-manager access (e.g. a constrained token), fall
		// back to a process-table check so remediation still has a signal.
		return processRunning(name), fmt.Errorf("could not connect to service manager: %w", err)
	}
	defer m.Disconnect()

	s, err := m.OpenService(name)
	if err != nil {
		return false, fmt.Errorf("could not access service %s: %w", name, err)
	}
	defer s.Close()

	status, err := s.Query()
	if err != nil {
		return false, fmt.Errorf("could not retrieve service status: %w", err)
	}
	return status.State == svc.Running, nil
}

// Start starts the named service and waits until it reaches the running
// state or the wait budget is spent.
func Start(name string) error {
	m, err := mgr.Connect()
	if err != nil {
		return fmt.Errorf("could not connect to service manager: %w", err)
	}
	defer m.Disconnect()

	s, err := m.OpenService(name)
	if err != nil {
		return fmt.Errorf("could not access service %s: %w", name, err)
	}
	defer s.Close()

	if err := s.Start(); err != nil {
		return fmt.Errorf("could not start service %s: %w", name, err)
	}

	deadline := time.Now().Add(startWaitTimeout)
	for {
		status, err := s.Query()
		if err != nil {
			return fmt.Errorf("could not retrieve service status: %w", err)
		}
		if status.State == svc.Running {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timeout waiting for service %s to start", name)
		}
		time.Sleep(300 * time.Millisecond)
	}
}

// EnsureRunning starts the service if it is not already running. Used by the
// join loop as remediation between attempts.
func EnsureRunning(name string) error {
	running, err := IsRunning(name)
	if running {
		return nil
	}
	if err != nil {
		logging.Debug("Service state query degraded", "service", name, "error", err)
	}
	logging.Warn("Client service is not running, attempting start", "service", name)
	return Start(name)
}

// Win32_Service mirrors the WMI service class fields we query.
type Win32_Service struct {
	Name     string
	State    string
	PathName string
}

// ImagePath returns the executable path the named service runs, unquoted and
// stripped of arguments. This is the fallback source for the client CLI path
// when none of the well-known install locations exist.
func ImagePath(name string) (string, error) {
	var services []Win32_Service
	query := fmt.Sprintf("SELECT Name, State, PathName FROM Win32_Service WHERE Name = '%s'", name)
	if err := wmi.Query(query, &services); err != nil {
		return "", fmt.Errorf("WMI query for service %s failed: %w", name, err)
	}
	if len(services) == 0 {
		return "", fmt.Errorf("service %s not registered", name)
	}
	path := extractExecutable(services[0].PathName)
	if path == "" {
		return "", fmt.Errorf("service %s has no image path", name)
	}
	return path, nil
}

// extractExecutable pulls the executable out of a service image path, which
// may be quoted and may carry arguments.
func extractExecutable(imagePath string) string {
	imagePath = strings.TrimSpace(imagePath)
	if imagePath == "" {
		return ""
	}
	if strings.HasPrefix(imagePath, `"`) {
		if end := strings.Index(imagePath[1:], `"`); end >= 0 {
			return imagePath[1 : end+1]
		}
		return strings.Trim(imagePath, `"`)
	}
	// Unquoted: arguments begin at the first space after the extension. A
	// plain first-space split would truncate paths under "Program Files".
	lower := strings.ToLower(imagePath)
	if idx := strings.Index(lower, ".exe"); idx >= 0 {
		return imagePath[:idx+4]
	}
	if idx := strings.IndexByte(imagePath, ' '); idx >= 0 {
		return imagePath[:idx]
	}
	return imagePath
}

// processRunning checks the process table for the service binary. Best
// effort only; used when the service manager is unreachable.
func processRunning(serviceName string) bool {
	procs, err := process.Processes()
	if err != nil {
		logging.Debug("Failed to list processes", "error", err)
		return false
	}
	needle := strings.ToLower(serviceName)
	for _, proc := range procs {
		name, err := proc.Name()
		if err != nil {
			continue
		}
		base := strings.ToLower(strings.TrimSuffix(name, ".exe"))
		if strings.Contains(needle, base) || strings.HasPrefix(base, "zerotier-one") {
			return true
		}
	}
	return false
}
