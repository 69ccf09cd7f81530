// pkg/installer/installer.go - silent install and uninstall of the ZeroTier
// One MSI package, with exit-code classification.

package installer

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/windowsadmins/ztsetup/pkg/detect"
	"github.com/windowsadmins/ztsetup/pkg/logging"
	"github.com/windowsadmins/ztsetup/pkg/runner"
	"github.com/windowsadmins/ztsetup/pkg/service"
)

// MSI exit codes we classify specially. Everything else is a failure.
const (
	msiExitSuccess        = 0
	msiExitRebootRequired = 3010 // ERROR_SUCCESS_REBOOT_REQUIRED
)

var commandMsi = filepath.Join(os.Getenv("WINDIR"), "system32", "msiexec.exe")

// clientPathCandidates are probed in priority order after install; the first
// existing path wins.
var clientPathCandidates = []string{
	filepath.Join(os.Getenv("ProgramData"), "ZeroTier", "One", "zerotier-one_x64.exe"),
	filepath.Join(os.Getenv("ProgramData"), "ZeroTier", "One", "zerotier-one_x86.exe"),
}

// Code classifies the outcome of an install or uninstall transaction.
type Code int

const (
	Success Code = iota
	SuccessRebootRequired
	Failure
)

// Result carries the classified outcome plus the diagnostics an operator
// needs when it went wrong.
type Result struct {
	Code     Code
	ExitCode int
	LogPath  string
	Err      error
}

// Succeeded reports whether the transaction completed, reboot pending or not.
func (r Result) Succeeded() bool {
	return r.Code == Success || r.Code == SuccessRebootRequired
}

// ClassifyExitCode maps a package-manager exit code onto a transaction code.
// 0 and 3010 are the only success codes; 3010 is the one that requires a
// reboot for full effect.
func ClassifyExitCode(exitCode int) Code {
	switch exitCode {
	case msiExitSuccess:
		return Success
	case msiExitRebootRequired:
		return SuccessRebootRequired
	default:
		return Failure
	}
}

// Transactor performs install and uninstall transactions via msiexec.
type Transactor struct {
	Runner runner.Runner
	LogDir string
}

// NewTransactor returns a Transactor writing MSI verbose logs under logDir.
func NewTransactor(r runner.Runner, logDir string) *Transactor {
	return &Transactor{Runner: r, LogDir: logDir}
}

// Install runs the MSI in silent mode: no UI, service started after install,
// headless feature mode, auto-restart suppressed. Runs to completion with no
// timeout; msiexec is trusted to terminate.
func (t *Transactor) Install(msiPath string) Result {
	logPath := t.logPath("install")
	args := []string{
		"/i", msiPath,
		"/qn",
		"RUN_SERVICE=1",
		"START_SERVICE_AFTER_INSTALL=1",
		"ZTHEADLESS=Yes",
		"/norestart",
		"/L*V", logPath,
	}
	logging.Info("Installing MSI package", "payload", msiPath, "log", logPath)
	return t.run(commandMsi, args, logPath)
}

// Uninstall removes an existing installation using the best available
// strategy: remove-by-product-code when the detector found one, otherwise a
// silenced form of the vendor's own uninstall string.
func (t *Transactor) Uninstall(info *detect.ProductInstallation) Result {
	logPath := t.logPath("uninstall")
	strategy := chooseUninstallStrategy(info, logPath)
	name, args := strategy.command()

	logging.Info("Uninstalling existing installation",
		"name", info.DisplayName,
		"strategy", strategy.describe(),
		"log", logPath,
	)
	return t.run(name, args, logPath)
}

func (t *Transactor) run(name string, args []string, logPath string) Result {
	exitCode, output, err := t.Runner.Run(name, args...)
	if err != nil {
		logging.Error("Failed to launch package manager", "command", name, "error", err)
		return Result{Code: Failure, ExitCode: -1, LogPath: logPath, Err: err}
	}

	code := ClassifyExitCode(exitCode)
	switch code {
	case SuccessRebootRequired:
		logging.Info("Transaction succeeded, reboot required", "exit_code", exitCode)
	case Success:
		logging.Info("Transaction succeeded", "exit_code", exitCode)
	default:
		logging.Error("Transaction failed",
			"exit_code", exitCode,
			"log", logPath,
			"output", strings.TrimSpace(output),
		)
	}
	return Result{Code: code, ExitCode: exitCode, LogPath: logPath}
}

func (t *Transactor) logPath(action string) string {
	dir := t.LogDir
	if dir == "" {
		dir = os.TempDir()
	}
	_ = os.MkdirAll(dir, 0755)
	return filepath.Join(dir, fmt.Sprintf("zerotier-%s-%s.log", action, time.Now().Format("20060102-150405")))
}

// ResolveClientPath locates the client CLI executable: the well-known install
// locations first, then the path the installed service itself runs from. A
// successful MSI transaction without a resolvable client path still leaves
// the workflow unable to proceed, so callers treat absence as install failure.
func ResolveClientPath() (string, bool) {
	for _, candidate := range clientPathCandidates {
		if fileExists(candidate) {
			logging.Debug("Client CLI found", "path", candidate)
			return candidate, true
		}
	}

	path, err := service.ImagePath(service.ClientServiceName)
	if err != nil {
		logging.Warn("Could not derive client path from service", "error", err)
		return "", false
	}
	if !fileExists(path) {
		logging.Warn("Service image path does not exist on disk", "path", path)
		return "", false
	}
	logging.Debug("Client CLI derived from service image path", "path", path)
	return path, true
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// uninstallStrategy is the removal plan for one detected installation. The
// product-code form is the reliable one; the uninstall-string form forces
// silent flags onto a vendor command line and is best effort only.
type uninstallStrategy interface {
	command() (name string, args []string)
	describe() string
}

func chooseUninstallStrategy(info *detect.ProductInstallation, logPath string) uninstallStrategy {
	if info.ProductCode != "" {
		return productCodeStrategy{productCode: info.ProductCode, logPath: logPath}
	}
	return uninstallStringStrategy{raw: info.UninstallString, logPath: logPath}
}

// productCodeStrategy removes by MSI product code in silent mode.
type productCodeStrategy struct {
	productCode string
	logPath     string
}

func (s productCodeStrategy) command() (string, []string) {
	return commandMsi, []string{"/x", s.productCode, "/qn", "/norestart", "/L*V", s.logPath}
}

func (s productCodeStrategy) describe() string { return "msi product code" }

// uninstallStringStrategy parses the vendor's registered uninstall command
// and forces silent flags onto it. When the target is msiexec the forced
// flags are the standard silent set; for any other uninstaller the appended
// /S is a guess that common installer frameworks honor, NOT a guarantee of a
// silent run.
type uninstallStringStrategy struct {
	raw     string
	logPath string
}

func (s uninstallStringStrategy) command() (string, []string) {
	name, args := SplitCommandLine(s.raw)
	if strings.EqualFold(filepath.Base(name), "msiexec.exe") {
		for i, arg := range args {
			// Registered uninstall strings frequently say /I (either alone
			// or fused with the product code); removal needs /x.
			if strings.EqualFold(arg, "/i") {
				args[i] = "/x"
			} else if len(arg) > 2 && strings.EqualFold(arg[:2], "/i") && arg[2] == '{' {
				args[i] = "/x" + arg[2:]
			}
		}
		args = appendMissing(args, "/qn", "/norestart")
		args = append(args, "/L*V", s.logPath)
		return name, args
	}
	args = appendMissing(args, "/S")
	return name, args
}

func (s uninstallStringStrategy) describe() string { return "vendor uninstall string" }

func appendMissing(args []string, extra ...string) []string {
	for _, e := range extra {
		found := false
		for _, a := range args {
			if strings.EqualFold(a, e) {
				found = true
				break
			}
		}
		if !found {
			args = append(args, e)
		}
	}
	return args
}

// SplitCommandLine splits a registered command string into executable and
// arguments, honoring a quoted executable path.
func SplitCommandLine(commandLine string) (string, []string) {
	commandLine = strings.TrimSpace(commandLine)
	if commandLine == "" {
		return "", nil
	}
	if strings.HasPrefix(commandLine, `"`) {
		if end := strings.Index(commandLine[1:], `"`); end >= 0 {
			name := commandLine[1 : end+1]
			rest := strings.TrimSpace(commandLine[end+2:])
			return name, splitArgs(rest)
		}
		return strings.Trim(commandLine, `"`), nil
	}
	if idx := strings.IndexByte(commandLine, ' '); idx >= 0 {
		return commandLine[:idx], splitArgs(commandLine[idx+1:])
	}
	return commandLine, nil
}

// splitArgs tokenizes an argument tail, keeping double-quoted runs together
// so a quoted path with spaces stays one argument. The quotes themselves are
// stripped; the runner passes each argument as its own argv entry.
func splitArgs(rest string) []string {
	var args []string
	var current strings.Builder
	inQuote := false
	flush := func() {
		if current.Len() > 0 {
			args = append(args, current.String())
			current.Reset()
		}
	}
	for _, r := range rest {
		switch {
		case r == '"':
			inQuote = !inQuote
		case !inQuote && (r == ' ' || r == '\t'):
			flush()
		default:
			current.WriteRune(r)
		}
	}
	flush()
	return args
}
