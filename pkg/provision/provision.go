// pkg/provision/provision.go - the provisioning orchestrator: detect, replace
// or reuse the installed client, join the network, apply host configuration,
// report final state.

package provision

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/windowsadmins/ztsetup/pkg/config"
	"github.com/windowsadmins/ztsetup/pkg/detect"
	"github.com/windowsadmins/ztsetup/pkg/download"
	"github.com/windowsadmins/ztsetup/pkg/installer"
	"github.com/windowsadmins/ztsetup/pkg/join"
	"github.com/windowsadmins/ztsetup/pkg/logging"
	"github.com/windowsadmins/ztsetup/pkg/netcfg"
	"github.com/windowsadmins/ztsetup/pkg/prompt"
	"github.com/windowsadmins/ztsetup/pkg/retry"
	"github.com/windowsadmins/ztsetup/pkg/runner"
	"github.com/windowsadmins/ztsetup/pkg/service"
	"github.com/windowsadmins/ztsetup/pkg/ztcli"
)

// State is the single run's accumulated orchestration state. All mutation
// happens on the one control-flow goroutine; the final report reads it.
type State struct {
	ClientPath              string
	NetworkID               string
	NodeID                  string
	NetworkStatus           string
	ConfigStatus            netcfg.Status
	RebootRequiredByInstall bool
	RebootRequiredByConfig  bool
	Crashed                 bool
}

// RebootRequired reports whether any step raised a reboot flag.
func (s *State) RebootRequired() bool {
	return s.RebootRequiredByInstall || s.RebootRequiredByConfig
}

// Orchestrator sequences the provisioning workflow. Collaborators are
// function fields so end-to-end scenarios can run against stubs; New wires
// the real implementations.
type Orchestrator struct {
	Config *config.Configuration
	Prompt *prompt.Prompter

	Detect            func() (*detect.ProductInstallation, bool)
	Uninstall         func(*detect.ProductInstallation) installer.Result
	Download          func(url, dest string) error
	VerifyPayload     func(file, hash string) bool
	Install           func(msiPath string) installer.Result
	ResolveClientPath func() (string, bool)
	JoinInteractive   func(ctx context.Context, clientPath string) (string, error)
	JoinUnattended    func(ctx context.Context, clientPath, networkID string, attempts int) (string, error)
	NodeID            func(clientPath string) string
	NetworkStatus     func(clientPath, networkID string) (string, bool)
	ApplyIPForwarding func() (netcfg.Status, bool)
	Restart           func() error

	// Unattended mode: join NetworkID without prompting, bounded attempts.
	Unattended bool
	NetworkID  string
}

// New returns an Orchestrator wired to the real collaborators.
func New(cfg *config.Configuration, p *prompt.Prompter) *Orchestrator {
	execRunner := runner.ExecRunner{}
	transactor := installer.NewTransactor(execRunner, cfg.LogPath)

	newLoop := func(clientPath string) *join.Loop {
		return &join.Loop{
			Runner:      execRunner,
			ClientPath:  clientPath,
			Prompt:      p,
			Timeout:     cfg.JoinTimeout(),
			ServiceName: service.ClientServiceName,
			EnsureSvc:   service.EnsureRunning,
		}
	}

	return &Orchestrator{
		Config:            cfg,
		Prompt:            p,
		Detect:            detect.Detect,
		Uninstall:         transactor.Uninstall,
		Download:          download.File,
		VerifyPayload:     download.Verify,
		Install:           transactor.Install,
		ResolveClientPath: installer.ResolveClientPath,
		JoinInteractive: func(ctx context.Context, clientPath string) (string, error) {
			return newLoop(clientPath).RunInteractive(ctx)
		},
		JoinUnattended: func(ctx context.Context, clientPath, networkID string, attempts int) (string, error) {
			return newLoop(clientPath).RunUnattended(ctx, networkID, attempts)
		},
		NodeID: func(clientPath string) string {
			return ztcli.New(execRunner, clientPath).NodeID()
		},
		NetworkStatus: func(clientPath, networkID string) (string, bool) {
			return ztcli.New(execRunner, clientPath).NetworkStatus(networkID)
		},
		ApplyIPForwarding: netcfg.ApplyIPForwarding,
		Restart: func() error {
			_, _, err := execRunner.Run("shutdown", "/r", "/t", "5")
			return err
		},
	}
}

// Run executes the full provisioning sequence and returns the process exit
// code. A top-level fault barrier catches anything unexpected, marks the run
// crashed, and still routes through the finalization step so the operator
// always gets a terminal message.
func (o *Orchestrator) Run(ctx context.Context) (exitCode int) {
	state := &State{NodeID: ztcli.UnknownNodeID, ConfigStatus: netcfg.StatusNotAttempted}

	defer func() {
		if r := recover(); r != nil {
			state.Crashed = true
			logging.Error("Unexpected failure", "panic", fmt.Sprintf("%v", r))
			exitCode = 1
		}
		o.finish(state, exitCode == 0)
	}()

	if !o.setup(state) {
		return 1
	}
	if !o.joinNetwork(ctx, state) {
		return 1
	}

	// Order-independent: identity resolution and configuration apply do not
	// feed each other.
	state.NodeID = o.NodeID(state.ClientPath)
	state.ConfigStatus, state.RebootRequiredByConfig = o.ApplyIPForwarding()

	o.checkMembership(state)
	return 0
}

// setup ensures a usable client installation and records its CLI path.
// Returns false on a fatal setup failure.
func (o *Orchestrator) setup(state *State) bool {
	existing, found := o.Detect()
	if found {
		fmt.Fprintf(o.Prompt.Out, "Found %s %s already installed.\n", existing.DisplayName, existing.DisplayVersion)
		if o.Config.MinimumVersion != "" && detect.IsOlderVersion(existing.DisplayVersion, o.Config.MinimumVersion) {
			fmt.Fprintf(o.Prompt.Out, "Installed version %s is older than the supported minimum %s; reinstalling is recommended.\n",
				existing.DisplayVersion, o.Config.MinimumVersion)
		}

		// Unattended runs never replace a working installation; the
		// reinstall decision is the operator's.
		reinstall := !o.Unattended && o.Prompt.Confirm("Reinstall the client?")
		if !reinstall {
			path, ok := o.ResolveClientPath()
			if !ok {
				o.fatal("The installed client's executable could not be located; cannot continue without it.")
				return false
			}
			state.ClientPath = path
			return true
		}

		result := o.Uninstall(existing)
		if !result.Succeeded() {
			o.fatal(fmt.Sprintf("Uninstall failed (exit code %d). See log: %s", result.ExitCode, result.LogPath))
			return false
		}
		if result.Code == installer.SuccessRebootRequired {
			state.RebootRequiredByInstall = true
		}
	}

	return o.freshInstall(state)
}

// freshInstall downloads the payload and runs the silent install.
func (o *Orchestrator) freshInstall(state *State) bool {
	msiPath := filepath.Join(o.Config.CachePath, "ZeroTierOne.msi")

	fetch := func() error { return o.Download(o.Config.InstallerURL, msiPath) }
	var err error
	if o.Config.RetryDownloads {
		err = retry.Do(retry.Config{MaxAttempts: 3, InitialInterval: 2 * time.Second, Multiplier: 2.0}, fetch)
	} else {
		err = fetch()
	}
	if err != nil {
		o.fatal(fmt.Sprintf("Download failed: %v", err))
		return false
	}

	if o.Config.InstallerHash != "" && !o.VerifyPayload(msiPath, o.Config.InstallerHash) {
		o.fatal("Downloaded payload failed checksum verification.")
		return false
	}

	result := o.Install(msiPath)
	if !result.Succeeded() {
		o.fatal(fmt.Sprintf("Install failed (exit code %d). See log: %s", result.ExitCode, result.LogPath))
		return false
	}
	if result.Code == installer.SuccessRebootRequired {
		state.RebootRequiredByInstall = true
	}

	path, ok := o.ResolveClientPath()
	if !ok {
		// The package manager reported success, but without a client binary
		// on disk the workflow cannot proceed.
		o.fatal("Install completed but the client executable could not be located.")
		return false
	}
	state.ClientPath = path
	return true
}

func (o *Orchestrator) joinNetwork(ctx context.Context, state *State) bool {
	var networkID string
	var err error
	if o.Unattended {
		networkID, err = o.JoinUnattended(ctx, state.ClientPath, o.NetworkID, o.Config.UnattendedAttempts)
	} else {
		networkID, err = o.JoinInteractive(ctx, state.ClientPath)
	}
	if err != nil {
		o.fatal(fmt.Sprintf("Network join did not complete: %v", err))
		return false
	}
	state.NetworkID = networkID
	return true
}

// checkMembership re-queries the network list after a successful join and
// surfaces the pending-authorization state distinctly: it is an operator
// notice, not an error.
func (o *Orchestrator) checkMembership(state *State) {
	status, ok := o.NetworkStatus(state.ClientPath, state.NetworkID)
	if !ok {
		logging.Debug("Joined network not present in listnetworks output", "network", state.NetworkID)
		return
	}
	state.NetworkStatus = status
	if status == ztcli.StatusAccessDenied {
		fmt.Fprintf(o.Prompt.Out,
			"NOTE: the join succeeded but network %s reports ACCESS_DENIED.\n"+
				"Authorize this node on the network controller to complete membership.\n",
			state.NetworkID)
	}
}

func (o *Orchestrator) fatal(message string) {
	logging.Error(message)
	fmt.Fprintln(o.Prompt.Out, message)
	o.acknowledge("Press Enter to exit.")
}

// acknowledge blocks for the operator in interactive runs only; unattended
// runs have nobody at the console.
func (o *Orchestrator) acknowledge(message string) {
	if o.Unattended {
		return
	}
	o.Prompt.Acknowledge(message)
}

// finish prints the terminal report and, on a clean run, handles the reboot
// decision. It runs on every exit path, crash included.
func (o *Orchestrator) finish(state *State, completed bool) {
	o.printSummary(state)

	if state.Crashed {
		o.acknowledge("Provisioning did not complete. Press Enter to exit.")
		return
	}
	if !completed {
		return
	}

	if !state.RebootRequired() {
		fmt.Fprintln(o.Prompt.Out, "Provisioning complete.")
		return
	}
	if o.Unattended {
		fmt.Fprintln(o.Prompt.Out, "A reboot is required to complete provisioning; reboot this host at the next opportunity.")
		return
	}
	if o.Prompt.Confirm("A reboot is required to complete provisioning. Restart now?") {
		if err := o.Restart(); err != nil {
			logging.Error("Failed to trigger restart", "error", err)
			fmt.Fprintln(o.Prompt.Out, "Could not trigger the restart; please reboot manually.")
		}
		return
	}
	fmt.Fprintln(o.Prompt.Out, "Remember to reboot this host to complete provisioning.")
}

func (o *Orchestrator) printSummary(state *State) {
	out := o.Prompt.Out
	fmt.Fprintln(out)
	fmt.Fprintln(out, "=== Provisioning summary ===")
	fmt.Fprintf(out, "  Client path:    %s\n", orUnset(state.ClientPath))
	fmt.Fprintf(out, "  Network ID:     %s\n", orUnset(state.NetworkID))
	fmt.Fprintf(out, "  Node ID:        %s\n", state.NodeID)
	if state.NetworkStatus != "" {
		fmt.Fprintf(out, "  Network status: %s\n", state.NetworkStatus)
	}
	fmt.Fprintf(out, "  IP forwarding:  %s\n", state.ConfigStatus)
	fmt.Fprintf(out, "  Reboot needed:  %v\n", state.RebootRequired())
	if state.Crashed {
		fmt.Fprintln(out, "  Run state:      CRASHED")
	}
	if logPath := logging.LogFilePath(); logPath != "" {
		fmt.Fprintf(out, "  Run log:        %s\n", logPath)
	}
	fmt.Fprintln(out)
}

func orUnset(s string) string {
	if s == "" {
		return "(not set)"
	}
	return s
}
