package provision

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/windowsadmins/ztsetup/pkg/config"
	"github.com/windowsadmins/ztsetup/pkg/detect"
	"github.com/windowsadmins/ztsetup/pkg/installer"
	"github.com/windowsadmins/ztsetup/pkg/join"
	"github.com/windowsadmins/ztsetup/pkg/netcfg"
	"github.com/windowsadmins/ztsetup/pkg/prompt"
	"github.com/windowsadmins/ztsetup/pkg/runner"
)

// fakeJoinRunner replays scripted join subprocess results for a real
// join.Loop wired into the orchestrator.
type fakeJoinRunner struct {
	responses []joinResponse
	calls     int
}

type joinResponse struct {
	output string
	err    error
}

func (f *fakeJoinRunner) Run(name string, args ...string) (int, string, error) {
	return 0, "", nil
}

func (f *fakeJoinRunner) RunWithTimeout(ctx context.Context, timeout time.Duration, name string, args ...string) (string, error) {
	if f.calls >= len(f.responses) {
		return "", errors.New("unexpected join call")
	}
	resp := f.responses[f.calls]
	f.calls++
	return resp.output, resp.err
}

// harness tracks which collaborators the orchestrator touched.
type harness struct {
	orch       *Orchestrator
	out        *bytes.Buffer
	downloads  int
	installs   int
	uninstalls int
	restarts   int
	joinRunner *fakeJoinRunner
}

func newHarness(t *testing.T, input string, joinResponses []joinResponse) *harness {
	t.Helper()
	out := &bytes.Buffer{}
	p := &prompt.Prompter{In: bufio.NewReader(strings.NewReader(input)), Out: out}
	cfg := config.Default()

	h := &harness{out: out, joinRunner: &fakeJoinRunner{responses: joinResponses}}
	newLoop := func(clientPath string) *join.Loop {
		return &join.Loop{
			Runner:      h.joinRunner,
			ClientPath:  clientPath,
			Prompt:      p,
			Timeout:     time.Second,
			SettleDelay: time.Millisecond,
		}
	}

	h.orch = &Orchestrator{
		Config: cfg,
		Prompt: p,
		Detect: func() (*detect.ProductInstallation, bool) { return nil, false },
		Uninstall: func(*detect.ProductInstallation) installer.Result {
			h.uninstalls++
			return installer.Result{Code: installer.Success}
		},
		Download:      func(url, dest string) error { h.downloads++; return nil },
		VerifyPayload: func(file, hash string) bool { return true },
		Install: func(msiPath string) installer.Result {
			h.installs++
			return installer.Result{Code: installer.Success}
		},
		ResolveClientPath: func() (string, bool) { return `C:\ProgramData\ZeroTier\One\zerotier-one_x64.exe`, true },
		JoinInteractive: func(ctx context.Context, clientPath string) (string, error) {
			return newLoop(clientPath).RunInteractive(ctx)
		},
		JoinUnattended: func(ctx context.Context, clientPath, networkID string, attempts int) (string, error) {
			return newLoop(clientPath).RunUnattended(ctx, networkID, attempts)
		},
		NodeID:            func(clientPath string) string { return "abcdef1234" },
		NetworkStatus:     func(clientPath, networkID string) (string, bool) { return "OK", true },
		ApplyIPForwarding: func() (netcfg.Status, bool) { return netcfg.StatusAlreadyEnabled, false },
		Restart:           func() error { h.restarts++; return nil },
	}
	return h
}

// Scenario A: fresh install, first input rejected, second joins, config applied.
func TestRunFreshInstallHappyPath(t *testing.T) {
	h := newHarness(t, "zzzz\n1234567890abcdef\nn\n", []joinResponse{
		{output: "200 join OK"},
	})
	h.orch.ApplyIPForwarding = func() (netcfg.Status, bool) { return netcfg.StatusApplied, true }

	code := h.orch.Run(context.Background())

	assert.Equal(t, 0, code)
	assert.Equal(t, 1, h.downloads)
	assert.Equal(t, 1, h.installs)
	assert.Zero(t, h.uninstalls)
	assert.Equal(t, 1, h.joinRunner.calls, "the rejected input never reaches the client")

	output := h.out.String()
	assert.Contains(t, output, `Invalid network ID "zzzz"`)
	assert.Contains(t, output, "Network ID:     1234567890abcdef")
	assert.Contains(t, output, "Node ID:        abcdef1234")
	assert.Contains(t, output, "IP forwarding:  applied")
	assert.Contains(t, output, "Reboot needed:  true")
	assert.Contains(t, output, "Remember to reboot")
	assert.Zero(t, h.restarts, "operator declined the restart")
}

// Scenario B: existing install kept, first join attempt times out, second joins.
func TestRunExistingInstallTimeoutThenJoin(t *testing.T) {
	h := newHarness(t, "n\n1234567890abcdef\n1234567890abcdef\n", []joinResponse{
		{err: runner.ErrTimeout},
		{output: "200 join OK"},
	})
	h.orch.Detect = func() (*detect.ProductInstallation, bool) {
		return &detect.ProductInstallation{
			DisplayName:    "ZeroTier One 1.12.2",
			DisplayVersion: "1.12.2",
			ProductCode:    "{5D4B7A8C-1234-5678-9ABC-9E1F23456789}",
		}, true
	}

	code := h.orch.Run(context.Background())

	assert.Equal(t, 0, code)
	assert.Zero(t, h.uninstalls, "declining reinstall must not uninstall")
	assert.Zero(t, h.installs)
	assert.Zero(t, h.downloads)
	assert.Equal(t, 2, h.joinRunner.calls)
	assert.Contains(t, h.out.String(), "Provisioning complete.")
}

// Scenario C: install fails with 1603; the run aborts before the join loop.
func TestRunInstallFailureAborts(t *testing.T) {
	h := newHarness(t, "\n", nil)
	h.orch.Install = func(msiPath string) installer.Result {
		return installer.Result{Code: installer.Failure, ExitCode: 1603, LogPath: `C:\logs\install.log`}
	}

	code := h.orch.Run(context.Background())

	assert.Equal(t, 1, code)
	assert.Zero(t, h.joinRunner.calls, "join loop must not be reached")
	output := h.out.String()
	assert.Contains(t, output, "1603")
	assert.Contains(t, output, `C:\logs\install.log`)
	assert.NotContains(t, output, "Provisioning complete.")
}

// Scenario D: post-join membership reads ACCESS_DENIED; distinguished notice,
// run still completes normally.
func TestRunAccessDeniedNotice(t *testing.T) {
	h := newHarness(t, "1234567890abcdef\n", []joinResponse{
		{output: "200 join OK"},
	})
	h.orch.NetworkStatus = func(clientPath, networkID string) (string, bool) {
		return "ACCESS_DENIED", true
	}

	code := h.orch.Run(context.Background())

	assert.Equal(t, 0, code)
	output := h.out.String()
	assert.Contains(t, output, "ACCESS_DENIED")
	assert.Contains(t, output, "Authorize this node")
}

func TestRunDownloadFailureIsFatal(t *testing.T) {
	h := newHarness(t, "\n", nil)
	h.orch.Download = func(url, dest string) error { return errors.New("connection refused") }

	code := h.orch.Run(context.Background())

	assert.Equal(t, 1, code)
	assert.Zero(t, h.installs)
	assert.Contains(t, h.out.String(), "Download failed")
}

func TestRunInstallSucceedsButClientPathMissing(t *testing.T) {
	h := newHarness(t, "\n", nil)
	h.orch.ResolveClientPath = func() (string, bool) { return "", false }

	code := h.orch.Run(context.Background())

	assert.Equal(t, 1, code)
	assert.Zero(t, h.joinRunner.calls)
	assert.Contains(t, h.out.String(), "could not be located")
}

func TestRunRebootAccepted(t *testing.T) {
	h := newHarness(t, "1234567890abcdef\ny\n", []joinResponse{
		{output: "200 join OK"},
	})
	h.orch.Install = func(msiPath string) installer.Result {
		h.installs++
		return installer.Result{Code: installer.SuccessRebootRequired, ExitCode: 3010}
	}

	code := h.orch.Run(context.Background())

	assert.Equal(t, 0, code)
	assert.Equal(t, 1, h.restarts)
	assert.Contains(t, h.out.String(), "Reboot needed:  true")
}

func TestRunUnattendedExhaustedIsFatal(t *testing.T) {
	h := newHarness(t, "", []joinResponse{
		{output: "500 join internal error"},
	})
	h.orch.Unattended = true
	h.orch.NetworkID = "1234567890abcdef"
	h.orch.Config.UnattendedAttempts = 1

	code := h.orch.Run(context.Background())

	assert.Equal(t, 1, code)
	assert.Contains(t, h.out.String(), "Network join did not complete")
}

func TestRunUnattendedKeepsExistingInstall(t *testing.T) {
	h := newHarness(t, "", []joinResponse{
		{output: "200 join OK"},
	})
	h.orch.Unattended = true
	h.orch.NetworkID = "1234567890abcdef"
	h.orch.Detect = func() (*detect.ProductInstallation, bool) {
		return &detect.ProductInstallation{
			DisplayName:     "ZeroTier One 1.12.2",
			DisplayVersion:  "1.12.2",
			UninstallString: "MsiExec.exe /I{B3B3A1F2-0000-0000-0000-000000000000}",
		}, true
	}

	code := h.orch.Run(context.Background())

	assert.Equal(t, 0, code)
	assert.Zero(t, h.uninstalls)
	assert.Zero(t, h.installs)
}

func TestRunFaultBarrierCatchesPanic(t *testing.T) {
	h := newHarness(t, "\n", nil)
	h.orch.Detect = func() (*detect.ProductInstallation, bool) { panic("registry exploded") }

	code := h.orch.Run(context.Background())

	assert.Equal(t, 1, code)
	output := h.out.String()
	assert.Contains(t, output, "CRASHED")
	assert.Contains(t, output, "Provisioning did not complete")
}

func TestStateRebootRequired(t *testing.T) {
	require.False(t, (&State{}).RebootRequired())
	assert.True(t, (&State{RebootRequiredByInstall: true}).RebootRequired())
	assert.True(t, (&State{RebootRequiredByConfig: true}).RebootRequired())
}
