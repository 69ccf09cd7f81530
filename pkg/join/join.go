// pkg/join/join.go - the network-join loop: prompt, validate, drive the
// client's join subcommand under a deadline, classify, repeat until joined.

package join

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/windowsadmins/ztsetup/pkg/logging"
	"github.com/windowsadmins/ztsetup/pkg/prompt"
	"github.com/windowsadmins/ztsetup/pkg/retry"
	"github.com/windowsadmins/ztsetup/pkg/runner"
)

// successToken is the literal the client prints somewhere in its combined
// output when a join request was accepted.
const successToken = "200 join OK"

// DefaultTimeout is the hard deadline on one join subprocess. The client can
// hang on network I/O with no internal timeout, so the loop owns the clock.
const DefaultTimeout = 30 * time.Second

// settleAfterServiceStart is the pause after remediation before re-prompting.
const settleAfterServiceStart = 2 * time.Second

var networkIDPattern = regexp.MustCompile(`^[0-9a-fA-F]{16}$`)

// Outcome classifies one join attempt.
type Outcome int

const (
	OutcomeJoined Outcome = iota
	OutcomeInvalidID
	OutcomeDenied
	OutcomeUnknown
	OutcomeTimedOut
)

func (o Outcome) String() string {
	switch o {
	case OutcomeJoined:
		return "Joined"
	case OutcomeInvalidID:
		return "InvalidId"
	case OutcomeDenied:
		return "Denied"
	case OutcomeTimedOut:
		return "TimedOut"
	default:
		return "Unknown"
	}
}

// Result is one attempt's raw output plus its classification. Consumed
// immediately; never retained across attempts.
type Result struct {
	RawOutput string
	Outcome   Outcome
}

// ErrExhausted is returned by RunUnattended when the attempt budget is spent
// without a successful join.
var ErrExhausted = errors.New("join attempts exhausted")

// ValidateNetworkID trims the input and accepts exactly 16 hexadecimal
// characters, case-insensitive. The canonical lowercase form is returned.
func ValidateNetworkID(raw string) (string, bool) {
	trimmed := strings.TrimSpace(raw)
	if !networkIDPattern.MatchString(trimmed) {
		return "", false
	}
	return strings.ToLower(trimmed), true
}

// Classify maps raw join output onto an outcome. Pure and idempotent: the
// same output always classifies the same way, and the success token wins
// regardless of surrounding noise.
func Classify(rawOutput string) Outcome {
	if strings.Contains(rawOutput, successToken) {
		return OutcomeJoined
	}
	lower := strings.ToLower(rawOutput)
	if strings.Contains(lower, "invalid network id") {
		return OutcomeInvalidID
	}
	if strings.Contains(lower, "403") || strings.Contains(lower, "unauthorized") {
		return OutcomeDenied
	}
	return OutcomeUnknown
}

// ServiceChecker is the remediation hook: make sure the client's background
// service is up before the next attempt.
type ServiceChecker func(name string) error

// Loop drives join attempts until success (interactive) or until an attempt
// budget is spent (unattended).
type Loop struct {
	Runner      runner.Runner
	ClientPath  string
	Prompt      *prompt.Prompter
	Timeout     time.Duration
	ServiceName string
	EnsureSvc   ServiceChecker
	SettleDelay time.Duration
}

// RunInteractive prompts for a network identifier and attempts joins until
// one succeeds. There is deliberately no attempt cap and no backoff: the
// operator terminates the loop by supplying a valid identifier or by killing
// the process. A closed input stream ends the loop with an error, since no
// valid identifier can ever arrive on it.
func (l *Loop) RunInteractive(ctx context.Context) (string, error) {
	for {
		raw := l.Prompt.Ask("Enter the 16-character network ID to join:")
		networkID, ok := ValidateNetworkID(raw)
		if !ok {
			if raw == "" && l.Prompt.Closed() {
				return "", errors.New("input closed before a valid network ID was entered")
			}
			fmt.Fprintf(l.Prompt.Out, "Invalid network ID %q (trimmed: %q): expected exactly 16 hexadecimal characters.\n",
				raw, strings.TrimSpace(raw))
			continue
		}

		result := l.attempt(ctx, networkID)
		if result.Outcome == OutcomeJoined {
			logging.Info("Joined network", "network", networkID)
			return networkID, nil
		}
		l.report(networkID, result)
		l.remediate(result)
	}
}

// RunUnattended attempts to join a pre-supplied network identifier a bounded
// number of times with exponential backoff, ending in ErrExhausted when none
// succeeds.
func (l *Loop) RunUnattended(ctx context.Context, rawID string, attempts int) (string, error) {
	networkID, ok := ValidateNetworkID(rawID)
	if !ok {
		return "", fmt.Errorf("invalid network ID %q: expected exactly 16 hexadecimal characters", rawID)
	}

	err := retry.Do(retry.Config{
		MaxAttempts:     attempts,
		InitialInterval: 5 * time.Second,
		Multiplier:      2.0,
	}, func() error {
		result := l.attempt(ctx, networkID)
		if result.Outcome == OutcomeJoined {
			return nil
		}
		l.report(networkID, result)
		l.remediate(result)
		return fmt.Errorf("join attempt classified as %s", result.Outcome)
	})
	if err != nil {
		return "", fmt.Errorf("%w for network %s: %v", ErrExhausted, networkID, err)
	}
	logging.Info("Joined network", "network", networkID)
	return networkID, nil
}

// attempt launches one join subprocess under the deadline and classifies the
// result. The subprocess context is released on every path before return.
func (l *Loop) attempt(ctx context.Context, networkID string) Result {
	timeout := l.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	logging.Info("Attempting network join", "network", networkID, "timeout", timeout.String())
	output, err := l.Runner.RunWithTimeout(ctx, timeout, l.ClientPath, "-q", "join", networkID)
	if err != nil {
		if errors.Is(err, runner.ErrTimeout) {
			// No partial output is trusted after a forced termination.
			return Result{Outcome: OutcomeTimedOut}
		}
		return Result{RawOutput: err.Error(), Outcome: OutcomeUnknown}
	}
	return Result{RawOutput: output, Outcome: Classify(output)}
}

func (l *Loop) report(networkID string, result Result) {
	switch result.Outcome {
	case OutcomeTimedOut:
		logging.Warn("Join attempt timed out, client process terminated", "network", networkID)
	case OutcomeInvalidID:
		logging.Warn("Client rejected the network ID as invalid", "network", networkID)
	case OutcomeDenied:
		logging.Warn("Join request was denied", "network", networkID)
	default:
		logging.Warn("Join attempt failed",
			"network", networkID,
			"response", strings.TrimSpace(result.RawOutput),
		)
	}
}

// remediate checks the client service between failed attempts; a stopped
// service explains most non-Joined responses.
func (l *Loop) remediate(result Result) {
	if result.Outcome == OutcomeJoined || l.EnsureSvc == nil {
		return
	}
	if err := l.EnsureSvc(l.ServiceName); err != nil {
		logging.Warn("Could not ensure client service is running", "service", l.ServiceName, "error", err)
		return
	}
	delay := l.SettleDelay
	if delay <= 0 {
		delay = settleAfterServiceStart
	}
	time.Sleep(delay)
}
