package join

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

	"github.com/windowsadmins/ztsetup/pkg/prompt"
	"github.com/windowsadmins/ztsetup/pkg/runner"
)

// fakeRunner replays a scripted sequence of join responses.
type fakeRunner struct {
	responses []fakeResponse
	calls     int
	lastArgs  []string
}

type fakeResponse struct {
	output string
	err    error
}

func (f *fakeRunner) Run(name string, args ...string) (int, string, error) {
	return 0, "", nil
}

func (f *fakeRunner) RunWithTimeout(ctx context.Context, timeout time.Duration, name string, args ...string) (string, error) {
	f.lastArgs = args
	if f.calls >= len(f.responses) {
		return "", errors.New("unexpected call")
	}
	resp := f.responses[f.calls]
	f.calls++
	return resp.output, resp.err
}

func newTestPrompter(input string) (*prompt.Prompter, *bytes.Buffer) {
	out := &bytes.Buffer{}
	return &prompt.Prompter{
		In:  bufio.NewReader(strings.NewReader(input)),
		Out: out,
	}, out
}

func TestValidateNetworkID(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
		ok    bool
	}{
		{"valid lowercase", "1a2b3c4d5e6f7788", "1a2b3c4d5e6f7788", true},
		{"valid uppercase", "1A2B3C4D5E6F7788", "1a2b3c4d5e6f7788", true},
		{"surrounding whitespace", " 1a2b3c4d5e6f7788 ", "1a2b3c4d5e6f7788", true},
		{"fifteen chars", "1a2b3c4d5e6f778", "", false},
		{"seventeen chars", "1a2b3c4d5e6f77889", "", false},
		{"non-hex", "zzzzzzzzzzzzzzzz", "", false},
		{"empty", "", "", false},
		{"whitespace only", "   ", "", false},
		{"internal whitespace", "1a2b 3c4d5e6f7788", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ValidateNetworkID(tt.input)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   Outcome
	}{
		{"success token alone", "200 join OK", OutcomeJoined},
		{"success token amid noise", "warning: something\n200 join OK\ntrailing", OutcomeJoined},
		{"invalid network id", "400 join invalid network id", OutcomeInvalidID},
		{"denied", "403 join unauthorized", OutcomeDenied},
		{"unknown", "500 join internal error", OutcomeUnknown},
		{"empty", "", OutcomeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.output))
		})
	}
}

func TestClassifyIsIdempotent(t *testing.T) {
	outputs := []string{"200 join OK", "400 join invalid network id", "garbage", ""}
	for _, output := range outputs {
		assert.Equal(t, Classify(output), Classify(output))
	}
}

func TestAttemptTimeoutYieldsTimedOut(t *testing.T) {
	fr := &fakeRunner{responses: []fakeResponse{
		{err: runner.ErrTimeout},
	}}
	l := &Loop{Runner: fr, ClientPath: "zt.exe", Timeout: time.Second}

	result := l.attempt(context.Background(), "1234567890abcdef")
	assert.Equal(t, OutcomeTimedOut, result.Outcome)
	assert.Empty(t, result.RawOutput, "no partial output is trusted after forced termination")
}

func TestRunInteractiveRejectsThenJoins(t *testing.T) {
	fr := &fakeRunner{responses: []fakeResponse{
		{output: "200 join OK"},
	}}
	p, out := newTestPrompter("zzzz\n1234567890ABCDEF\n")
	l := &Loop{Runner: fr, ClientPath: "zt.exe", Prompt: p, Timeout: time.Second}

	networkID, err := l.RunInteractive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1234567890abcdef", networkID)
	assert.Equal(t, 1, fr.calls, "the rejected input must not reach the client")
	assert.Contains(t, out.String(), `Invalid network ID "zzzz"`)
	assert.Equal(t, []string{"-q", "join", "1234567890abcdef"}, fr.lastArgs)
}

func TestRunInteractiveStopsWhenInputCloses(t *testing.T) {
	fr := &fakeRunner{}
	p, out := newTestPrompter("zzzz\n")
	l := &Loop{Runner: fr, ClientPath: "zt.exe", Prompt: p, Timeout: time.Second}

	_, err := l.RunInteractive(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "input closed")
	assert.Zero(t, fr.calls, "no join attempt runs without a valid ID")
	assert.Equal(t, 1, strings.Count(out.String(), "Invalid network ID"),
		"a closed stream must end the loop, not re-prompt forever")
}

func TestRunInteractiveRetriesAfterTimeout(t *testing.T) {
	fr := &fakeRunner{responses: []fakeResponse{
		{err: runner.ErrTimeout},
		{output: "200 join OK"},
	}}
	var ensured []string
	p, _ := newTestPrompter("1234567890abcdef\n1234567890abcdef\n")
	l := &Loop{
		Runner:      fr,
		ClientPath:  "zt.exe",
		Prompt:      p,
		Timeout:     time.Second,
		ServiceName: "ZeroTierOneService",
		EnsureSvc: func(name string) error {
			ensured = append(ensured, name)
			return nil
		},
		SettleDelay: time.Millisecond,
	}

	networkID, err := l.RunInteractive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1234567890abcdef", networkID)
	assert.Equal(t, 2, fr.calls)
	assert.Equal(t, []string{"ZeroTierOneService"}, ensured, "remediation runs once, after the failed attempt")
}

func TestRunUnattendedJoins(t *testing.T) {
	fr := &fakeRunner{responses: []fakeResponse{
		{output: "200 join OK"},
	}}
	p, _ := newTestPrompter("")
	l := &Loop{Runner: fr, ClientPath: "zt.exe", Prompt: p, Timeout: time.Second}

	networkID, err := l.RunUnattended(context.Background(), " 1234567890ABCDEF ", 3)
	require.NoError(t, err)
	assert.Equal(t, "1234567890abcdef", networkID)
}

func TestRunUnattendedExhausted(t *testing.T) {
	fr := &fakeRunner{responses: []fakeResponse{
		{output: "500 join internal error"},
	}}
	p, _ := newTestPrompter("")
	l := &Loop{Runner: fr, ClientPath: "zt.exe", Prompt: p, Timeout: time.Second, SettleDelay: time.Millisecond}

	_, err := l.RunUnattended(context.Background(), "1234567890abcdef", 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestRunUnattendedRejectsBadID(t *testing.T) {
	fr := &fakeRunner{}
	p, _ := newTestPrompter("")
	l := &Loop{Runner: fr, ClientPath: "zt.exe", Prompt: p}

	_, err := l.RunUnattended(context.Background(), "not-a-network", 3)
	require.Error(t, err)
	assert.Zero(t, fr.calls)
}
