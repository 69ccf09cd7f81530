// pkg/prompt/prompt.go - blocking operator prompts.

package prompt

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// Prompter reads operator answers from In and writes prompts to Out. Both are
// injectable so provisioning scenarios can be driven from scripted input in
// tests.
type Prompter struct {
	In        *bufio.Reader
	Out       io.Writer
	AssumeYes bool // unattended mode: Confirm returns true without reading
}

// New returns a Prompter bound to stdin/stdout.
func New() *Prompter {
	return &Prompter{
		In:  bufio.NewReader(os.Stdin),
		Out: os.Stdout,
	}
}

// Ask prints the prompt and returns the operator's answer with surrounding
// whitespace trimmed. EOF yields an empty string.
func (p *Prompter) Ask(message string) string {
	fmt.Fprintf(p.Out, "%s ", message)
	line, err := p.In.ReadString('\n')
	if err != nil && line == "" {
		return ""
	}
	return strings.TrimSpace(line)
}

// Confirm asks a yes/no question. It accepts y, yes, n, no case-insensitively
// and re-prompts on anything else. EOF counts as no.
func (p *Prompter) Confirm(message string) bool {
	if p.AssumeYes {
		fmt.Fprintf(p.Out, "%s [y/n] y (assumed)\n", message)
		return true
	}
	for {
		answer := p.Ask(message + " [y/n]")
		yes, ok := parseYesNo(answer)
		if ok {
			return yes
		}
		if answer == "" && p.Closed() {
			return false
		}
		fmt.Fprintln(p.Out, "Please answer y or n.")
	}
}

// Closed reports whether In has no more input to read. Loops that re-prompt
// on a bad answer must check it: a closed input stream answers "" forever,
// and re-prompting on it would spin without ever blocking.
func (p *Prompter) Closed() bool {
	_, err := p.In.Peek(1)
	return err != nil
}

// Acknowledge blocks until the operator presses Enter, so a terminal message
// is not lost when the console closes with the process.
func (p *Prompter) Acknowledge(message string) {
	fmt.Fprintf(p.Out, "%s ", message)
	_, _ = p.In.ReadString('\n')
}

func parseYesNo(answer string) (yes bool, ok bool) {
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true, true
	case "n", "no":
		return false, true
	default:
		return false, false
	}
}
