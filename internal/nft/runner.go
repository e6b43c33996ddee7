// Package nft owns the xctf packet-filter table: the sandbox_access chains,
// the sandbox_port_to_ip verdict map and the static/sandbox port sets. All
// structural mutation of that shared kernel state is serialized through
// RuleSetManager.
package nft

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Runner executes one nft command given as argument tokens and returns its
// stdout. Implementations must return an error whose message includes the
// nft diagnostic so callers can classify "not found" outcomes.
type Runner interface {
	Run(ctx context.Context, args ...string) (string, error)
}

// ExecRunner drives the nft binary, optionally through sudo, with a
// per-invocation timeout.
type ExecRunner struct {
	Bin     string
	Sudo    bool
	Timeout time.Duration
}

func NewExecRunner(bin string, sudo bool, timeout time.Duration) *ExecRunner {
	if bin == "" {
		bin = "nft"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ExecRunner{Bin: bin, Sudo: sudo, Timeout: timeout}
}

func (r *ExecRunner) Run(ctx context.Context, args ...string) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	name := r.Bin
	cmdArgs := args
	if r.Sudo {
		name = "sudo"
		cmdArgs = append([]string{r.Bin}, args...)
	}

	cmd := exec.CommandContext(runCtx, name, cmdArgs...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("nft %s: timed out after %s", strings.Join(args, " "), r.Timeout)
		}
		return "", fmt.Errorf("nft %s: %s", strings.Join(args, " "), firstLine(string(out), err))
	}
	return strings.TrimSpace(string(out)), nil
}

func firstLine(out string, err error) string {
	out = strings.TrimSpace(out)
	if out == "" {
		return err.Error()
	}
	if i := strings.IndexByte(out, '\n'); i >= 0 {
		out = out[:i]
	}
	return out
}

// isNotFound classifies the nft diagnostics emitted when a deletion target
// is already gone. Those outcomes are success on every delete path.
func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found") ||
		strings.Contains(msg, "does not exist") ||
		strings.Contains(msg, "no such file or directory")
}
