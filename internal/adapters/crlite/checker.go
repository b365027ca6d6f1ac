// Package crlite classifies certificates with an external revocation
// checker. The command reads one PEM certificate on stdin and prints a single
// status word.
package crlite

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"tracker/internal/domain"
	"tracker/internal/ports"
)

var ErrNotConfigured = errors.New("crlite: no checker command configured")

type Checker struct {
	path    string
	args    []string
	timeout time.Duration
}

var _ ports.RevocationChecker = (*Checker)(nil)

// NewChecker builds a checker from a command line split on whitespace.
func NewChecker(command string) *Checker {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return &Checker{}
	}
	return NewCheckerArgs(fields[0], fields[1:]...)
}

func NewCheckerArgs(path string, args ...string) *Checker {
	return &Checker{path: path, args: args, timeout: 15 * time.Second}
}

// Check runs the command for pem. Output other than a known status is an
// error; callers must not treat it as a clean certificate.
func (c *Checker) Check(ctx context.Context, pem []byte) (domain.RevocationStatus, error) {
	if c.path == "" {
		return "", ErrNotConfigured
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.path, c.args...)
	cmd.Stdin = bytes.NewReader(pem)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("crlite: timed out after %s: %w", c.timeout, err)
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return "", fmt.Errorf("crlite: %w", err)
		}
		return "", fmt.Errorf("crlite: %w: %s", err, msg)
	}
	return ParseStatus(stdout.String())
}

// ParseStatus reads the first line of checker output.
func ParseStatus(out string) (domain.RevocationStatus, error) {
	line, _, _ := strings.Cut(strings.TrimSpace(out), "\n")
	switch s := domain.RevocationStatus(strings.TrimSpace(line)); s {
	case domain.RevocationGood, domain.RevocationExpired, domain.RevocationNotCovered,
		domain.RevocationNotEnrolled, domain.RevocationRevoked:
		return s, nil
	}
	return "", fmt.Errorf("crlite: unrecognised output %q", line)
}
