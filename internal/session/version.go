package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/Checker-Finance/rysk-adapter/internal/command"
	"github.com/Checker-Finance/rysk-adapter/internal/procsock"
)

// MinAgentVersion is the oldest agent release speaking the current protocol.
const MinAgentVersion = "3.0.0"

const downloadURL = "https://github.com/rysk-finance/ryskV12-cli/releases/latest"

// ErrVersionTooLow is returned by CheckVersion for outdated or unversioned agents.
var ErrVersionTooLow = errors.New("agent version too low")

// CheckVersion runs `<cli> version` and compares the reported release against
// minVersion. It returns the reported version.
func (c *Client) CheckVersion(ctx context.Context, minVersion string) (string, error) {
	if minVersion == "" {
		minVersion = MinAgentVersion
	}

	var (
		mu     sync.Mutex
		stdout []string
		stderr []string
	)
	sock, err := c.Execute(ctx, command.VersionArgs(),
		procsock.WithListener(procsock.EventMessage, func(e procsock.Event) {
			mu.Lock()
			stdout = append(stdout, string(e.Data))
			mu.Unlock()
		}),
		procsock.WithListener(procsock.EventError, func(e procsock.Event) {
			mu.Lock()
			if e.Err != nil {
				stderr = append(stderr, e.Err.Error())
			}
			mu.Unlock()
		}),
	)
	if err != nil {
		return "", err
	}
	closed, err := sock.Wait(ctx)
	if err != nil {
		sock.Close(1001, "version check timed out")
		return "", fmt.Errorf("version check: %w", err)
	}
	if closed.Err != nil && sock.Pid() == 0 {
		return "", fmt.Errorf("version check: launch %s: %w", c.cliPath, closed.Err)
	}

	mu.Lock()
	out := strings.TrimSpace(strings.Join(stdout, "\n"))
	errOut := strings.Join(stderr, "\n")
	mu.Unlock()

	tooLow := func() error {
		c.logger.Warn("session.version_too_low",
			zap.String("cli", c.cliPath),
			zap.String("reported", out),
			zap.String("min", minVersion),
			zap.String("download", downloadURL),
		)
		return fmt.Errorf("%w: %s reports %q, need >= %s; download %s", ErrVersionTooLow, c.cliPath, out, minVersion, downloadURL)
	}

	if strings.Contains(errOut, "No help topic for 'version'") || out == "" {
		return out, tooLow()
	}
	have, ok := parseVersion(out)
	if !ok {
		return out, tooLow()
	}
	want, ok := parseVersion(minVersion)
	if !ok {
		return out, fmt.Errorf("invalid minimum version %q", minVersion)
	}
	if compareVersions(have, want) < 0 {
		return out, tooLow()
	}

	c.logger.Info("session.version_ok", zap.String("cli", c.cliPath), zap.String("version", out))
	return out, nil
}

// parseVersion extracts major.minor.patch from the first token that looks
// like a version ("3.1.0", "v3.1", "ryskV12 version 3.1.0-rc1").
func parseVersion(s string) ([3]int, bool) {
	var v [3]int
	for _, tok := range strings.Fields(s) {
		tok = strings.TrimPrefix(strings.ToLower(tok), "v")
		if tok == "" || tok[0] < '0' || tok[0] > '9' {
			continue
		}
		if i := strings.IndexAny(tok, "-+"); i >= 0 {
			tok = tok[:i]
		}
		parts := strings.Split(tok, ".")
		for i := 0; i < len(parts) && i < 3; i++ {
			n, err := strconv.Atoi(parts[i])
			if err != nil {
				return v, false
			}
			v[i] = n
		}
		return v, true
	}
	return v, false
}

func compareVersions(a, b [3]int) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// EnsureVersion runs CheckVersion. An outdated agent is only logged unless
// strict is set; launch failures and timeouts are always returned.
func (c *Client) EnsureVersion(ctx context.Context, minVersion string, strict bool) (string, error) {
	version, err := c.CheckVersion(ctx, minVersion)
	if errors.Is(err, ErrVersionTooLow) && !strict {
		return version, nil
	}
	return version, err
}
