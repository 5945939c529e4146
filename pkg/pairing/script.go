package pairing

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/pario-ai/ladder/pkg/audit"
	"github.com/pario-ai/ladder/pkg/config"
)

// Guard script exit codes.
const (
	ExitOK             = 0
	ExitStale          = 3
	ExitRemoteRequired = 4
)

// ScriptGuard runs an executable and classifies its exit code. A missing
// script is MISSING; unknown failures are STALE.
func ScriptGuard(path string) Guard {
	return func(ctx context.Context) (Status, string) {
		if path == "" {
			return StatusMissing, "no guard configured"
		}
		if _, err := os.Stat(path); err != nil {
			return StatusMissing, err.Error()
		}
		out, err := exec.CommandContext(ctx, path).CombinedOutput()
		detail := strings.TrimSpace(string(out))
		if err == nil {
			return StatusOK, detail
		}
		var ee *exec.ExitError
		switch {
		case errors.As(err, &ee) && ee.ExitCode() == ExitRemoteRequired:
			return StatusRemoteRequired, detail
		case errors.As(err, &ee):
			return StatusStale, fmt.Sprintf("guard exit %d: %s", ee.ExitCode(), detail)
		case errors.Is(err, fs.ErrNotExist), errors.Is(err, exec.ErrNotFound):
			return StatusMissing, err.Error()
		default:
			return StatusStale, err.Error()
		}
	}
}

// ScriptRefresher runs an executable; any non-zero exit is a failure.
func ScriptRefresher(path string) Refresher {
	if path == "" {
		return nil
	}
	return func(ctx context.Context) error {
		out, err := exec.CommandContext(ctx, path).CombinedOutput()
		if err != nil {
			return fmt.Errorf("refresh %s: %w: %s", path, err, strings.TrimSpace(string(out)))
		}
		return nil
	}
}

// FromConfig builds a script-backed Preflight.
func FromConfig(cfg config.PairingConfig, log zerolog.Logger, em audit.Emitter) *Preflight {
	return New(ScriptGuard(expand(cfg.Guard)), ScriptRefresher(expand(cfg.Refresh)), Options{
		Timeout:  cfg.Timeout,
		Cooldown: cfg.Cooldown,
		CorrTTL:  cfg.CorrTTL,
		MaxCorr:  cfg.MaxCorr,
		Log:      log,
		Audit:    em,
	})
}

func expand(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
