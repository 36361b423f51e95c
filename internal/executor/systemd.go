package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

type SystemdManager struct {
	spawner Spawner
}

func NewSystemdManager(spawner Spawner) *SystemdManager {
	return &SystemdManager{spawner: spawner}
}

func (s *SystemdManager) EnableAndStart(ctx context.Context, unit string) error {
	if err := validateUnitName(unit); err != nil {
		return err
	}
	if err := s.DaemonReload(ctx); err != nil {
		return fmt.Errorf("daemon-reload failed: %w", err)
	}
	if err := s.systemctl(ctx, "enable", unit); err != nil {
		return fmt.Errorf("enable failed: %w", err)
	}
	if err := s.systemctl(ctx, "start", unit); err != nil {
		return fmt.Errorf("start failed: %w", err)
	}
	return nil
}

// StopAndDisable treats an absent unit as already stopped.
func (s *SystemdManager) StopAndDisable(ctx context.Context, unit string) error {
	if err := validateUnitName(unit); err != nil {
		return err
	}
	if err := s.systemctl(ctx, "stop", unit); err != nil && !unitMissing(err) {
		return fmt.Errorf("stop failed: %w", err)
	}
	if err := s.systemctl(ctx, "disable", unit); err != nil && !unitMissing(err) {
		return fmt.Errorf("disable failed: %w", err)
	}
	return nil
}

func (s *SystemdManager) Restart(ctx context.Context, unit string) error {
	if err := validateUnitName(unit); err != nil {
		return err
	}
	return s.systemctl(ctx, "restart", unit)
}

func (s *SystemdManager) IsActive(ctx context.Context, unit string) (bool, error) {
	if err := validateUnitName(unit); err != nil {
		return false, err
	}
	_, err := s.spawner.Run(ctx, "systemctl", "is-active", "--quiet", unit)
	if err == nil {
		return true, nil
	}
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) && cmdErr.ExitCode > 0 {
		// non-zero exit just means inactive
		return false, nil
	}
	return false, err
}

func (s *SystemdManager) DaemonReload(ctx context.Context) error {
	_, err := s.spawner.Run(ctx, "systemctl", "daemon-reload")
	return err
}

func (s *SystemdManager) systemctl(ctx context.Context, action, unit string) error {
	_, err := s.spawner.Run(ctx, "systemctl", action, unit)
	return err
}

func unitMissing(err error) bool {
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		return false
	}
	msg := strings.ToLower(cmdErr.Stderr)
	return strings.Contains(msg, "not loaded") || strings.Contains(msg, "does not exist") || strings.Contains(msg, "not found")
}

func validateUnitName(name string) error {
	if name == "" {
		return fmt.Errorf("service name cannot be empty")
	}
	if strings.ContainsAny(name, ";&|`$(){}[]<>\\\"' ") {
		return fmt.Errorf("invalid characters in service name %q", name)
	}
	if strings.Contains(name, "/") {
		return fmt.Errorf("service name cannot contain path separators")
	}
	return nil
}
