package executor

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// PackageManager installs and removes host agents. Both calls try every
// name and return the names that succeeded together with the combined
// per-name errors.
type PackageManager interface {
	Install(ctx context.Context, names []string) ([]string, error)
	Uninstall(ctx context.Context, names []string) ([]string, error)
}

type PackagesOptions struct {
	InstallCommand   string
	UninstallCommand string
	ServicePrefix    string
	Logger           *zap.Logger
}

type Packages struct {
	spawner       Spawner
	systemd       *SystemdManager
	install       []string
	uninstall     []string
	servicePrefix string
	logger        *zap.Logger
}

func NewPackages(spawner Spawner, systemd *SystemdManager, opts PackagesOptions) *Packages {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Packages{
		spawner:       spawner,
		systemd:       systemd,
		install:       strings.Fields(opts.InstallCommand),
		uninstall:     strings.Fields(opts.UninstallCommand),
		servicePrefix: opts.ServicePrefix,
		logger:        logger,
	}
}

func (p *Packages) Install(ctx context.Context, names []string) ([]string, error) {
	var done []string
	var errs error
	for _, name := range names {
		if err := p.installOne(ctx, name); err != nil {
			p.logger.Warn("package_install_failed", zap.String("package", name), zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		p.logger.Info("package_install_ok", zap.String("package", name))
		done = append(done, name)
	}
	return done, errs
}

func (p *Packages) Uninstall(ctx context.Context, names []string) ([]string, error) {
	var done []string
	var errs error
	for _, name := range names {
		if err := p.uninstallOne(ctx, name); err != nil {
			p.logger.Warn("package_uninstall_failed", zap.String("package", name), zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		p.logger.Info("package_uninstall_ok", zap.String("package", name))
		done = append(done, name)
	}
	return done, errs
}

func (p *Packages) installOne(ctx context.Context, name string) error {
	if err := validatePackageName(name); err != nil {
		return err
	}
	if err := p.run(ctx, p.install, name); err != nil {
		return err
	}
	return p.systemd.EnableAndStart(ctx, p.servicePrefix+name)
}

func (p *Packages) uninstallOne(ctx context.Context, name string) error {
	if err := validatePackageName(name); err != nil {
		return err
	}
	if err := p.systemd.StopAndDisable(ctx, p.servicePrefix+name); err != nil {
		return err
	}
	return p.run(ctx, p.uninstall, name)
}

func (p *Packages) run(ctx context.Context, command []string, name string) error {
	if len(command) == 0 {
		return fmt.Errorf("no package command configured")
	}
	args := append(append([]string(nil), command[1:]...), name)
	_, err := p.spawner.Run(ctx, command[0], args...)
	return err
}

func validatePackageName(name string) error {
	if name == "" {
		return fmt.Errorf("package name cannot be empty")
	}
	if strings.HasPrefix(name, "-") || strings.ContainsAny(name, ";&|`$(){}[]<>\\\"' /") {
		return fmt.Errorf("invalid package name %q", name)
	}
	return nil
}
