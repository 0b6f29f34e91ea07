// Package svc provides cross-platform system service support for beamdrop.
package svc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/kardianos/service"
	"github.com/rs/zerolog/log"
)

// RunFunc runs the receiver until ctx is cancelled.
type RunFunc func(ctx context.Context, configPath string) error

// Program implements service.Interface for the kardianos/service library.
type Program struct {
	ConfigPath string  // Path to configuration file
	RunServe   RunFunc // Function that runs the receiver

	ctx    context.Context
	cancel context.CancelFunc
	done   chan error
}

// Start is called when the service starts.
// It must not block - the actual work runs in a goroutine.
func (p *Program) Start(_ service.Service) error {
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.done = make(chan error, 1)

	go func() {
		if p.RunServe == nil {
			p.done <- fmt.Errorf("serve function not configured")
			return
		}
		p.done <- p.RunServe(p.ctx, p.ConfigPath)
	}()

	return nil
}

// Stop is called when the service stops.
// It signals the running goroutine to stop and waits for it.
func (p *Program) Stop(_ service.Service) error {
	if p.cancel != nil {
		p.cancel()
	}
	if p.done != nil {
		err := <-p.done
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	return nil
}

// ServiceConfig holds configuration for service installation.
type ServiceConfig struct {
	Name        string // Service name (e.g., "beamdrop")
	DisplayName string // Display name shown in service manager
	Description string // Service description
	ConfigPath  string // Path to configuration file
	UserName    string // User to run service as (Linux/macOS only)
}

// DefaultServiceName returns the default service name.
func DefaultServiceName() string {
	return "beamdrop"
}

// DefaultDisplayName returns a human-readable display name.
func DefaultDisplayName() string {
	return "BeamDrop Media Receiver"
}

// DefaultDescription returns the service description.
func DefaultDescription() string {
	return "BeamDrop resumable media upload receiver"
}

// DefaultConfigPath returns the default config file path based on platform.
func DefaultConfigPath() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "BeamDrop", "config.yaml")
	default: // linux, darwin
		return "/etc/beamdrop/config.yaml"
	}
}

// NewServiceConfig creates service.Config from our ServiceConfig.
func NewServiceConfig(cfg *ServiceConfig) *service.Config {
	args := []string{
		"--service-run",
		"serve",
		"--config", cfg.ConfigPath,
	}

	svcCfg := &service.Config{
		Name:        cfg.Name,
		DisplayName: cfg.DisplayName,
		Description: cfg.Description,
		Arguments:   args,
	}

	// Platform-specific options
	switch runtime.GOOS {
	case "linux":
		svcCfg.Dependencies = []string{"After=network-online.target", "Wants=network-online.target"}
		svcCfg.Option = service.KeyValue{
			"Restart":    "on-failure",
			"RestartSec": "5",
		}
		if cfg.UserName != "" {
			svcCfg.UserName = cfg.UserName
		}
	case "darwin":
		svcCfg.Option = service.KeyValue{
			"KeepAlive":     true,
			"RunAtLoad":     true,
			"SessionCreate": true,
		}
		if cfg.UserName != "" {
			svcCfg.UserName = cfg.UserName
		}
	case "windows":
		svcCfg.Option = service.KeyValue{
			"OnFailure":      "restart",
			"OnFailureDelay": "5s",
		}
	}

	return svcCfg
}

// CreateService creates a new service instance.
func CreateService(prg *Program, cfg *ServiceConfig) (service.Service, error) {
	return service.New(prg, NewServiceConfig(cfg))
}

// Install installs the service.
func Install(cfg *ServiceConfig, force bool) error {
	prg := &Program{ConfigPath: cfg.ConfigPath}
	svc, err := CreateService(prg, cfg)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}

	// Check if already installed
	status, err := svc.Status()
	if err == nil {
		switch status {
		case service.StatusRunning:
			if !force {
				return fmt.Errorf("service %q is running; stop it first or use --force", cfg.Name)
			}
			if err := svc.Stop(); err != nil {
				log.Warn().Err(err).Msg("failed to stop service")
			}
			if err := svc.Uninstall(); err != nil {
				log.Warn().Err(err).Msg("failed to uninstall service")
			}
		case service.StatusStopped:
			if !force {
				return fmt.Errorf("service %q already installed; use --force to reinstall", cfg.Name)
			}
			if err := svc.Uninstall(); err != nil {
				log.Warn().Err(err).Msg("failed to uninstall service")
			}
		}
	}

	if err := svc.Install(); err != nil {
		return fmt.Errorf("install service: %w", err)
	}

	return nil
}

// Uninstall removes the service.
func Uninstall(cfg *ServiceConfig) error {
	prg := &Program{ConfigPath: cfg.ConfigPath}
	svc, err := CreateService(prg, cfg)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}

	// Stop if running
	status, _ := svc.Status()
	if status == service.StatusRunning {
		if err := svc.Stop(); err != nil {
			log.Warn().Err(err).Msg("failed to stop service")
		}
	}

	if err := svc.Uninstall(); err != nil {
		return fmt.Errorf("uninstall service: %w", err)
	}

	return nil
}

// Start starts the service.
func Start(cfg *ServiceConfig) error {
	prg := &Program{ConfigPath: cfg.ConfigPath}
	svc, err := CreateService(prg, cfg)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}

	if err := svc.Start(); err != nil {
		return fmt.Errorf("start service: %w", err)
	}

	return nil
}

// Stop stops the service.
func Stop(cfg *ServiceConfig) error {
	prg := &Program{ConfigPath: cfg.ConfigPath}
	svc, err := CreateService(prg, cfg)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}

	if err := svc.Stop(); err != nil {
		return fmt.Errorf("stop service: %w", err)
	}

	return nil
}

// Restart restarts the service.
func Restart(cfg *ServiceConfig) error {
	prg := &Program{ConfigPath: cfg.ConfigPath}
	svc, err := CreateService(prg, cfg)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}

	if err := svc.Restart(); err != nil {
		return fmt.Errorf("restart service: %w", err)
	}

	return nil
}

// Status returns the service status.
func Status(cfg *ServiceConfig) (service.Status, error) {
	prg := &Program{ConfigPath: cfg.ConfigPath}
	svc, err := CreateService(prg, cfg)
	if err != nil {
		return service.StatusUnknown, fmt.Errorf("create service: %w", err)
	}

	return svc.Status()
}

// StatusString returns a human-readable status string.
func StatusString(status service.Status) string {
	switch status {
	case service.StatusRunning:
		return "running"
	case service.StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// IsServiceMode returns true if running as a service (--service-run flag is set).
func IsServiceMode(args []string) bool {
	for _, arg := range args {
		if arg == "--service-run" {
			return true
		}
	}
	return false
}

// Run runs the program under the service manager.
func Run(prg *Program, cfg *ServiceConfig) error {
	svc, err := CreateService(prg, cfg)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}
	return svc.Run()
}
