// Package svc runs dochub under the platform service manager (systemd,
// launchd or the Windows SCM).
package svc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"

	"github.com/kardianos/service"
	"github.com/rs/zerolog/log"
)

// RunFlag marks a process started by the service manager.
const RunFlag = "--service-run"

// DefaultName is the service name used when none is given.
const DefaultName = "dochub"

// RunFunc runs the server until ctx is canceled.
type RunFunc func(ctx context.Context, configPath string) error

// Program implements service.Interface around a RunFunc.
type Program struct {
	ConfigPath string
	Run        RunFunc

	cancel context.CancelFunc
	done   chan error
}

// Start launches Run in the background. It must not block.
func (p *Program) Start(service.Service) error {
	if p.Run == nil {
		return errors.New("run function not configured")
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan error, 1)

	go func() {
		p.done <- p.Run(ctx, p.ConfigPath)
	}()
	return nil
}

// Stop cancels Run and waits for it to return.
func (p *Program) Stop(service.Service) error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	if err := <-p.done; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Config describes the installed service.
type Config struct {
	Name       string
	ConfigPath string
	UserName   string            // Linux/macOS only
	Env        map[string]string // Secrets passed to the service without exposing them in argv
}

// DefaultConfigPath returns the platform config file location.
func DefaultConfigPath() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(os.Getenv("ProgramData"), "dochub", "dochub.yaml")
	}
	return "/etc/dochub/dochub.yaml"
}

func (c *Config) withDefaults() *Config {
	out := *c
	if out.Name == "" {
		out.Name = DefaultName
	}
	if out.ConfigPath == "" {
		out.ConfigPath = DefaultConfigPath()
	}
	return &out
}

// NewServiceConfig builds the kardianos service definition for goos.
func NewServiceConfig(cfg *Config, goos string) *service.Config {
	cfg = cfg.withDefaults()
	svcCfg := &service.Config{
		Name:        cfg.Name,
		DisplayName: "dochub file service",
		Description: "Container-partitioned file API with signed links and bulk zip retrieval",
		Arguments:   []string{RunFlag, "serve", "--config", cfg.ConfigPath},
		EnvVars:     cfg.Env,
	}

	switch goos {
	case "linux":
		svcCfg.Dependencies = []string{"After=network-online.target", "Wants=network-online.target"}
		svcCfg.Option = service.KeyValue{"Restart": "on-failure", "RestartSec": "5"}
		svcCfg.UserName = cfg.UserName
	case "darwin":
		svcCfg.Option = service.KeyValue{"KeepAlive": true, "RunAtLoad": true}
		svcCfg.UserName = cfg.UserName
	case "windows":
		svcCfg.Option = service.KeyValue{"OnFailure": "restart", "OnFailureDelay": "5s"}
	}
	return svcCfg
}

func newService(prg *Program, cfg *Config) (service.Service, error) {
	s, err := service.New(prg, NewServiceConfig(cfg, runtime.GOOS))
	if err != nil {
		return nil, fmt.Errorf("create service: %w", err)
	}
	return s, nil
}

// Install installs the service. An existing installation is replaced only
// when force is set.
func Install(cfg *Config, force bool) error {
	s, err := newService(&Program{}, cfg)
	if err != nil {
		return err
	}

	if status, err := s.Status(); err == nil && status != service.StatusUnknown {
		if !force {
			return fmt.Errorf("service %q already installed; use --force to reinstall", cfg.withDefaults().Name)
		}
		if status == service.StatusRunning {
			if err := s.Stop(); err != nil {
				log.Warn().Err(err).Msg("failed to stop service")
			}
		}
		if err := s.Uninstall(); err != nil {
			log.Warn().Err(err).Msg("failed to uninstall service")
		}
	}

	if err := s.Install(); err != nil {
		return fmt.Errorf("install service: %w", err)
	}
	return nil
}

// Uninstall stops the service if it is running and removes it.
func Uninstall(cfg *Config) error {
	s, err := newService(&Program{}, cfg)
	if err != nil {
		return err
	}
	if status, _ := s.Status(); status == service.StatusRunning {
		if err := s.Stop(); err != nil {
			log.Warn().Err(err).Msg("failed to stop service")
		}
	}
	if err := s.Uninstall(); err != nil {
		return fmt.Errorf("uninstall service: %w", err)
	}
	return nil
}

// Control runs start, stop or restart against the installed service.
func Control(cfg *Config, action string) error {
	if !slices.Contains([]string{"start", "stop", "restart"}, action) {
		return fmt.Errorf("unknown service action %q", action)
	}
	s, err := newService(&Program{}, cfg)
	if err != nil {
		return err
	}
	if err := service.Control(s, action); err != nil {
		return fmt.Errorf("%s service: %w", action, err)
	}
	return nil
}

// Status returns the service status.
func Status(cfg *Config) (service.Status, error) {
	s, err := newService(&Program{}, cfg)
	if err != nil {
		return service.StatusUnknown, err
	}
	return s.Status()
}

// StatusString returns a human-readable status.
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

// Run hands control to the service manager until it stops the program.
func Run(prg *Program, cfg *Config) error {
	s, err := newService(prg, cfg)
	if err != nil {
		return err
	}
	return s.Run()
}

// CheckPrivileges reports whether service management is likely to succeed.
// Windows is left to fail at install time with its own error.
func CheckPrivileges() error {
	if runtime.GOOS != "windows" && os.Geteuid() != 0 {
		return fmt.Errorf("root privileges required (use sudo)")
	}
	return nil
}

// IsServiceMode reports whether args carry RunFlag.
func IsServiceMode(args []string) bool {
	return slices.Contains(args, RunFlag)
}
