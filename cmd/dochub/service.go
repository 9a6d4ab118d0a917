package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/dochub/dochub/internal/svc"
	"github.com/spf13/cobra"
)

var (
	serviceName  string
	serviceUser  string
	serviceEnv   []string
	forceInstall bool
	logsFollow   bool
	logsLines    int
)

func newServiceCmd() *cobra.Command {
	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the dochub system service",
		Long: `Install, control, and manage dochub as a system service.

Supported platforms:
  - Linux (systemd)
  - macOS (launchd)
  - Windows (Service Control Manager)

Examples:
  sudo dochub service install -c /etc/dochub/dochub.yaml --env DOCHUB_ADMIN_KEY=...
  sudo dochub service start
  sudo dochub service status
  sudo dochub service logs --follow`,
	}

	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Install dochub serve as a system service",
		Args:  cobra.NoArgs,
		RunE:  runServiceInstall,
	}
	installCmd.Flags().StringVar(&serviceUser, "user", "", "run the service as this user (Linux/macOS only)")
	installCmd.Flags().StringArrayVar(&serviceEnv, "env", nil, "KEY=VALUE passed to the service environment (repeatable)")
	installCmd.Flags().BoolVarP(&forceInstall, "force", "f", false, "reinstall if the service already exists")
	serviceCmd.AddCommand(installCmd)

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "uninstall",
		Short: "Remove the dochub system service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := svc.CheckPrivileges(); err != nil {
				return err
			}
			if err := svc.Uninstall(serviceConfig()); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Service %q uninstalled\n", serviceName)
			return nil
		},
	})

	for _, action := range []string{"start", "stop", "restart"} {
		serviceCmd.AddCommand(&cobra.Command{
			Use:   action,
			Short: strings.ToUpper(action[:1]) + action[1:] + " the dochub service",
			Args:  cobra.NoArgs,
			RunE: func(*cobra.Command, []string) error {
				if err := svc.CheckPrivileges(); err != nil {
					return err
				}
				return svc.Control(serviceConfig(), action)
			},
		})
	}

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show dochub service status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := serviceConfig()
			status, err := svc.Status(cfg)
			if err != nil {
				return fmt.Errorf("get status: %w", err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Service: %s\nStatus:  %s\n", cfg.Name, svc.StatusString(status))
			return nil
		},
	})

	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "View dochub service logs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return svc.ViewLogs(cmd.Context(), svc.LogOptions{
				ServiceName: serviceConfig().Name,
				Follow:      logsFollow,
				Lines:       logsLines,
			})
		},
	}
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "follow log output")
	logsCmd.Flags().IntVar(&logsLines, "lines", 50, "number of log lines to show")
	serviceCmd.AddCommand(logsCmd)

	serviceCmd.PersistentFlags().StringVarP(&serviceName, "name", "n", svc.DefaultName, "service name")
	return serviceCmd
}

// serviceConfig describes the service from the command line. --config names
// the file the installed service will read.
func serviceConfig() *svc.Config {
	configPath := cfgFile
	if configPath != "" {
		if abs, err := filepath.Abs(configPath); err == nil {
			configPath = abs
		}
	}
	return &svc.Config{Name: serviceName, ConfigPath: configPath, UserName: serviceUser}
}

// parseEnv turns KEY=VALUE pairs into a map.
func parseEnv(pairs []string) (map[string]string, error) {
	env := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --env %q (want KEY=VALUE)", pair)
		}
		env[key] = value
	}
	return env, nil
}

func runServiceInstall(cmd *cobra.Command, _ []string) error {
	if err := svc.CheckPrivileges(); err != nil {
		return err
	}
	env, err := parseEnv(serviceEnv)
	if err != nil {
		return err
	}

	cfg := serviceConfig()
	cfg.Env = env
	if err := svc.Install(cfg, forceInstall); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Service %q installed\n", cfg.Name)
	_, _ = fmt.Fprintf(out, "Start it with: sudo dochub service start --name %s\n", cfg.Name)
	return nil
}
