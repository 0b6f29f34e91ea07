package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/beamdrop/beamdrop/internal/svc"
)

var (
	serviceConfigPath string
	serviceName       string
	serviceUser       string
	forceInstall      bool
	logsFollow        bool
	logsLines         int
)

func newServiceCmd() *cobra.Command {
	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the beamdrop system service",
		Long: `Install, control, and manage beamdrop as a system service.

Supported platforms:
  - Linux (systemd)
  - macOS (launchd)
  - Windows (Service Control Manager)

Examples:
  # Install and start the receiver at boot
  sudo beamdrop service install --config /etc/beamdrop/config.yaml
  sudo beamdrop service start

  # Check and follow it
  sudo beamdrop service status
  sudo beamdrop service logs --follow`,
	}

	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Install beamdrop as a system service",
		Long: `Install beamdrop as a system service that starts automatically at boot.

Requires administrator/root privileges.`,
		RunE: runServiceInstall,
	}
	installCmd.Flags().StringVarP(&serviceConfigPath, "config", "c", "", "Path to configuration file")
	installCmd.Flags().StringVarP(&serviceName, "name", "n", "", "Service name (default: beamdrop)")
	installCmd.Flags().StringVar(&serviceUser, "user", "", "Run service as this user (Linux/macOS only)")
	installCmd.Flags().BoolVarP(&forceInstall, "force", "f", false, "Force reinstall if service already exists")
	serviceCmd.AddCommand(installCmd)

	uninstallCmd := &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the beamdrop system service",
		RunE:  runServiceUninstall,
	}
	uninstallCmd.Flags().StringVarP(&serviceName, "name", "n", "", "Service name")
	serviceCmd.AddCommand(uninstallCmd)

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the beamdrop service",
		RunE: func(_ *cobra.Command, _ []string) error {
			return svc.Start(serviceConfig())
		},
	}
	startCmd.Flags().StringVarP(&serviceName, "name", "n", "", "Service name")
	serviceCmd.AddCommand(startCmd)

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the beamdrop service",
		RunE: func(_ *cobra.Command, _ []string) error {
			return svc.Stop(serviceConfig())
		},
	}
	stopCmd.Flags().StringVarP(&serviceName, "name", "n", "", "Service name")
	serviceCmd.AddCommand(stopCmd)

	restartCmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart the beamdrop service",
		RunE: func(_ *cobra.Command, _ []string) error {
			return svc.Restart(serviceConfig())
		},
	}
	restartCmd.Flags().StringVarP(&serviceName, "name", "n", "", "Service name")
	serviceCmd.AddCommand(restartCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the beamdrop service status",
		RunE: func(_ *cobra.Command, _ []string) error {
			status, err := svc.Status(serviceConfig())
			if err != nil {
				return err
			}
			fmt.Printf("service %s: %s\n", serviceConfig().Name, svc.StatusString(status))
			return nil
		},
	}
	statusCmd.Flags().StringVarP(&serviceName, "name", "n", "", "Service name")
	serviceCmd.AddCommand(statusCmd)

	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "View beamdrop service logs",
		RunE: func(_ *cobra.Command, _ []string) error {
			return svc.ViewLogs(svc.LogOptions{
				ServiceName: serviceConfig().Name,
				Follow:      logsFollow,
				Lines:       logsLines,
			})
		},
	}
	logsCmd.Flags().StringVarP(&serviceName, "name", "n", "", "Service name")
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "Follow log output")
	logsCmd.Flags().IntVar(&logsLines, "lines", 50, "Number of lines to show")
	serviceCmd.AddCommand(logsCmd)

	return serviceCmd
}

func serviceConfig() *svc.ServiceConfig {
	name := serviceName
	if name == "" {
		name = svc.DefaultServiceName()
	}
	configPath := serviceConfigPath
	if configPath == "" {
		configPath = svc.DefaultConfigPath()
	}
	return &svc.ServiceConfig{
		Name:        name,
		DisplayName: svc.DefaultDisplayName(),
		Description: svc.DefaultDescription(),
		ConfigPath:  configPath,
		UserName:    serviceUser,
	}
}

func runServiceInstall(_ *cobra.Command, _ []string) error {
	cfg := serviceConfig()
	if err := svc.Install(cfg, forceInstall); err != nil {
		return err
	}
	fmt.Printf("service %q installed\n", cfg.Name)
	fmt.Println("start it with: sudo beamdrop service start")
	return nil
}

func runServiceUninstall(_ *cobra.Command, _ []string) error {
	cfg := serviceConfig()
	if err := svc.Uninstall(cfg); err != nil {
		return err
	}
	fmt.Printf("service %q removed\n", cfg.Name)
	return nil
}

// runAsService runs the receiver under the service manager. Called when the
// process is started with --service-run.
func runAsService() {
	var configPath string
	for i, arg := range os.Args {
		if (arg == "--config" || arg == "-c") && i+1 < len(os.Args) {
			configPath = os.Args[i+1]
		}
	}
	if configPath == "" {
		configPath = svc.DefaultConfigPath()
	}

	log.Info().Str("config", configPath).Msg("starting as service")

	cfg := &svc.ServiceConfig{
		Name:        svc.DefaultServiceName(),
		DisplayName: svc.DefaultDisplayName(),
		Description: svc.DefaultDescription(),
		ConfigPath:  configPath,
	}
	prg := &svc.Program{
		ConfigPath: configPath,
		RunServe:   runServe,
	}

	if err := svc.Run(prg, cfg); err != nil {
		log.Fatal().Err(err).Msg("service error")
	}
}
