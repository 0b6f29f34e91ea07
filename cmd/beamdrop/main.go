// beamdrop is the on-device resumable media upload receiver.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/beamdrop/beamdrop/internal/auth"
	"github.com/beamdrop/beamdrop/internal/config"
	"github.com/beamdrop/beamdrop/internal/event"
	"github.com/beamdrop/beamdrop/internal/logging/audit"
	"github.com/beamdrop/beamdrop/internal/server"
	"github.com/beamdrop/beamdrop/internal/session"
	"github.com/beamdrop/beamdrop/internal/storage"
	"github.com/beamdrop/beamdrop/internal/svc"
	"github.com/beamdrop/beamdrop/internal/upload"
	"github.com/beamdrop/beamdrop/pkg/proto"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string
	pinFlag  string
	portFlag int
)

func main() {
	// Invoked by the service manager rather than a user.
	if svc.IsServiceMode(os.Args) {
		runAsService()
		return
	}

	rootCmd := &cobra.Command{
		Use:   "beamdrop",
		Short: "BeamDrop - resumable media upload receiver",
		Long: `BeamDrop receives large media files from phones and laptops on the
local network. Interrupted transfers resume exactly where they stopped,
even across receiver restarts.

QUICK START:

  # Write a starter config:
  beamdrop init

  # Start receiving:
  beamdrop serve

  # Pair a sender by scanning the QR code at:
  #   http://<device-ip>:<port>/api/v1/qr`,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "path to config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the upload receiver",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), cfgFile)
		},
	}
	serveCmd.Flags().StringVar(&pinFlag, "pin", "", "override the configured upload PIN")
	serveCmd.Flags().IntVar(&portFlag, "port", 0, "override the configured listen port")
	rootCmd.AddCommand(serveCmd)

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		RunE: func(_ *cobra.Command, _ []string) error {
			path := cfgFile
			if path == "" {
				path = svc.DefaultConfigPath()
			}
			if err := config.WriteDefault(path); err != nil {
				return err
			}
			fmt.Printf("wrote default config to %s\n", path)
			return nil
		},
	}
	rootCmd.AddCommand(initCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running receiver",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runStatus(cfgFile)
		},
	}
	rootCmd.AddCommand(statusCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("beamdrop %s (commit %s, built %s)\n", Version, Commit, BuildTime)
		},
	}
	rootCmd.AddCommand(versionCmd)

	rootCmd.AddCommand(newServiceCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// setupLogging configures the console logger. The config file level applies
// unless overridden by --log-level.
func setupLogging(cfg *config.Config) {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	level := cfg.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	if !config.ApplyLogLevel(level) {
		log.Warn().Str("level", level).Msg("unknown log level, using info")
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

func loadConfig(configPath string) (*config.Config, error) {
	if configPath == "" {
		defaultPath := svc.DefaultConfigPath()
		if _, err := os.Stat(defaultPath); err == nil {
			configPath = defaultPath
		}
	}

	if configPath == "" {
		return config.DefaultConfig(), nil
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// runServe wires up the receiver and runs it until ctx is cancelled.
func runServe(ctx context.Context, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if pinFlag != "" {
		cfg.Upload.PIN = pinFlag
	}
	if portFlag != 0 {
		cfg.Listen.Port = portFlag
	}
	setupLogging(cfg)

	log.Info().
		Str("version", Version).
		Str("media_dir", cfg.Storage.MediaDir).
		Str("data_dir", cfg.Storage.DataDir).
		Msg("starting beamdrop receiver")

	backend, err := storage.NewOSBackend(cfg.Storage.MediaDir)
	if err != nil {
		return fmt.Errorf("open media storage: %w", err)
	}

	store, err := session.NewStore(filepath.Join(cfg.Storage.DataDir, "sessions"))
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}

	maxSize, err := cfg.MaxFileSizeBytes()
	if err != nil {
		return err
	}

	bus := event.NewBus()
	metrics := upload.InitMetrics(nil)
	engine := upload.NewEngine(store, backend, bus, upload.Config{
		AllowedExtensions: cfg.Upload.AllowedExtensions,
		MaxFileSize:       maxSize,
		SessionTTL:        cfg.SessionTTL(),
		SweepInterval:     cfg.SweepInterval(),
		ActivityWindow:    cfg.ActivityWindow(),
		OrphanGrace:       time.Minute,
	}, metrics)

	gate := auth.NewGate(cfg.Upload.PIN)
	if gate.Enabled() {
		log.Info().Msg("upload PIN required for senders")
	} else {
		log.Warn().Msg("no upload PIN configured, any device on the network can send")
	}

	srv, err := server.NewServer(server.Options{
		Host:             cfg.Listen.Host,
		Port:             cfg.Listen.Port,
		FallbackPorts:    cfg.Listen.FallbackPorts,
		ChunkReadTimeout: cfg.ChunkReadTimeout(),
		AssetsDir:        cfg.Web.AssetsDir,
		Version:          Version,
		Engine:           engine,
		Gate:             gate,
		Bus:              bus,
		Free:             backend,
		Audit:            audit.NewLogger(log.Logger),
		Metrics:          metrics,
	})
	if err != nil {
		return err
	}
	if err := srv.Bind(); err != nil {
		log.Error().
			Str("code", server.BindErrorCode(err)).
			Err(err).
			Msg("could not claim a listen port")
		return err
	}

	// Self-heal before accepting traffic, then keep sweeping.
	engine.StartPeriodicCleanup(ctx)

	// Notify the media indexer about every committed file.
	event.ForwardFinalized(ctx, bus, indexSink{})

	log.Info().
		Str("url", srv.URL(localIP())).
		Int("port", srv.Port()).
		Msg("ready to receive")

	return srv.Serve(ctx)
}

// indexSink hands finalized files to the device media index.
type indexSink struct{}

func (indexSink) FileFinalized(path string) {
	log.Info().Str("path", path).Msg("media library updated")
}

// localIP returns the device's LAN address, best effort.
func localIP() string {
	conn, err := net.Dial("udp", "192.0.2.1:9")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "127.0.0.1"
}

// runStatus queries a locally running receiver and prints its status.
func runStatus(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 2 * time.Second}
	ports := append([]int{cfg.Listen.Port}, cfg.Listen.FallbackPorts...)
	for _, port := range ports {
		url := "http://" + net.JoinHostPort("127.0.0.1", strconv.Itoa(port)) + "/api/v1/status"
		resp, err := client.Get(url)
		if err != nil {
			continue
		}
		func() {
			defer resp.Body.Close()
			var status proto.ServerStatus
			if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
				return
			}
			fmt.Printf("beamdrop %s (protocol %s)\n", status.Version, status.Protocol)
			fmt.Printf("  port:            %d\n", status.Port)
			fmt.Printf("  active uploads:  %d\n", status.ActiveUploads)
			fmt.Printf("  uptime:          %s\n", (time.Duration(status.UptimeSeconds) * time.Second).String())
			if status.StorageAvailable {
				fmt.Printf("  free space:      %d bytes\n", status.FreeBytes)
			}
		}()
		return nil
	}

	fmt.Println("beamdrop is not running")
	return nil
}
