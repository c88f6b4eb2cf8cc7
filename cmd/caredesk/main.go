// Package main is the entry point for the caredesk CLI, a terminal client
// for the customer care voice assistant.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/normanking/caredesk/internal/audio"
	"github.com/normanking/caredesk/internal/config"
	"github.com/normanking/caredesk/internal/gateway"
	"github.com/normanking/caredesk/internal/logging"
	"github.com/normanking/caredesk/internal/monitor"
	"github.com/normanking/caredesk/internal/playback"
	"github.com/normanking/caredesk/internal/realtime"
	"github.com/normanking/caredesk/internal/session"
)

// speakerRate is the shared output rate. oto allows a single context per
// process, so TTS and live voice both play through it.
const speakerRate = 48000

var (
	version = "0.1.0"
	cfgPath string
	verbose bool

	loader *config.Loader
	cfg    *config.Config
	log    *logging.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "caredesk",
		Short: "caredesk - terminal client for the customer care assistant",
		Long: `caredesk talks to the care assistant backend by text, push-to-talk
or a live voice call.

Start a conversation:  caredesk
Dashboard stats:       caredesk stats
Export a transcript:   caredesk export <user_id>`,
		SilenceUsage:       true,
		PersistentPreRunE:  initialize,
		PersistentPostRunE: shutdownLogging,
		RunE:               runREPL,
	}

	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path (default ~/.caredesk/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		// no config or log file needed
		PersistentPreRunE:  func(cmd *cobra.Command, args []string) error { return nil },
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("caredesk v%s\n", version)
		},
	})
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(exportCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// initialize loads configuration and starts logging.
func initialize(cmd *cobra.Command, args []string) error {
	loader = config.NewLoader(cfgPath)
	loaded, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg = loaded

	logCfg := logging.DefaultConfig()
	if cfg.Log.Dir != "" {
		logCfg.LogDir = cfg.Log.Dir
	}
	logCfg.Level = logging.LogLevel(cfg.Log.Level)
	logCfg.Console = cfg.Log.Console
	if verbose {
		logCfg.Level = logging.LevelDebug
		logCfg.Console = true
	}

	log, err = logging.New(logCfg)
	if err != nil {
		return fmt.Errorf("failed to start logging: %w", err)
	}

	log.Info("main", "caredesk session started", map[string]interface{}{
		"version": version,
		"config":  loader.ConfigFile(),
		"backend": cfg.Backend.BaseURL,
	})
	return nil
}

func shutdownLogging(cmd *cobra.Command, args []string) error {
	if log != nil {
		return log.Close()
	}
	return nil
}

// watchConfig applies the hot-reloadable settings.
func watchConfig() {
	loader.Watch(func(next *config.Config, e fsnotify.Event) {
		if verbose {
			return
		}
		logging.SetLevel(logging.LogLevel(next.Log.Level))
		log.Info("config", "Configuration reloaded", map[string]interface{}{
			"file":  e.Name,
			"level": next.Log.Level,
		})
	})
}

// openDevices opens whatever audio hardware is present. Missing devices
// leave the matching Devices field nil.
func openDevices(logger zerolog.Logger) (session.Devices, func()) {
	var devices session.Devices
	var closers []func()

	if mic, err := audio.NewMalgoMicrophone(cfg.Audio.SampleRate, 1, logger); err != nil {
		log.Warn("main", "Push-to-talk unavailable", map[string]interface{}{"error": err.Error()})
	} else {
		devices.Microphone = mic
		closers = append(closers, func() { mic.Close() })
	}

	if speaker, err := playback.NewSpeaker(speakerRate, logger); err != nil {
		log.Warn("main", "Speech output unavailable", map[string]interface{}{"error": err.Error()})
	} else {
		devices.Player = speaker
		devices.Sink = speaker
	}

	if cfg.Realtime.Enabled {
		// live voice publishes 48kHz opus
		if voiceMic, err := audio.NewMalgoMicrophone(48000, 1, logger); err != nil {
			log.Warn("main", "Live voice unavailable", map[string]interface{}{"error": err.Error()})
		} else {
			devices.Transport = realtime.NewLiveKitTransport(voiceMic, logger)
			closers = append(closers, func() { voiceMic.Close() })
		}
	}

	return devices, func() {
		for _, c := range closers {
			c()
		}
	}
}

func runREPL(cmd *cobra.Command, args []string) error {
	watchConfig()
	logger := log.Zerolog()

	devices, closeDevices := openDevices(logger)
	defer closeDevices()

	client, err := session.New(cfg, devices, nil, logger)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	defer client.Close()

	var mon *monitor.Server
	if cfg.Monitor.Addr != "" {
		mon = monitor.New(cfg.Monitor.Addr, version, client.EventBus(), monitor.StatusFunc(client.Status), logger)
		if err := mon.Start(); err != nil {
			log.Error("main", "Monitor failed to start", err, nil)
			mon = nil
		}
	}
	defer func() {
		if mon != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			mon.Shutdown(ctx)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := newREPL(client, os.Stdin, os.Stdout)
	r.logs = log.GetHistory
	r.watch(client.EventBus())

	client.Start(ctx)
	err = r.run(ctx)
	// aborts a pending join before waiting on it
	client.Close()
	r.wait()
	return err
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print the backend dashboard stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			gw := gateway.NewClient(&gateway.ClientConfig{BaseURL: cfg.Backend.BaseURL, Timeout: cfg.Backend.Timeout}, log.Zerolog())
			stats, err := gw.Stats(cmd.Context())
			if err != nil {
				return err
			}
			printStats(cmd.OutOrStdout(), *stats)
			return nil
		},
	}
}

func exportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export <user_id>",
		Short: "Print a user's conversation transcript as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			gw := gateway.NewClient(&gateway.ClientConfig{BaseURL: cfg.Backend.BaseURL, Timeout: cfg.Backend.Timeout}, log.Zerolog())
			tr, err := gw.Export(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeTranscript(cmd.OutOrStdout(), tr)
		},
	}
}
