// patrold is the patrol daemon: it owns the robot, the relay supervisor,
// the live monitor, the scheduler, and the HTTP API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sigma-snaken/sigma-patrol/internal/config"
	"github.com/sigma-snaken/sigma-patrol/internal/inspect"
	"github.com/sigma-snaken/sigma-patrol/internal/logging"
	"github.com/sigma-snaken/sigma-patrol/internal/metrics"
	"github.com/sigma-snaken/sigma-patrol/internal/patrol"
	"github.com/sigma-snaken/sigma-patrol/internal/relay"
	"github.com/sigma-snaken/sigma-patrol/internal/robot"
	"github.com/sigma-snaken/sigma-patrol/internal/schedule"
	"github.com/sigma-snaken/sigma-patrol/internal/server"
	"github.com/sigma-snaken/sigma-patrol/internal/store"
)

func main() {
	var cfgFile string

	root := &cobra.Command{
		Use:   "patrold",
		Short: "Autonomous patrol daemon for inspection robots",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cfgFile)
		},
		SilenceUsage: true,
	}
	root.Flags().StringVarP(&cfgFile, "config", "c", "", "path to config file")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgFile string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logging.SetLogDir(cfg.LogDir)
	logger := logging.NewComponentLogger("patrold")
	logger.Info("starting: robot=%s data=%s", cfg.RobotID, cfg.DataDir)

	st, err := store.Open(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	var controller robot.Controller
	if cfg.RobotAddr != "" {
		controller = robot.NewHTTPController(cfg.RobotAddr, logging.NewComponentLogger("robot"))
	} else {
		logger.Warn("no robot address configured, motion and capture are disabled")
		controller = robot.Disconnected{}
	}

	presets := relay.DefaultPresetLibrary()
	if cfg.PresetFile != "" {
		presets, err = relay.LoadPresetFile(cfg.PresetFile)
		if err != nil {
			return fmt.Errorf("load presets: %w", err)
		}
	}
	supervisor := relay.NewSupervisor(relay.Config{
		FFmpegPath:     cfg.FFmpegPath,
		IngestInternal: cfg.RelayInternal,
		IngestExternal: cfg.RelayExternal,
		Presets:        presets,
	}, logging.NewComponentLogger("relay"))
	defer supervisor.Close()

	inspector := inspect.NewGeminiInspector("", "", logging.NewComponentLogger("inspect"))

	orchestrator := patrol.New(patrol.Deps{
		Store:     st,
		Robot:     controller,
		Inspector: inspector,
		Relays:    supervisor,
	}, patrol.Config{
		RobotID:     cfg.RobotID,
		RobotName:   cfg.RobotName,
		ImagesDir:   cfg.ImagesDir(),
		VideoDir:    cfg.VideoDir(),
		EvidenceDir: cfg.AlertEvidenceDir(),
		FFmpegPath:  cfg.FFmpegPath,
		Logger:      logging.NewComponentLogger("patrol"),
		Metrics:     metrics.Default(),
	})

	location := time.Local
	if settings, err := st.GetSettings(ctx); err == nil && settings.Timezone != "" {
		if loc, err := time.LoadLocation(settings.Timezone); err == nil {
			location = loc
		} else {
			logger.Warn("invalid timezone %q, using local time", settings.Timezone)
		}
	}
	scheduler := schedule.New(st, orchestrator.Start, schedule.Config{
		Location: location,
		Logger:   logging.NewComponentLogger("schedule"),
		Metrics:  metrics.Default(),
	})
	scheduler.Start()
	defer scheduler.Stop()

	api := server.New(cfg.ListenAddr, orchestrator, st, supervisor, logging.NewComponentLogger("http"))

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return api.Run(groupCtx)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		orchestrator.Stop(shutdownCtx)
		orchestrator.Wait()
		return nil
	})
	return group.Wait()
}
