package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hrygo/crystalflow/internal/profile"
	"github.com/hrygo/crystalflow/internal/version"
	"github.com/hrygo/crystalflow/queue"
	"github.com/hrygo/crystalflow/server"
	"github.com/hrygo/crystalflow/store"
	"github.com/hrygo/crystalflow/store/db"
	"github.com/hrygo/crystalflow/workflow"
)

var rootCmd = &cobra.Command{
	Use:   "crystalflow",
	Short: `A scheduling and workflow engine for DFT calculations. Queue CRYSTAL, Quantum Espresso, and VASP jobs with dependencies, priorities, and crash-safe state.`,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		// Best effort; a missing .env is not an error.
		_ = godotenv.Load()
		return nil
	},
	Run: func(_ *cobra.Command, _ []string) {
		instanceProfile := &profile.Profile{
			Mode:                  viper.GetString("mode"),
			Addr:                  viper.GetString("addr"),
			Port:                  viper.GetInt("port"),
			Data:                  viper.GetString("data"),
			DSN:                   viper.GetString("dsn"),
			ScratchBase:           viper.GetString("scratch-base"),
			DefaultMaxConcurrent:  viper.GetInt("max-concurrent"),
			SchedulingIntervalSec: viper.GetFloat64("scheduling-interval"),
			MonitorIntervalSec:    viper.GetFloat64("monitor-interval"),
			EnableFairShare:       viper.GetBool("fair-share"),
			Version:               version.GetCurrentVersion(viper.GetString("mode")),
		}
		instanceProfile.FromEnv()
		if err := instanceProfile.Validate(); err != nil {
			slog.Error("invalid profile", "error", err)
			os.Exit(1)
		}

		if err := run(instanceProfile); err != nil {
			slog.Error("engine exited with error", "error", err)
			os.Exit(1)
		}
	},
}

func run(p *profile.Profile) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbDriver, err := db.NewDBDriver(p)
	if err != nil {
		return fmt.Errorf("failed to create db driver: %w", err)
	}
	storeInstance := store.New(dbDriver, p)
	defer storeInstance.Close()

	if err := storeInstance.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}

	registry := prometheus.NewRegistry()
	queueManager := queue.NewManager(storeInstance, queue.Options{
		DefaultMaxConcurrent: p.DefaultMaxConcurrent,
		SchedulingInterval:   time.Duration(p.SchedulingIntervalSec * float64(time.Second)),
		EnableFairShare:      p.EnableFairShare,
		Registerer:           registry,
	})
	if err := queueManager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start queue manager: %w", err)
	}

	orchestrator := workflow.NewOrchestrator(storeInstance, queueManager, workflow.Options{
		ScratchBase:     p.ScratchBase,
		MonitorInterval: time.Duration(p.MonitorIntervalSec * float64(time.Second)),
	})

	c := make(chan os.Signal, 1)
	// The default signal sent by `kill` is SIGTERM, the conventional graceful
	// shutdown signal.
	signal.Notify(c, terminationSignals...)

	var srv *server.Server
	serverErr := make(chan error, 1)
	if p.Port > 0 {
		srv = server.NewServer(p, storeInstance, queueManager, orchestrator, registry)
		go func() {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	}

	printGreetings(p)

	select {
	case <-c:
		slog.Info("shutdown signal received")
	case err := <-serverErr:
		slog.Error("status server failed", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("status server shutdown failed", "error", err)
		}
	}
	if err := orchestrator.Stop(shutdownCtx); err != nil {
		slog.Warn("orchestrator shutdown failed", "error", err)
	}
	if err := queueManager.Stop(shutdownCtx); err != nil {
		slog.Warn("queue manager shutdown failed", "error", err)
	}
	return nil
}

func printGreetings(p *profile.Profile) {
	fmt.Printf("crystalflow %s (%s mode)\n", p.Version, p.Mode)
	fmt.Printf("  database: %s\n", p.DSN)
	if p.Port > 0 {
		fmt.Printf("  status:   http://%s:%d\n", p.Addr, p.Port)
	}
}

func init() {
	rootCmd.PersistentFlags().String("mode", "dev", `mode of the engine, can be "prod" or "dev"`)
	rootCmd.PersistentFlags().String("addr", "", "address the status server binds to")
	rootCmd.PersistentFlags().Int("port", 8230, "port of the status server, 0 disables it")
	rootCmd.PersistentFlags().String("data", "", "directory holding the project database")
	rootCmd.PersistentFlags().String("dsn", "", "SQLite data source name")
	rootCmd.PersistentFlags().String("scratch-base", "", "root for per-node scratch directories")
	rootCmd.PersistentFlags().Int("max-concurrent", 4, "default concurrent job cap per cluster")
	rootCmd.PersistentFlags().Float64("scheduling-interval", 1.0, "queue scheduling tick in seconds")
	rootCmd.PersistentFlags().Float64("monitor-interval", 5.0, "workflow monitor poll in seconds")
	rootCmd.PersistentFlags().Bool("fair-share", false, "enable submitter fair-share scheduling")

	if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		panic(err)
	}
	viper.SetEnvPrefix("crystalflow")
	viper.AutomaticEnv()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
