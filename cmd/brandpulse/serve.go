package main

import (
	"context"
	"log"
	"time"

	"github.com/spf13/cobra"

	appconfig "github.com/jonathan/brandpulse/internal/config"
	"github.com/jonathan/brandpulse/internal/feedback"
	"github.com/jonathan/brandpulse/internal/server"
)

var serveScheduler bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the REST API server",
	Long:  `Start the HTTP server exposing trigger, run status, feedback, and brand config endpoints. Optionally runs the interval scheduler in-process.`,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveScheduler, "scheduler", true, "Run the interval scheduler in-process")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg := appconfig.FromEnv()
	ctx := cmd.Context()

	database, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	q, err := openQueue(ctx, cfg)
	if err != nil {
		return err
	}

	disp := newDispatcher(database, q, cfg)
	linker := feedback.New(database, feedback.Policy(cfg.FeedbackPolicy))

	_, brandRepo, err := loadBrand(cfg)
	if err != nil {
		return err
	}

	var jwtService *server.JWTService
	if jwtCfg, err := appconfig.NewJWTConfig(); err == nil {
		jwtService = server.NewJWTService(jwtCfg)
	} else {
		log.Printf("Admin JWT not configured, config writes disabled: %v", err)
	}

	if serveScheduler {
		schedCtx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go disp.RunScheduler(schedCtx, cfg.ScheduleInterval)
		go func() {
			// Reclaim jobs abandoned by crashed workers alongside the scheduler.
			ticker := time.NewTicker(cfg.ScheduleInterval)
			defer ticker.Stop()
			for {
				select {
				case <-schedCtx.Done():
					return
				case <-ticker.C:
					if n, err := q.ReclaimExpired(schedCtx); err != nil {
						log.Printf("job reclaim failed: %v", err)
					} else if n > 0 {
						log.Printf("reclaimed %d expired jobs", n)
					}
				}
			}
		}()
	}

	srv := server.New(server.Config{Addr: cfg.ListenAddr}, database, disp, linker, brandRepo, jwtService)
	return srv.Start()
}
