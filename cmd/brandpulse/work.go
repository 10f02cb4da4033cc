package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jonathan/brandpulse/internal/compose"
	appconfig "github.com/jonathan/brandpulse/internal/config"
	"github.com/jonathan/brandpulse/internal/evaluate"
	"github.com/jonathan/brandpulse/internal/executor"
	"github.com/jonathan/brandpulse/internal/feedback"
	"github.com/jonathan/brandpulse/internal/mail"
	"github.com/jonathan/brandpulse/internal/scrape"
	"github.com/jonathan/brandpulse/internal/types"
	"github.com/jonathan/brandpulse/internal/worker"
)

var workCmd = &cobra.Command{
	Use:   "work",
	Short: "Run the worker pool",
	Long:  `Consume queued jobs and execute agent runs through the fetch, evaluate, compose, and send stages.`,
	RunE:  runWork,
}

func init() {
	rootCmd.AddCommand(workCmd)
}

func runWork(cmd *cobra.Command, _ []string) error {
	cfg := appconfig.FromEnv()
	if cfg.GeminiAPIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY environment variable is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	q, err := openQueue(ctx, cfg)
	if err != nil {
		return err
	}

	b, _, err := loadBrand(cfg)
	if err != nil {
		return err
	}
	targets, err := buildTargets(cfg, b)
	if err != nil {
		return err
	}

	client, err := evaluate.NewGeminiClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
	if err != nil {
		return err
	}
	defer client.Close()

	scraper := scrape.New(&scrape.Options{UseBrowser: cfg.UseBrowser})
	evaluator := evaluate.New(client, b)
	sender := mail.NewSender(mail.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SenderEmail,
		To:       cfg.ReceiverEmail,
	})
	linker := feedback.New(database, feedback.Policy(cfg.FeedbackPolicy))

	workerID := fmt.Sprintf("worker-%s", uuid.NewString()[:8])
	exec := executor.New(database, scraper, evaluator, sender, linker, executor.Config{
		WorkerID:     workerID,
		Targets:      targets,
		StageTimeout: cfg.StageTimeout,
		LeaseTTL:     cfg.LeaseTTL,
		Retry: executor.RetryPolicy{
			MaxAttempts:    cfg.MaxAttempts,
			InitialBackoff: executor.DefaultRetryPolicy().InitialBackoff,
			MaxBackoff:     executor.DefaultRetryPolicy().MaxBackoff,
			JitterFraction: executor.DefaultRetryPolicy().JitterFraction,
		},
		Digest: compose.Options{
			BaseURL:     cfg.AppBaseURL,
			BrandName:   b.DisplayName,
			BrandTerms:  b.Keywords.Core,
			PromptNotes: promptNotes(targets),
		},
	})

	pool := worker.NewPool(q, exec, cfg.WorkerCount)
	log.Printf("Worker pool starting (%d workers, id prefix %s)", cfg.WorkerCount, workerID)
	return pool.Run(ctx)
}

// promptNotes describes the evaluation focus per task type present in the
// configured targets, for the digest's metadata section.
func promptNotes(targets []types.Target) []string {
	seen := make(map[string]bool)
	var notes []string
	for _, t := range targets {
		if seen[t.TaskType] {
			continue
		}
		seen[t.TaskType] = true
		notes = append(notes, fmt.Sprintf("%s: %s", t.TaskType, evaluate.FocusLine(t.TaskType)))
	}
	return notes
}
