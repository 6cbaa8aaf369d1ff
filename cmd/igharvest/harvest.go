package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"igharvest/pkg/auth"
	"igharvest/pkg/config"
	"igharvest/pkg/instagram"
	"igharvest/pkg/logger"
	"igharvest/pkg/pipeline"
	"igharvest/pkg/session"
	"igharvest/pkg/ui"
)

var (
	// Harvest command flags
	outputDir     string
	concurrency   int
	requestRate   int
	accountName   string
	bundlePath    string
	pageSize      int
	forceRestart  bool
	checkpointDir string
)

// harvestCmd represents the harvest command
var harvestCmd = &cobra.Command{
	Use:   "harvest <username>",
	Short: "Download all media from a user's feed",
	Long: `Walk a user's feed page by page and download every unique media asset.

This command requires valid credentials configured through one of:
  - Stored credentials (use 'igharvest auth login' to store)
  - A cookie bundle file (--session-bundle)
  - Environment variables (IGHARVEST_SESSION_ID and IGHARVEST_CSRF_TOKEN)

Progress is checkpointed continuously. An interrupted run picks up from
the last completed page and skips downloads that already finished; use
--force-restart to discard the checkpoint and start over.`,
	Example: `  # Harvest a feed with default settings
  igharvest harvest johndoe

  # Custom output directory and concurrency
  igharvest harvest johndoe --output ./archive --concurrency 5

  # Use a specific stored account
  igharvest harvest johndoe --account myaccount

  # Load the session from a browser-exported cookie bundle
  igharvest harvest johndoe --session-bundle cookies.json

  # Start over, ignoring the existing checkpoint
  igharvest harvest johndoe --force-restart`,
	Args: cobra.ExactArgs(1),
	Run:  runHarvest,
}

func init() {
	rootCmd.AddCommand(harvestCmd)

	harvestCmd.Flags().StringVarP(&outputDir, "output", "o", "", "base output directory")
	harvestCmd.Flags().IntVar(&concurrency, "concurrency", 3, "number of concurrent downloads")
	harvestCmd.Flags().IntVar(&requestRate, "rate-limit", 60, "API requests per minute")
	harvestCmd.Flags().StringVarP(&accountName, "account", "a", "", "use specific stored account")
	harvestCmd.Flags().StringVar(&bundlePath, "session-bundle", "", "path to a cookie bundle file")
	harvestCmd.Flags().IntVar(&pageSize, "page-size", 0, "posts requested per feed page")
	harvestCmd.Flags().BoolVar(&forceRestart, "force-restart", false, "discard the existing checkpoint and start over")
	harvestCmd.Flags().StringVar(&checkpointDir, "checkpoint-dir", "", "override the checkpoint directory")
}

func runHarvest(cmd *cobra.Command, args []string) {
	subject := instagram.SanitizeUsername(strings.TrimSpace(args[0]))
	if !instagram.IsValidUsername(subject) {
		ui.PrintError("Invalid username", subject)
		os.Exit(1)
	}

	flags := make(map[string]interface{})
	if outputDir != "" {
		flags["output"] = outputDir
	}
	if cmd.Flags().Changed("concurrency") {
		flags["concurrency"] = concurrency
	}
	if cmd.Flags().Changed("rate-limit") {
		flags["requests-per-minute"] = requestRate
	}
	if bundlePath != "" {
		flags["session-bundle"] = bundlePath
	}
	if accountName != "" {
		flags["account"] = accountName
	}
	if pageSize > 0 {
		flags["page-size"] = pageSize
	}
	if logLevel != "info" {
		flags["log-level"] = logLevel
	}

	cfg, err := config.Load(configFile, flags)
	if err != nil {
		ui.PrintError("Failed to load configuration", err.Error())
		os.Exit(1)
	}

	if err := logger.Initialize(&cfg.Logging); err != nil {
		ui.PrintError("Failed to initialize logging", err.Error())
		os.Exit(1)
	}
	log := logger.GetLogger()

	sess, err := resolveSession(cfg)
	if err != nil {
		ui.PrintError("No valid credentials found", err.Error())
		os.Exit(1)
	}

	client := instagram.NewClient(cfg.Pagination.RequestTimeout, log)
	client.SetDownloadTimeout(cfg.Download.Timeout)
	if err := client.ApplySession(sess, cfg.Session.UserAgent); err != nil {
		ui.PrintError("Session is incomplete", err.Error())
		os.Exit(1)
	}
	client.SetHeader("Referer", instagram.GetProfileReferer(subject))

	ui.PrintInfo("Subject", subject)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p := pipeline.New(client, cfg, log)
	report, err := p.Run(ctx, pipeline.Options{
		Subject:       subject,
		ForceRestart:  forceRestart,
		CheckpointDir: checkpointDir,
	})

	ui.PrintRunReport(report)

	if err != nil {
		if ctx.Err() != nil {
			ui.PrintWarning("Interrupted; progress checkpointed, rerun to resume")
			os.Exit(130)
		}
		ui.PrintError("Harvest failed", err.Error())
		os.Exit(1)
	}

	ui.PrintSuccess("Harvest complete")
}

// resolveSession builds a Session from the bundle file, a stored
// account, or the environment, in that order of preference.
func resolveSession(cfg *config.Config) (*session.Session, error) {
	if cfg.Session.BundlePath != "" {
		if _, err := os.Stat(cfg.Session.BundlePath); err == nil {
			return session.LoadBundle(cfg.Session.BundlePath, cfg.Session.AppID, cfg.Session.WebSessionID)
		}
	}

	manager, err := auth.NewManager()
	if err != nil {
		return nil, err
	}

	var account *auth.Account
	if cfg.Session.Account != "" {
		account, err = manager.Retrieve(cfg.Session.Account)
	} else {
		account, err = manager.RetrieveDefault()
	}
	if err != nil {
		return nil, err
	}

	if account.UserAgent != "" {
		cfg.Session.UserAgent = account.UserAgent
	}
	return account.Session(cfg.Session.AppID, cfg.Session.WebSessionID), nil
}
