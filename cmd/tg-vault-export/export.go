package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/yourusername/tg-vault-export/internal/app"
	"github.com/yourusername/tg-vault-export/internal/dispatch"
	"github.com/yourusername/tg-vault-export/internal/domain"
	"github.com/yourusername/tg-vault-export/internal/infrastructure"
	"github.com/yourusername/tg-vault-export/pkg/logger"
)

var exportCmd = &cobra.Command{
	Use:   "export [chat...]",
	Short: "Export chats into the vault",
	Long: `Exports the given chats, or export.targets from the config when none are
given. Chats are numeric ids, @handles, t.me links or invite links. With no
chats configured and a terminal attached, recent dialogs are offered for
selection.`,
	Run: func(cmd *cobra.Command, args []string) {
		config, log := loadConfig()
		applyExportFlags(cmd, config)

		refs := args
		if len(refs) == 0 {
			refs = config.Export.Targets
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		err := runExport(ctx, cmd, config, log, refs)
		stop()
		log.Sync()
		os.Exit(exitCode(err))
	},
}

func init() {
	exportCmd.Flags().Bool("all", false, "Walk the whole history instead of only messages newer than the last run")
	exportCmd.Flags().Bool("no-media", false, "Skip attachment downloads")
	exportCmd.Flags().Bool("no-optimize", false, "Keep attachments as downloaded")
	exportCmd.Flags().BoolP("interactive", "i", false, "Pick chats from recent dialogs")
	exportCmd.Flags().Bool("accessible", false, "Plain prompts instead of the interactive picker")
	exportCmd.Flags().String("hw-accel", "", "Video encoder accelerator (none, amd, intel, nvidia)")
	exportCmd.Flags().Bool("no-progress", false, "Hide the progress spinner")
}

func applyExportFlags(cmd *cobra.Command, config *domain.Config) {
	if all, _ := cmd.Flags().GetBool("all"); all {
		config.Export.OnlyNew = false
	}
	if noMedia, _ := cmd.Flags().GetBool("no-media"); noMedia {
		config.Export.MediaDownload = false
	}
	if noOpt, _ := cmd.Flags().GetBool("no-optimize"); noOpt {
		config.Export.Optimize = false
	}
	if i, _ := cmd.Flags().GetBool("interactive"); i {
		config.Export.Interactive = true
	}
	if accel, _ := cmd.Flags().GetString("hw-accel"); accel != "" {
		config.Media.HWAccel = accel
	}
}

// runExport wires the components and runs one export
func runExport(ctx context.Context, cmd *cobra.Command, config *domain.Config, log *zap.Logger, refs []string) error {
	requested, err := domain.ParseHWAccel(config.Media.HWAccel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}

	cache := infrastructure.NewJSONCacheStore(config.Export.CacheFile, config.Export.CacheFlushInterval, log)
	if err := cache.Lock(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}
	defer func() {
		if err := cache.Close(); err != nil {
			log.Error("Failed to close cache", zap.Error(err))
		}
	}()
	if err := cache.Load(); err != nil {
		if !errors.Is(err, domain.ErrCorruptCache) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return fmt.Errorf("%w: %v", domain.ErrFatalConfig, err)
		}
		log.Warn("Cache was unreadable, all messages will be reprocessed", zap.Error(err))
	}

	repo, err := infrastructure.NewSQLiteRepository(config.Database.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return fmt.Errorf("%w: %v", domain.ErrFatalConfig, err)
	}
	defer repo.Close()

	var events *logger.MultiLogger
	if config.Logging.LogsDir != "" {
		events, err = logger.NewMultiLogger(logger.MultiLoggerConfig{
			Level:   config.Logging.Level,
			LogsDir: config.Logging.LogsDir,
		})
		if err != nil {
			log.Warn("Category logs disabled", zap.Error(err))
		} else {
			defer events.Close()
		}
	}

	workDir, err := os.MkdirTemp("", "tg-vault-export-")
	if err != nil {
		return fmt.Errorf("failed to create work directory: %w", err)
	}
	defer os.RemoveAll(workDir)
	platform := infrastructure.NewTDLClient(&config.Telegram, workDir, log)

	transcoder := infrastructure.NewFFmpegTranscoder(config.Media.FFmpegBinary, config.Logging.LogsDir, log)
	accel := domain.HWAccelNone
	var videos *infrastructure.FFmpegTranscoder
	if config.Export.MediaDownload && config.Export.Optimize {
		if err := transcoder.Available(); err != nil {
			log.Warn("ffmpeg not found, videos are kept as downloaded", zap.Error(err))
		} else {
			videos = transcoder
			accel = transcoder.ProbeHWAccel(ctx, requested, config.Media.UseH265)
			log.Info("Video encoder selected", zap.String("hw_accel", string(accel)))
		}
	}
	optimizer := infrastructure.NewMediaOptimizer(infrastructure.NewImageOptimizer(log), videos)

	dispatcher := dispatch.New(config.Workers, log)
	defer dispatcher.Close()

	var pipeline *app.MediaPipeline
	if config.Export.MediaDownload {
		pipeline = app.NewMediaPipeline(platform, optimizer, dispatcher, config.Export, config.Media, accel, log)
	}

	var selector domain.Selector
	if interactive() {
		accessible, _ := cmd.Flags().GetBool("accessible")
		selector = infrastructure.NewHuhSelector(accessible)
	}

	resolver := app.NewResolver(platform, repo, selector, config, log)
	fetcher := app.NewFetcher(platform, config.Export, log)
	notes := infrastructure.NewMarkdownNoteWriter(log)
	notifier := infrastructure.NewNotificationService(&config.Notification, log)

	exporter := app.NewExporter(resolver, fetcher, pipeline, notes, cache, repo, notifier, config.Export, log, events)

	noProgress, _ := cmd.Flags().GetBool("no-progress")
	var bar *progressbar.ProgressBar
	if !noProgress && interactive() && !verbose {
		bar = progressbar.NewOptions(-1,
			progressbar.OptionSetDescription("exporting"),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowCount(),
			progressbar.OptionSpinnerType(14),
			progressbar.OptionClearOnFinish(),
		)
		exporter.OnProgress(func(target domain.Target, messageID int64, outcome domain.MessageOutcome) {
			bar.Describe(target.DisplayName())
			bar.Add(1)
		})
	}

	report, err := exporter.Run(ctx, refs)
	if bar != nil {
		bar.Finish()
	}
	if report != nil {
		printReport(report, config.Export.Root)
	}

	switch {
	case errors.Is(err, domain.ErrAllTargetsUnresolved):
		fmt.Fprintln(os.Stderr, "Error: none of the configured chats could be resolved")
	case errors.Is(err, context.Canceled):
		fmt.Fprintln(os.Stderr, "Export interrupted; finished messages were saved and the next run resumes from there")
	case err != nil:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return err
}

func printReport(report *app.RunReport, root string) {
	for _, f := range report.Failures {
		fmt.Fprintf(os.Stderr, "Unresolved: %s (%v)\n", f.Reference, f.Err)
	}
	if len(report.Targets) == 0 {
		return
	}

	rows := make([][]string, 0, len(report.Targets))
	for _, t := range report.Targets {
		status := "ok"
		if t.Err != nil {
			status = truncate(t.Err.Error(), 48)
		}
		rows = append(rows, []string{
			t.Target.DisplayName(),
			humanize.Comma(int64(t.Summary.Processed)),
			humanize.Comma(int64(t.Summary.Skipped)),
			humanize.Comma(int64(t.Summary.Failed)),
			fmt.Sprintf("%d/%d", t.Summary.MediaDone, t.Summary.MediaDone+t.Summary.MediaFailed),
			t.Duration.Round(time.Millisecond).String(),
			status,
		})
	}
	total := report.Total()
	rows = append(rows, []string{
		"Total",
		humanize.Comma(int64(total.Processed)),
		humanize.Comma(int64(total.Skipped)),
		humanize.Comma(int64(total.Failed)),
		fmt.Sprintf("%d/%d", total.MediaDone, total.MediaDone+total.MediaFailed),
		report.Duration.Round(time.Millisecond).String(),
		"",
	})

	fmt.Println(renderTable(
		[]string{"Chat", "Processed", "Skipped", "Failed", "Media", "Duration", "Status"},
		rows,
		[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight, alignRight, alignLeft},
	))
	fmt.Printf("Vault: %s (%s)\n", root, dirSize(root))
}

// dirSize sums file sizes below root for the summary line
func dirSize(root string) string {
	var total uint64
	filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += uint64(info.Size())
		}
		return nil
	})
	return humanize.Bytes(total)
}
