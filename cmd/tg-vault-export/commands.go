package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/yourusername/tg-vault-export/internal/app"
	"github.com/yourusername/tg-vault-export/internal/domain"
	"github.com/yourusername/tg-vault-export/internal/infrastructure"
	"github.com/yourusername/tg-vault-export/pkg/logger"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Detect the video encoder accelerator",
	Run: func(cmd *cobra.Command, args []string) {
		config, log := loadConfig()
		defer log.Sync()

		requested, err := domain.ParseHWAccel(config.Media.HWAccel)
		if err != nil {
			fatal(err)
		}
		if accel, _ := cmd.Flags().GetString("hw-accel"); accel != "" {
			if requested, err = domain.ParseHWAccel(accel); err != nil {
				fatal(err)
			}
		}

		transcoder := infrastructure.NewFFmpegTranscoder(config.Media.FFmpegBinary, "", log)
		if err := transcoder.Available(); err != nil {
			fatal(err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		got := transcoder.ProbeHWAccel(ctx, requested, config.Media.UseH265)

		fmt.Printf("Requested: %s\n", requested)
		fmt.Printf("Selected:  %s\n", got)
		if got == domain.HWAccelSoftwareFallback {
			fmt.Println("The requested encoder is not usable; videos will be encoded in software.")
		}
	},
}

var dialogsCmd = &cobra.Command{
	Use:   "dialogs",
	Short: "List recent chats",
	Run: func(cmd *cobra.Command, args []string) {
		config, log := loadConfig()
		defer log.Sync()

		limit, _ := cmd.Flags().GetInt("limit")
		if limit <= 0 {
			limit = config.Telegram.DialogFetchLimit
		}

		workDir, err := os.MkdirTemp("", "tg-vault-export-")
		if err != nil {
			fatal(err)
		}
		defer os.RemoveAll(workDir)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		peers, err := infrastructure.NewTDLClient(&config.Telegram, workDir, log).Dialogs(ctx, limit)
		if err != nil {
			fatal(err)
		}

		rows := make([][]string, 0, len(peers))
		for _, p := range peers {
			username := ""
			if p.Username != "" {
				username = "@" + p.Username
			}
			rows = append(rows, []string{strconv.FormatInt(p.ID, 10), string(p.Kind), truncate(p.Title, 40), username})
		}
		fmt.Println(renderTable([]string{"ID", "Kind", "Title", "Username"}, rows,
			[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft}))
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent export runs",
	Run: func(cmd *cobra.Command, args []string) {
		config, log := loadConfig()
		defer log.Sync()

		repo, err := infrastructure.NewSQLiteRepository(config.Database.Path)
		if err != nil {
			fatal(err)
		}
		defer repo.Close()

		limit, _ := cmd.Flags().GetInt("limit")
		runs, err := repo.RecentRuns(limit)
		if err != nil {
			fatal(err)
		}
		stats, err := repo.GetStats()
		if err != nil {
			fatal(err)
		}

		rows := make([][]string, 0, len(runs))
		for _, r := range runs {
			rows = append(rows, []string{
				humanize.Time(r.StartedAt),
				truncate(r.TargetTitle, 30),
				humanize.Comma(int64(r.Processed)),
				humanize.Comma(int64(r.Failed)),
				fmt.Sprintf("%d/%d", r.MediaDone, r.MediaDone+r.MediaFailed),
				r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String(),
				truncate(r.Error, 40),
			})
		}
		fmt.Println(renderTable(
			[]string{"Started", "Chat", "Processed", "Failed", "Media", "Took", "Error"},
			rows,
			[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignRight, alignRight, alignLeft},
		))
		fmt.Printf("Totals: %s runs, %s messages, %s failed, %s media\n",
			humanize.Comma(stats.Runs), humanize.Comma(stats.Processed),
			humanize.Comma(stats.Failed), humanize.Comma(stats.MediaDone))
	},
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect the processed-message cache",
	Run: func(cmd *cobra.Command, args []string) {
		config, log := loadConfig()
		defer log.Sync()

		store := infrastructure.NewJSONCacheStore(config.Export.CacheFile, 0, log)
		if err := store.Load(); err != nil {
			fatal(err)
		}
		stats := store.Stats()

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			data, _ := json.MarshalIndent(stats, "", "  ")
			fmt.Println(string(data))
			return
		}

		size := "missing"
		if info, err := os.Stat(store.Path()); err == nil {
			size = humanize.Bytes(uint64(info.Size()))
		}
		fmt.Printf("Cache: %s (%s, version %d)\n", store.Path(), size, stats.Version)

		rows := make([][]string, 0, len(stats.PerTarget))
		for _, t := range stats.PerTarget {
			rows = append(rows, []string{
				strconv.FormatInt(t.TargetID, 10),
				truncate(t.Title, 40),
				humanize.Comma(int64(t.Messages)),
				humanize.Comma(int64(t.Failed)),
				strconv.FormatInt(t.Watermark, 10),
			})
		}
		fmt.Println(renderTable([]string{"ID", "Chat", "Messages", "Failed", "Last ID"}, rows,
			[]columnAlignment{alignRight, alignLeft, alignRight, alignRight, alignRight}))
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a config file with default values",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		path := filepath.Join(os.ExpandEnv(app.DefaultConfigDir), "config.yaml")
		if len(args) == 1 {
			path = args[0]
		}

		force, _ := cmd.Flags().GetBool("force")
		if _, err := os.Stat(path); err == nil && !force {
			fatal(fmt.Errorf("%s already exists, use --force to overwrite", path))
		}

		if err := app.SaveConfig(domain.DefaultConfig(), path); err != nil {
			fatal(err)
		}
		fmt.Printf("Config written to %s\n", path)
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "View export and error logs",
	Run: func(cmd *cobra.Command, args []string) {
		config, log := loadConfig()
		defer log.Sync()

		category := logger.LogCategory(stringFlag(cmd, "category"))
		valid := false
		for _, c := range logger.Categories {
			valid = valid || c == category
		}
		if !valid {
			fatal(fmt.Errorf("unknown category %q", category))
		}

		reader := logger.NewLogReader(config.Logging.LogsDir)

		if follow, _ := cmd.Flags().GetBool("follow"); follow {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			reader.Follow(ctx, category, func(e logger.LogEntry) {
				fmt.Println(e.String())
			})
			return
		}

		date := time.Now()
		if d := stringFlag(cmd, "date"); d != "" {
			parsed, err := time.Parse("2006-01-02", d)
			if err != nil {
				fatal(fmt.Errorf("bad date %q: %w", d, err))
			}
			date = parsed
		}
		limit, _ := cmd.Flags().GetInt("limit")

		entries, err := reader.SearchLogs(category, date, stringFlag(cmd, "search"), limit)
		if err != nil {
			fatal(err)
		}
		for _, e := range entries {
			fmt.Println(e.String())
		}
		if len(entries) == 0 {
			fmt.Fprintf(os.Stderr, "No entries in %s\n", reader.GetLogPath(category, date))
		}
	},
}

func init() {
	probeCmd.Flags().String("hw-accel", "", "Accelerator to test instead of media.hw_accel")
	dialogsCmd.Flags().IntP("limit", "n", 0, "Number of dialogs (default telegram.dialog_fetch_limit)")
	historyCmd.Flags().IntP("limit", "n", 20, "Number of runs to show")
	cacheCmd.Flags().BoolP("json", "j", false, "Output in JSON format")
	configInitCmd.Flags().BoolP("force", "f", false, "Overwrite an existing file")
	configCmd.AddCommand(configInitCmd)

	logsCmd.Flags().StringP("category", "C", string(logger.CategoryExport), "Log category (export, error)")
	logsCmd.Flags().String("date", "", "Day to read, YYYY-MM-DD (default today)")
	logsCmd.Flags().StringP("search", "s", "", "Only entries containing this text")
	logsCmd.Flags().IntP("limit", "n", 50, "Show the last n entries, 0 for all")
	logsCmd.Flags().BoolP("follow", "f", false, "Stream new entries")
}

func stringFlag(cmd *cobra.Command, name string) string {
	v, _ := cmd.Flags().GetString(name)
	return v
}
