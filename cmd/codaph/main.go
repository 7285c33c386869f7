// Command codaph is a thin operational tool for running the History
// Sync Projector and Remote Memory Sync against a local mirror, and for
// inspecting that mirror's contents. It is not an agent adapter: it
// never generates prompts or runs a model, it only drives the
// in-process sync and query components.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/codaph/codaph/internal/codaphconfig"
	"github.com/codaph/codaph/internal/envelope"
	"github.com/codaph/codaph/internal/historysync"
	"github.com/codaph/codaph/internal/memoryclient"
	"github.com/codaph/codaph/internal/mirror"
	"github.com/codaph/codaph/internal/pipeline"
	"github.com/codaph/codaph/internal/queryservice"
	"github.com/codaph/codaph/internal/remotesync"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var (
	configPath string
	repoIDFlag string
	mirrorFlag string
	jsonOutput bool

	rootCancel context.CancelFunc
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "codaph:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "codaph",
	Short:   "codaph - event-ingest mirror operator CLI",
	Long:    `Runs History Sync and Remote Memory Sync against a local mirror, and inspects the mirror's sessions and timelines.`,
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		rootCancel = cancel
		cmd.SetContext(ctx)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if rootCancel != nil {
			rootCancel()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml (defaults layered with CODAPH_ env vars and a sibling .codaph.toml)")
	rootCmd.PersistentFlags().StringVar(&repoIDFlag, "repo-id", "", "repo id (overrides config)")
	rootCmd.PersistentFlags().StringVar(&mirrorFlag, "mirror-root", "", "mirror root directory (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "emit JSON instead of table output")

	timelineCmd.Flags().StringVar(&filterFlag, "filter", "", `filter expression, e.g. "eventType=item.completed AND actorId=agent-1"`)

	rootCmd.AddCommand(syncHistoryCmd)
	rootCmd.AddCommand(syncMemoryCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(timelineCmd)
}

// loadConfig applies the persistent flag overrides on top of
// codaphconfig.Load's layered file/env/local-override precedence.
func loadConfig() (codaphconfig.PipelineConfig, error) {
	cfg, err := codaphconfig.Load(configPath)
	if err != nil {
		return cfg, err
	}
	if repoIDFlag != "" {
		cfg.RepoID = repoIDFlag
	}
	if mirrorFlag != "" {
		cfg.MirrorRoot = mirrorFlag
	}
	if cfg.RepoID == "" {
		return cfg, fmt.Errorf("repo id is required (--repo-id or repoId in config)")
	}
	return cfg, nil
}

func newMemoryClient(cfg codaphconfig.PipelineConfig) *memoryclient.Client {
	return memoryclient.New(memoryclient.Config{
		Endpoint:    cfg.MemoryEndpoint,
		APIKey:      cfg.MemoryAPIKey,
		RunIDPrefix: cfg.RunIDPrefix,
	})
}

func newPipeline(store *mirror.Store, mem *memoryclient.Client, cfg codaphconfig.PipelineConfig) *pipeline.Pipeline {
	return pipeline.New(store, mem, pipeline.MemoryWritePolicy{
		Enabled:       cfg.MemoryWriteEnabled,
		BatchSize:     cfg.MemoryBatchSize,
		FlushInterval: cfg.MemoryFlushInterval,
		MaxConcurrent: cfg.MemoryMaxConcurrent,
	})
}

var syncHistoryCmd = &cobra.Command{
	Use:   "sync-history <source-dir>",
	Short: "Scan a directory of session transcripts once and project new records into the mirror",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store := mirror.NewStore(cfg.MirrorRoot)
		pl := newPipeline(store, newMemoryClient(cfg), cfg)
		defer pl.Flush(cmd.Context())

		sourceDir := args[0]
		legacyRecovery := cfg.LegacyCursorRecovery
		proj, err := historysync.New(historysync.Config{
			RepoID:               cfg.RepoID,
			ProjectRoot:          cfg.HistorySyncProjectRoot,
			SourceDir:            sourceDir,
			IndexPath:            filepath.Join(cfg.MirrorRoot, "index", cfg.RepoID, "history-sync-source.json"),
			Pipeline:             pl,
			LegacyCursorRecovery: &legacyRecovery,
			OnProgress: func(path string, totalImported int) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d events imported\n", filepath.Base(path), totalImported)
			},
		})
		if err != nil {
			return err
		}

		entries, err := os.ReadDir(sourceDir)
		if err != nil {
			return fmt.Errorf("read source dir: %w", err)
		}
		ctx := cmd.Context()
		for _, entry := range entries {
			if entry.IsDir() || filepath.Ext(entry.Name()) != ".jsonl" {
				continue
			}
			path := filepath.Join(sourceDir, entry.Name())
			sessionID := sessionIDFromFilename(entry.Name())
			state, n, err := proj.ScanFile(ctx, sessionID, path)
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", entry.Name(), err)
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (%d new events)\n", entry.Name(), state, n)
		}
		return nil
	},
}

var syncMemoryCmd = &cobra.Command{
	Use:   "sync-memory <run-id>",
	Short: "Pull a run's timeline from the memory engine into the local mirror",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store := mirror.NewStore(cfg.MirrorRoot)
		syncer := remotesync.New(store, newMemoryClient(cfg))

		result, err := syncer.Sync(cmd.Context(), remotesync.Options{
			RepoID: cfg.RepoID,
			RunID:  args[0],
			Source: envelope.SourceCodexExec,
		})
		if err != nil {
			return err
		}
		return printJSONOrText(cmd, result, fmt.Sprintf("imported=%d deduplicated=%d skipped=%d", result.Imported, result.Deduplicated, result.Skipped))
	},
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List known sessions for the configured repo",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		svc := queryservice.New(mirror.NewStore(cfg.MirrorRoot))
		sessions, err := svc.ListSessions(cmd.Context(), cfg.RepoID)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd, sessions)
		}
		for _, s := range sessions {
			fmt.Fprintf(cmd.OutOrStdout(), "%-24s events=%-5d contributors=%v\n", s.SessionID, s.EventCount, s.Contributors)
		}
		return nil
	},
}

var filterFlag string

var timelineCmd = &cobra.Command{
	Use:   "timeline <session-id>",
	Short: "Print a session's timeline, optionally filtered",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		svc := queryservice.New(mirror.NewStore(cfg.MirrorRoot))
		envs, err := svc.QueryTimeline(cmd.Context(), cfg.RepoID, args[0], filterFlag)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd, envs)
		}
		for _, e := range envs {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %-20s actor=%s\n", e.TS.Format("15:04:05.000"), e.EventType, e.ActorID)
		}
		return nil
	},
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printJSONOrText(cmd *cobra.Command, v any, text string) error {
	if jsonOutput {
		return printJSON(cmd, v)
	}
	fmt.Fprintln(cmd.OutOrStdout(), text)
	return nil
}

func sessionIDFromFilename(name string) string {
	ext := filepath.Ext(name)
	return name[:len(name)-len(ext)]
}
