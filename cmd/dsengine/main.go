package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cuemby/dsengine/pkg/config"
	"github.com/cuemby/dsengine/pkg/ds"
	"github.com/cuemby/dsengine/pkg/log"
	"github.com/cuemby/dsengine/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "dsengine",
	Short:   "dsengine - sharded, log-structured durable storage for MQTT messages",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("dsengine version %s\nCommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("data-dir", "./data", "Root directory each opened DB's shard files live under")
	rootCmd.PersistentFlags().String("manifest", "", "Path to a YAML DB manifest (pkg/config); required for every subcommand")
	rootCmd.PersistentFlags().String("db", "", "Database name, must match an entry in --manifest")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(openDBCmd)
	rootCmd.AddCommand(closeDBCmd)
	rootCmd.AddCommand(dropDBCmd)
	rootCmd.AddCommand(addGenerationCmd)
	rootCmd.AddCommand(dropGenerationCmd)
	rootCmd.AddCommand(listGenerationsCmd)
	rootCmd.AddCommand(storeCmd)
	rootCmd.AddCommand(replayCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	if err := log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON}); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// openManagerAndDB loads the manifest entry named by --db, opens the
// facade rooted at --data-dir, and opens that one database. Every
// subcommand is a fresh process, so each re-derives the DB's shard/layout
// configuration from the manifest rather than relying on in-memory state
// from a prior invocation.
func openManagerAndDB(cmd *cobra.Command) (*ds.Manager, string, error) {
	manifestPath, _ := cmd.Flags().GetString("manifest")
	dbName, _ := cmd.Flags().GetString("db")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	if manifestPath == "" || dbName == "" {
		return nil, "", fmt.Errorf("--manifest and --db are required")
	}

	manifest, err := config.Load(manifestPath)
	if err != nil {
		return nil, "", err
	}
	var entry *config.DatabaseEntry
	for i := range manifest.Databases {
		if manifest.Databases[i].Name == dbName {
			entry = &manifest.Databases[i]
			break
		}
	}
	if entry == nil {
		return nil, "", fmt.Errorf("db %q not found in manifest %s", dbName, manifestPath)
	}

	m := ds.NewManager(dataDir)
	if err := m.OpenDB(dbName, entry.DBConfig()); err != nil {
		return nil, "", err
	}
	return m, dbName, nil
}

var openDBCmd = &cobra.Command{
	Use:   "open-db",
	Short: "Open (creating if needed) a database from the manifest",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, dbName, err := openManagerAndDB(cmd)
		if err != nil {
			return err
		}
		fmt.Printf("database %q opened\n", dbName)
		return m.CloseDB(dbName)
	},
}

var closeDBCmd = &cobra.Command{
	Use:   "close-db",
	Short: "Close a database's shard files",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, dbName, err := openManagerAndDB(cmd)
		if err != nil {
			return err
		}
		if err := m.CloseDB(dbName); err != nil {
			return err
		}
		fmt.Printf("database %q closed\n", dbName)
		return nil
	},
}

var dropDBCmd = &cobra.Command{
	Use:   "drop-db",
	Short: "Close a database and delete its on-disk shard files",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, dbName, err := openManagerAndDB(cmd)
		if err != nil {
			return err
		}
		if err := m.DropDB(dbName); err != nil {
			return err
		}
		fmt.Printf("database %q dropped\n", dbName)
		return nil
	},
}

var addGenerationCmd = &cobra.Command{
	Use:   "add-generation",
	Short: "Roll every shard of a database to a new generation",
	RunE: func(cmd *cobra.Command, args []string) error {
		sinceUs, _ := cmd.Flags().GetInt64("since")
		if sinceUs == 0 {
			sinceUs = time.Now().UnixMicro()
		}
		m, dbName, err := openManagerAndDB(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = m.CloseDB(dbName) }()

		gens, err := m.AddGeneration(dbName, sinceUs)
		if err != nil {
			return err
		}
		for shardID, genID := range gens {
			fmt.Printf("shard %s -> generation %d\n", shardID, genID)
		}
		return nil
	},
}

func init() {
	addGenerationCmd.Flags().Int64("since", 0, "Microsecond boundary for the new generation; 0 means wall-clock now")
}

var dropGenerationCmd = &cobra.Command{
	Use:   "drop-generation",
	Short: "Drop one shard's generation and reclaim its column families",
	RunE: func(cmd *cobra.Command, args []string) error {
		shardID, _ := cmd.Flags().GetString("shard")
		genID, _ := cmd.Flags().GetInt64("gen")
		m, dbName, err := openManagerAndDB(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = m.CloseDB(dbName) }()

		if err := m.DropGeneration(dbName, types.Shard(shardID), types.GenID(genID)); err != nil {
			return err
		}
		fmt.Printf("shard %s generation %d dropped\n", shardID, genID)
		return nil
	},
}

func init() {
	dropGenerationCmd.Flags().String("shard", "0", "Shard index")
	dropGenerationCmd.Flags().Int64("gen", 0, "Generation id to drop")
}

var listGenerationsCmd = &cobra.Command{
	Use:   "list-generations",
	Short: "List every shard's generation lifetimes",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, dbName, err := openManagerAndDB(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = m.CloseDB(dbName) }()

		lifetimes, err := m.ListGenerationsWithLifetimes(dbName)
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(lifetimes, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

var storeCmd = &cobra.Command{
	Use:   "store",
	Short: "Store a single message",
	RunE: func(cmd *cobra.Command, args []string) error {
		topic, _ := cmd.Flags().GetString("topic")
		from, _ := cmd.Flags().GetString("from")
		payload, _ := cmd.Flags().GetString("payload")
		tsUs, _ := cmd.Flags().GetInt64("ts")

		m, dbName, err := openManagerAndDB(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = m.CloseDB(dbName) }()

		batch := types.Batch{
			Operations: []types.Operation{{
				Kind: types.OpStore,
				Message: &types.Message{
					ID:          uuid.New(),
					From:        from,
					Topic:       topic,
					TimestampUs: tsUs,
					Payload:     []byte(payload),
				},
			}},
			Opts: types.BatchOpts{Atomic: true, Durable: true},
		}
		if err := m.StoreBatch(dbName, batch); err != nil {
			return err
		}
		fmt.Printf("stored 1 message on topic %q\n", topic)
		return nil
	},
}

func init() {
	storeCmd.Flags().String("topic", "", "MQTT topic")
	storeCmd.Flags().String("from", "", "Client id")
	storeCmd.Flags().String("payload", "", "Message payload")
	storeCmd.Flags().Int64("ts", 0, "Timestamp in microseconds; stored as given unless the DB forces monotonic timestamps, in which case the shard raises it past its latest one")
	_ = storeCmd.MarkFlagRequired("topic")
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay every message matching a topic filter from a start time",
	RunE: func(cmd *cobra.Command, args []string) error {
		filter, _ := cmd.Flags().GetString("topic-filter")
		startUs, _ := cmd.Flags().GetInt64("start-us")
		batchSize, _ := cmd.Flags().GetInt("batch-size")

		m, dbName, err := openManagerAndDB(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = m.CloseDB(dbName) }()

		streams, err := m.GetStreams(dbName, filter)
		if err != nil {
			return err
		}
		for _, st := range streams {
			it, err := m.MakeIterator(dbName, st, filter, startUs)
			if err != nil {
				return err
			}
			for {
				entries, eos, err := m.Next(dbName, it, batchSize)
				if err != nil {
					_ = m.CloseIterator(it)
					return err
				}
				for _, e := range entries {
					fmt.Fprintf(cmd.OutOrStdout(), "%d %s %s %q\n", e.Message.TimestampUs, e.Message.From, e.Message.Topic, e.Message.Payload)
				}
				if eos || len(entries) == 0 {
					break
				}
			}
			if err := m.CloseIterator(it); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	replayCmd.Flags().String("topic-filter", "#", "MQTT topic filter")
	replayCmd.Flags().Int64("start-us", 0, "Replay start timestamp in microseconds")
	replayCmd.Flags().Int("batch-size", 100, "Messages fetched per next() call")
}
