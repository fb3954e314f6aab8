package main

import (
	"errors"
	"io/fs"
	"os"

	"github.com/franciszver/lexforge-sub002/internal/config"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	envFile string
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "lexforge-collab",
		Short:         "Collaborative editing presence and sync service",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	})
	rootCmd.AddCommand(newTokenCommand())

	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.StringVar(&envFile, "env-file", "", "Path to a dotenv file loaded before configuration")
	flags.String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("store-backend", defaults.GetString("store.backend"), "Presence and sync store (sqlite, postgres, redis)")
	flags.String("database-path", defaults.GetString("database.path"), "SQLite database path")
	flags.String("database-dsn", defaults.GetString("database.dsn"), "PostgreSQL DSN")
	flags.String("redis-url", defaults.GetString("redis.url"), "Redis URL")
	flags.String("signing-secret", "", "Session signing secret (overrides env)")
	flags.Duration("sync-debounce", defaults.GetDuration("sync.debounce"), "Quiet period before content is synced")
	flags.Duration("cursor-throttle", defaults.GetDuration("cursor.throttle"), "Minimum spacing between cursor sends")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "store.backend", "store-backend")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "redis.url", "redis-url")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "sync.debounce", "sync-debounce")
	bindFlag(cmd, "cursor.throttle", "cursor-throttle")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return err
		}
	} else if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("lexforge")
		viper.AddConfigPath(".")
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}
