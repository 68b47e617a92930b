// Command server runs the slot booking API and its maintenance tasks.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/iliyamo/slot-booking/internal/config"
	"github.com/iliyamo/slot-booking/internal/database"
	"github.com/iliyamo/slot-booking/internal/obs"
)

var Version = "dev"

var rootCmd = &cobra.Command{
	Use:           "slot-booking",
	Short:         "Time-slot booking API with hosted checkout payments",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	rootCmd.AddCommand(serveCmd, migrateCmd, sweepCmd, notifierCmd, importSlotsCmd, tokenCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// bootstrap loads the configuration and builds the logger every command
// shares.
func bootstrap() (config.Config, *logrus.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, nil, fmt.Errorf("config: %w", err)
	}
	return cfg, obs.NewLogger(cfg.Env, cfg.LogLevel), nil
}

func openDB(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	db, err := database.Open(ctx, database.Options{
		User: cfg.DBUser,
		Pass: cfg.DBPass,
		Host: cfg.DBHost,
		Port: cfg.DBPort,
		Name: cfg.DBName,
	})
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	return db, nil
}
