package main

import (
	"fmt"
	"os"

	"github.com/False-Maker/test-genius-sub004/internal/config"
	"github.com/False-Maker/test-genius-sub004/internal/storage"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{Use: "genius-migrate"}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Run: func(cmd *cobra.Command, args []string) {
		connStr, _ := cmd.Flags().GetString("db")
		down, _ := cmd.Flags().GetBool("down")
		source, _ := cmd.Flags().GetString("source")
		if connStr == "" {
			// Fall back to .env and DB_* variables
			cfg, err := config.Load()
			if err != nil {
				fmt.Printf("Failed to load configuration: %v\n", err)
				os.Exit(1)
			}
			connStr = cfg.DatabaseURL()
		}

		if err := storage.Migrate(source, connStr, down); err != nil {
			fmt.Printf("Failed to apply migrations: %v\n", err)
			os.Exit(1)
		}
		if down {
			fmt.Println("Migrations rolled back successfully")
			return
		}
		fmt.Println("Migrations applied successfully")
	},
}

func main() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().String("db", "", "Database connection string (optional if DB_* env vars are set)")
	migrateCmd.Flags().String("source", "file://migrations", "Migration source URL")
	migrateCmd.Flags().Bool("down", false, "Roll every migration back")
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
