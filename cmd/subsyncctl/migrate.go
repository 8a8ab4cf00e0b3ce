package main

import (
	"fmt"
	"strings"

	"github.com/smallbiznis/subsync/internal/config"
	"github.com/smallbiznis/subsync/internal/migration"
	"github.com/smallbiznis/subsync/pkg/db"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded Postgres schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if !strings.EqualFold(strings.TrimSpace(cfg.DBType), db.TypePostgres) {
				return fmt.Errorf("migrations target postgres, got %q", cfg.DBType)
			}
			dialector, err := db.Dialect(cfg)
			if err != nil {
				return err
			}
			conn, err := gorm.Open(dialector, &gorm.Config{})
			if err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			defer sqlDB.Close()

			if err := migration.RunMigrations(sqlDB); err != nil {
				return err
			}
			version, dirty, err := migration.Version(sqlDB)
			if err != nil {
				return err
			}
			fmt.Printf("schema at version %d (dirty=%t)\n", version, dirty)
			return nil
		},
	}
}
