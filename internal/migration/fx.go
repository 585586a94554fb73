package migration

import (
	"github.com/glosshouse/squaresync/internal/config"
	"github.com/glosshouse/squaresync/internal/seed"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}

		if err := RunMigrations(sqlDB); err != nil {
			return err
		}

		if cfg.SquareMerchantID != "" {
			return seed.EnsureOrganization(conn, cfg.SquareMerchantID, cfg.BootstrapOrgName)
		}
		return nil
	}),
)
