package migration

import (
	"strings"

	"github.com/lernova/credits/internal/config"
	creditdomain "github.com/lernova/credits/internal/credit/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

// Module applies the schema on startup. Postgres uses the versioned
// embedded migrations; sqlite and mysql fall back to AutoMigrate since
// the migration files carry postgres-specific DDL.
var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if strings.EqualFold(cfg.DBType, "postgres") {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			return RunMigrations(sqlDB)
		}

		return conn.AutoMigrate(
			&creditdomain.CreditAccount{},
			&creditdomain.CreditTransaction{},
		)
	}),
)
