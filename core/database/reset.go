package database

import (
	"fmt"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// DropTables removes the given tables. On postgres identifiers are quoted and
// dependents are dropped with CASCADE; other dialects go through the gorm
// migrator.
func DropTables(db *gorm.DB, driver string, tables ...string) error {
	for _, table := range tables {
		if driver == "postgres" {
			stmt := fmt.Sprintf("DROP TABLE IF EXISTS %s CASCADE", pq.QuoteIdentifier(table))
			if err := db.Exec(stmt).Error; err != nil {
				return fmt.Errorf("failed to drop table %s: %w", table, err)
			}
		} else if db.Migrator().HasTable(table) {
			if err := db.Migrator().DropTable(table); err != nil {
				return fmt.Errorf("failed to drop table %s: %w", table, err)
			}
		}
		logrus.Infof("[DATABASE] Dropped table %s", table)
	}
	return nil
}
