// Adds the broker job correlation id so a redelivered message can be traced
// back to the audit row it belongs to.
package migration_1

import (
	"database/sql"
	"fmt"

	"gorm.io/gorm"
)

type QueueTask struct {
	BrokerJobId sql.NullString `gorm:"size:200"`
}

func Migration(txn *gorm.DB) error {
	if err := txn.Migrator().AddColumn(&QueueTask{}, "broker_job_id"); err != nil {
		return fmt.Errorf("error adding broker_job_id column: %w", err)
	}
	return nil
}

func Rollback(txn *gorm.DB) error {
	if err := txn.Migrator().DropColumn(&QueueTask{}, "broker_job_id"); err != nil {
		return fmt.Errorf("error dropping broker_job_id column: %w", err)
	}
	return nil
}
