package database

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/noah-isme/pickup-go-api/internal/models"
)

// Migrate creates or updates the schema. On Postgres it also installs the
// trigger that mirrors pickup changes onto the pickup_changes NOTIFY channel.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(models.All()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	if db.Dialector.Name() != "postgres" {
		return nil
	}
	for _, statement := range notifyStatements {
		if err := db.Exec(statement).Error; err != nil {
			return fmt.Errorf("install change trigger: %w", err)
		}
	}
	return nil
}

// The payload matches the JSON shape of realtime.ChangeEvent. Version is part
// of the dedup key, so events also published by the service are dropped.
var notifyStatements = []string{
	`CREATE OR REPLACE FUNCTION pickup_notify_change() RETURNS trigger AS $$
DECLARE
	payload json;
BEGIN
	IF TG_TABLE_NAME = 'pickup_requests' THEN
		payload := json_build_object(
			'id', md5(random()::text),
			'table', TG_TABLE_NAME,
			'op', lower(TG_OP),
			'row_id', NEW.id,
			'student_id', NEW.student_id,
			'class_id', NEW.class_id,
			'actor_id', NEW.parent_id,
			'old_status', CASE WHEN TG_OP = 'UPDATE' THEN OLD.status ELSE '' END,
			'new_status', NEW.status,
			'version', NEW.version,
			'occurred_at', now()
		);
	ELSE
		payload := json_build_object(
			'id', md5(random()::text),
			'table', TG_TABLE_NAME,
			'op', lower(TG_OP),
			'row_id', NEW.id,
			'actor_id', NEW.authorized_parent_id,
			'occurred_at', now()
		);
	END IF;
	PERFORM pg_notify('pickup_changes', payload::text);
	RETURN NEW;
END;
$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS pickup_requests_notify ON pickup_requests`,
	`CREATE TRIGGER pickup_requests_notify AFTER INSERT OR UPDATE ON pickup_requests
	FOR EACH ROW EXECUTE FUNCTION pickup_notify_change()`,
	`DROP TRIGGER IF EXISTS pickup_authorizations_notify ON pickup_authorizations`,
	`CREATE TRIGGER pickup_authorizations_notify AFTER INSERT OR UPDATE ON pickup_authorizations
	FOR EACH ROW EXECUTE FUNCTION pickup_notify_change()`,
}
