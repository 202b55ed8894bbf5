package ensemble

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// mapChangeChannel is the LISTEN/NOTIFY channel carrying cluster_map changes.
const mapChangeChannel = "ensemble_map_changes"

// MigrateSchema creates the entity store and cluster map tables together
// with the change-notification trigger. Every statement is idempotent, so
// it is safe to call on every startup.
func MigrateSchema(ctx context.Context, pool *pgxpool.Pool) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS entities (
	entity_key TEXT PRIMARY KEY,
	data       BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS cluster_map (
	map_name   TEXT NOT NULL,
	map_key    TEXT NOT NULL,
	value      TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (map_name, map_key)
);

CREATE OR REPLACE FUNCTION ensemble_map_notify() RETURNS trigger AS $$
BEGIN
	IF TG_OP = 'DELETE' THEN
		PERFORM pg_notify('ensemble_map_changes', json_build_object(
			'map', OLD.map_name, 'kind', 'removed', 'key', OLD.map_key)::text);
		RETURN OLD;
	END IF;
	PERFORM pg_notify('ensemble_map_changes', json_build_object(
		'map', NEW.map_name,
		'kind', CASE WHEN TG_OP = 'INSERT' THEN 'added' ELSE 'updated' END,
		'key', NEW.map_key,
		'value', NEW.value)::text);
	RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS ensemble_map_changed ON cluster_map;
CREATE TRIGGER ensemble_map_changed
	AFTER INSERT OR UPDATE OR DELETE ON cluster_map
	FOR EACH ROW EXECUTE FUNCTION ensemble_map_notify();
`
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}
