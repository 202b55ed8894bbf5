package ensemble

import (
	"encoding/json"
	"fmt"
	"maps"

	"github.com/rs/zerolog"
)

// versionAttr holds the schema version inside a stored record. It never
// appears in the State a function body sees.
const versionAttr = "_v"

// decodeRecord parses a stored record and splits off its schema version.
// Records written before versioning existed count as version 1.
func decodeRecord(data []byte) (State, int, error) {
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, 0, fmt.Errorf("decode entity record: %w", err)
	}
	if state == nil {
		state = State{}
	}
	version := 1
	if raw, ok := state[versionAttr]; ok {
		if f, ok := raw.(float64); ok && f >= 1 {
			version = int(f)
		}
		delete(state, versionAttr)
	}
	return state, version, nil
}

func encodeRecord(state State, version int) ([]byte, error) {
	out := make(State, len(state)+1)
	maps.Copy(out, state)
	out[versionAttr] = version
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode entity record: %w", err)
	}
	return data, nil
}

// migrateState upgrades state from version to the type's current version by
// applying each step in order. A record newer than the type is left alone
// and logged. Types without migrations keep whatever version they loaded.
func migrateState(t *EntityType, entityID string, state State, version int, log zerolog.Logger) (State, int, error) {
	current := t.SchemaVersion()

	if version > current {
		log.Error().Str("entity_type", t.Name).Str("entity_id", entityID).
			Int("stored_version", version).Int("current_version", current).
			Msg("stored entity is newer than its type, not migrating")
		return state, version, nil
	}
	if version == current || len(t.Migrations) == 0 {
		return state, version, nil
	}

	for v := version + 1; v <= current; v++ {
		step, ok := t.Migrations[v]
		if !ok {
			return nil, version, fmt.Errorf("%w: %s to version %d", ErrMissingMigration, t.Name, v)
		}
		next, err := runMigration(step, state)
		if err != nil {
			return nil, version, fmt.Errorf("migrate %s(%s) to version %d: %w", t.Name, entityID, v, err)
		}
		state = next
	}

	log.Debug().Str("entity_type", t.Name).Str("entity_id", entityID).
		Int("from", version).Int("to", current).Msg("entity migrated")
	return state, current, nil
}

func runMigration(step MigrationFunc, state State) (out State, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError{value: r}
		}
	}()
	return step(state)
}
