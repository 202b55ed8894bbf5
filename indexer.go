package ensemble

import (
	"strconv"
	"strings"
)

// indexSnapshot holds the stringified top-level primitive attributes of an
// entity as they were before a function ran.
type indexSnapshot map[string]string

// IndexListID names the list holding the index of one attribute.
func IndexListID(entityType, attr string) string {
	return "idx_" + entityType + "_" + attr
}

// indexEntry joins an entity id and an attribute value into a list element.
// Entity ids cannot contain ':', so the first colon always splits the two.
func indexEntry(entityID, value string) string {
	return entityID + ":" + value
}

// ParseIndexEntry splits a list element produced by the indexer.
func ParseIndexEntry(entry string) (entityID, value string) {
	entityID, value, _ = strings.Cut(entry, ":")
	return entityID, value
}

func snapshotIndex(t *EntityType, state State) indexSnapshot {
	if t.Index != IndexSimple || state == nil {
		return nil
	}
	return primitiveAttributes(state)
}

func primitiveAttributes(state State) indexSnapshot {
	out := make(indexSnapshot)
	for k, v := range state {
		if s, ok := stringifyPrimitive(v); ok {
			out[k] = s
		}
	}
	return out
}

func stringifyPrimitive(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case bool:
		return strconv.FormatBool(x), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32), true
	case int:
		return strconv.Itoa(x), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case int32:
		return strconv.FormatInt(int64(x), 10), true
	case uint:
		return strconv.FormatUint(uint64(x), 10), true
	case uint64:
		return strconv.FormatUint(x, 10), true
	}
	return "", false
}

// indexEntity updates the attribute lists for every primitive attribute
// whose value changed, and drops entries for attributes that went away.
func (r *EntityRuntime) indexEntity(entityType, entityID string, before indexSnapshot, after State) {
	now := primitiveAttributes(after)

	for attr, value := range now {
		old, had := before[attr]
		if had && old == value {
			continue
		}
		listID := IndexListID(entityType, attr)
		if !IsEntityIDValid(listID) {
			r.log.Debug().Str("entity_type", entityType).Str("attr", attr).Msg("attribute not indexable")
			continue
		}
		if had {
			r.listCall(listID, "remove", indexEntry(entityID, old))
		}
		r.listCall(listID, "add", indexEntry(entityID, value))
	}

	for attr, old := range before {
		if _, still := now[attr]; still {
			continue
		}
		listID := IndexListID(entityType, attr)
		if IsEntityIDValid(listID) {
			r.listCall(listID, "remove", indexEntry(entityID, old))
		}
	}
}

func (r *EntityRuntime) deleteIndexes(entityType, entityID string, before indexSnapshot) {
	for attr, old := range before {
		listID := IndexListID(entityType, attr)
		if IsEntityIDValid(listID) {
			r.listCall(listID, "remove", indexEntry(entityID, old))
		}
	}
}

func (r *EntityRuntime) listCall(listID, fn, elem string) {
	if err := r.Invoke(ListsEntityType, fn, listID, Payload{"e": elem}, nil); err != nil {
		r.log.Error().Err(err).Str("list", listID).Str("func", fn).Msg("index update failed")
	}
}
