package ensemble

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
)

var ErrInvalidQuery = errors.New("invalid entity query")

// ListTarget names the entity function that receives the result of a list
// walk. It may be private.
type ListTarget struct {
	EntityType string `json:"type"`
	EntityID   string `json:"id"`
	Func       string `json:"func"`
}

// QueryAttribute filters on one indexed attribute. Either Match is set, or
// at least one bound of the numeric range.
type QueryAttribute struct {
	Name  string   `json:"name"`
	Match *string  `json:"match,omitempty"`
	Min   *float64 `json:"min,omitempty"`
	Max   *float64 `json:"max,omitempty"`
}

// EntityQuery selects the entities of one type whose indexed attributes
// all satisfy their filter.
type EntityQuery struct {
	Attributes []QueryAttribute `json:"attributes"`
}

func (q EntityQuery) validate() error {
	if len(q.Attributes) == 0 {
		return fmt.Errorf("%w: at least one attribute is required", ErrInvalidQuery)
	}
	for _, a := range q.Attributes {
		if a.Name == "" {
			return fmt.Errorf("%w: attribute without a name", ErrInvalidQuery)
		}
		if a.Match == nil && a.Min == nil && a.Max == nil {
			return fmt.Errorf("%w: attribute %s has no filter", ErrInvalidQuery, a.Name)
		}
	}
	return nil
}

func (a QueryAttribute) matches(value string) bool {
	if a.Match != nil {
		return value == *a.Match
	}
	n, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return false
	}
	if a.Min != nil && n < *a.Min {
		return false
	}
	if a.Max != nil && n > *a.Max {
		return false
	}
	return true
}

// Walk payload keys. The whole walk state travels with each hop, so a
// chain spread over several nodes needs nothing but the payload.
const (
	walkTarget = "target"
	walkCtx    = "ctx"
	walkElems  = "elems"
	walkQuery  = "query"
	walkAttr   = "attr"
	walkIDs    = "ids"
	walkHits   = "hits"
)

// listIterate appends this chunk's elements to the walk and hands it to the
// next chunk. The tail chunk delivers {"list", "ctx"} to the target.
func listIterate(call *FuncCall) (Result, error) {
	chunk := chunkFromState(call.State)
	walk := clonePayloadShallow(call.Payload)
	walk[walkElems] = append(stringsOf(walk[walkElems]), chunk.list...)

	if chunk.next != "" {
		return KeepState(), call.Lib.Invoke(ListsEntityType, "iterate", chunk.next, walk, call.Ctx)
	}
	return KeepState(), deliverWalk(call, walk[walkTarget], Payload{
		"list":  nonNil(stringsOf(walk[walkElems])),
		walkCtx: walk[walkCtx],
	})
}

// listQuery collects the ids whose index entry matches the current
// attribute. At the tail of an attribute's list the hits are intersected
// with the ids matched so far, and the walk moves on to the next
// attribute's list or delivers {"ids", "ctx"} to the target.
func listQuery(call *FuncCall) (Result, error) {
	walk := clonePayloadShallow(call.Payload)
	raw, _ := walk[walkQuery].(string)
	var q EntityQuery
	if err := json.Unmarshal([]byte(raw), &q); err != nil {
		return KeepState(), fmt.Errorf("decode query: %w", err)
	}
	idx := intOf(walk[walkAttr])
	if idx < 0 || idx >= len(q.Attributes) {
		return KeepState(), fmt.Errorf("%w: attribute index %d out of range", ErrInvalidQuery, idx)
	}
	attr := q.Attributes[idx]

	chunk := chunkFromState(call.State)
	hits := stringsOf(walk[walkHits])
	for _, e := range chunk.list {
		id, value := ParseIndexEntry(e)
		if attr.matches(value) {
			hits = append(hits, id)
		}
	}
	walk[walkHits] = hits

	if chunk.next != "" {
		return KeepState(), call.Lib.Invoke(ListsEntityType, "query", chunk.next, walk, call.Ctx)
	}

	ids := dedupSorted(hits)
	if idx > 0 {
		prev := stringsOf(walk[walkIDs])
		ids = slices.DeleteFunc(ids, func(id string) bool {
			_, found := slices.BinarySearch(prev, id)
			return !found
		})
	}

	entityType, _ := walk["type"].(string)
	if idx+1 < len(q.Attributes) && len(ids) > 0 {
		walk[walkIDs] = ids
		walk[walkHits] = []string{}
		walk[walkAttr] = idx + 1
		next := IndexListID(entityType, q.Attributes[idx+1].Name)
		return KeepState(), call.Lib.Invoke(ListsEntityType, "query", next, walk, call.Ctx)
	}
	return KeepState(), deliverWalk(call, walk[walkTarget], Payload{
		"ids":   nonNil(ids),
		walkCtx: walk[walkCtx],
	})
}

func deliverWalk(call *FuncCall, rawTarget any, result Payload) error {
	target, err := targetOf(rawTarget)
	if err != nil {
		return err
	}
	out, err := clonePayload(result)
	if err != nil {
		return err
	}
	return call.Lib.Invoke(target.EntityType, target.Func, target.EntityID, out, call.Ctx)
}

func targetPayload(t ListTarget) map[string]any {
	return map[string]any{"type": t.EntityType, "id": t.EntityID, "func": t.Func}
}

func targetOf(v any) (ListTarget, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return ListTarget{}, fmt.Errorf("list walk without a target")
	}
	var t ListTarget
	t.EntityType, _ = m["type"].(string)
	t.EntityID, _ = m["id"].(string)
	t.Func, _ = m["func"].(string)
	if t.EntityType == "" || t.EntityID == "" || t.Func == "" {
		return ListTarget{}, fmt.Errorf("incomplete list walk target %v", m)
	}
	return t, nil
}

func clonePayloadShallow(p Payload) Payload {
	out := make(Payload, len(p)+2)
	for k, v := range p {
		out[k] = v
	}
	return out
}

// stringsOf reads a string list that may have crossed the wire.
func stringsOf(v any) []string {
	switch l := v.(type) {
	case []string:
		return slices.Clone(l)
	case []any:
		out := make([]string, 0, len(l))
		for _, e := range l {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func intOf(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	}
	return 0
}

func dedupSorted(ids []string) []string {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// ListAdd appends elem to a list.
func (l *Lib) ListAdd(listID, elem string) error {
	return l.rt.Invoke(ListsEntityType, "add", listID, Payload{"e": elem}, nil)
}

// ListRemove removes the first occurrence of elem from a list.
func (l *Lib) ListRemove(listID, elem string) error {
	return l.rt.Invoke(ListsEntityType, "remove", listID, Payload{"e": elem}, nil)
}

// ListClear deletes every chunk of a list.
func (l *Lib) ListClear(listID string) error {
	return l.rt.Invoke(ListsEntityType, "clear", listID, Payload{}, nil)
}

// IterateList walks a list and invokes target once with the whole list
// under "list" and ctx under "ctx". fctx travels with the walk, so the
// target can answer the caller's request.
func (l *Lib) IterateList(listID string, target ListTarget, ctx Payload, fctx *FuncContext) error {
	return l.rt.Invoke(ListsEntityType, "iterate", listID, Payload{
		walkTarget: targetPayload(target),
		walkCtx:    map[string]any(ctx),
		walkElems:  []string{},
	}, fctx)
}

// Query finds the entities of entityType matching every attribute of q,
// using the attribute indexes, and invokes target with the sorted ids under
// "ids" and ctx under "ctx". Only types indexed with IndexSimple can be
// queried.
func (l *Lib) Query(entityType string, q EntityQuery, target ListTarget, ctx Payload, fctx *FuncContext) error {
	if err := q.validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("encode query: %w", err)
	}
	return l.rt.Invoke(ListsEntityType, "query", IndexListID(entityType, q.Attributes[0].Name), Payload{
		"type":     entityType,
		walkTarget: targetPayload(target),
		walkCtx:    map[string]any(ctx),
		walkQuery:  string(raw),
		walkAttr:   0,
		walkIDs:    []string{},
		walkHits:   []string{},
	}, fctx)
}
