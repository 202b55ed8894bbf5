package ensemble

import (
	"slices"

	"github.com/google/uuid"
)

// ListsEntityType is the internal entity type backing chunked string lists.
// Every app runtime registers it automatically.
const ListsEntityType = "_lists"

const listChunkMaxElements = 1000

// newListsType returns the chunked list type. A list is a chain of chunk
// entities: the head keeps the most recent elements, and once it is full its
// contents move to a fresh chunk that the head links to through "next".
func newListsType() *EntityType {
	return &EntityType{
		Name:    ListsEntityType,
		Version: 1,
		Funcs: map[string]Func{
			"add":     {Visibility: Private, Body: listAdd},
			"remove":  {Visibility: Private, Body: listRemove},
			"addNext": {Visibility: Private, Body: listAddNext},
			"clear":   {Visibility: Private, Body: listClear},
			"iterate": {Visibility: Private, Body: listIterate},
			"query":   {Visibility: Private, Body: listQuery},
		},
	}
}

type listChunk struct {
	list []string
	next string
}

func chunkFromState(s State) listChunk {
	var c listChunk
	if s == nil {
		return c
	}
	switch l := s["list"].(type) {
	case []string:
		c.list = slices.Clone(l)
	case []any:
		for _, e := range l {
			if str, ok := e.(string); ok {
				c.list = append(c.list, str)
			}
		}
	}
	c.next, _ = s["next"].(string)
	return c
}

func (c listChunk) state() State {
	s := State{"list": c.list}
	if c.next != "" {
		s["next"] = c.next
	}
	if c.list == nil {
		s["list"] = []string{}
	}
	return s
}

func listAdd(call *FuncCall) (Result, error) {
	elem, _ := call.Payload["e"].(string)
	chunk := chunkFromState(call.State)

	if len(chunk.list) >= listChunkMaxElements {
		nextID := uuid.NewString()
		moved := chunk.state()
		if err := call.Lib.Invoke(ListsEntityType, "addNext", nextID, Payload(moved), nil); err != nil {
			return Result{}, err
		}
		chunk = listChunk{next: nextID}
	}

	chunk.list = append(chunk.list, elem)
	return ReplaceState(chunk.state()), nil
}

func listRemove(call *FuncCall) (Result, error) {
	if call.State == nil {
		return KeepState(), nil
	}
	elem, _ := call.Payload["e"].(string)
	chunk := chunkFromState(call.State)

	if i := slices.Index(chunk.list, elem); i >= 0 {
		chunk.list = slices.Delete(chunk.list, i, i+1)
		return ReplaceState(chunk.state()), nil
	}
	if chunk.next != "" {
		if err := call.Lib.Invoke(ListsEntityType, "remove", chunk.next, call.Payload, nil); err != nil {
			return Result{}, err
		}
	}
	return KeepState(), nil
}

func listAddNext(call *FuncCall) (Result, error) {
	return ReplaceState(chunkFromState(State(call.Payload)).state()), nil
}

func listClear(call *FuncCall) (Result, error) {
	if call.State == nil {
		return KeepState(), nil
	}
	if next := chunkFromState(call.State).next; next != "" {
		if err := call.Lib.Invoke(ListsEntityType, "clear", next, Payload{}, nil); err != nil {
			return Result{}, err
		}
	}
	return DeleteEntity(), nil
}
