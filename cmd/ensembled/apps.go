package main

import (
	"fmt"

	"github.com/ironfang-ltd/go-ensemble"
)

// demoApps serves a "demo" app with three entity types:
//
//	counter  inc, get, reset (public), bump (private)
//	hero     create, rename, get, retire (public), indexed
//	roster   byName (public), answers with matching hero ids
func demoApps() (ensemble.StaticApps, error) {
	app, err := ensemble.NewApp("demo", counterType(), heroType(), rosterType())
	if err != nil {
		return nil, err
	}
	return ensemble.StaticApps{app.ID: app}, nil
}

func counterType() *ensemble.EntityType {
	return &ensemble.EntityType{
		Name:    "counter",
		Version: 2,
		Migrations: map[int]ensemble.MigrationFunc{
			// v1 stored the value under "count".
			2: func(s ensemble.State) (ensemble.State, error) {
				if v, ok := s["count"]; ok {
					s["value"] = v
					delete(s, "count")
				}
				return s, nil
			},
		},
		Funcs: map[string]ensemble.Func{
			"inc": {Visibility: ensemble.Public, Body: func(call *ensemble.FuncCall) (ensemble.Result, error) {
				by := 1.0
				if v, ok := call.Payload["by"].(float64); ok {
					by = v
				}
				value := counterValue(call.State) + by
				call.Ctx.SendResponse(ensemble.Payload{"value": value}, nil)
				return ensemble.ReplaceState(ensemble.State{"value": value}), nil
			}},
			"get": {Visibility: ensemble.Public, Body: func(call *ensemble.FuncCall) (ensemble.Result, error) {
				call.Ctx.SendResponse(ensemble.Payload{"value": counterValue(call.State)}, nil)
				return ensemble.KeepState(), nil
			}},
			"reset": {Visibility: ensemble.Public, Body: func(call *ensemble.FuncCall) (ensemble.Result, error) {
				call.Ctx.SendResponse(ensemble.Payload{"deleted": true}, nil)
				return ensemble.DeleteEntity(), nil
			}},
			"bump": {Visibility: ensemble.Private, Body: func(call *ensemble.FuncCall) (ensemble.Result, error) {
				return ensemble.ReplaceState(ensemble.State{"value": counterValue(call.State) + 1}), nil
			}},
		},
	}
}

func counterValue(s ensemble.State) float64 {
	switch v := s["value"].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

func heroType() *ensemble.EntityType {
	return &ensemble.EntityType{
		Name:  "hero",
		Index: ensemble.IndexSimple,
		Funcs: map[string]ensemble.Func{
			"create": {Visibility: ensemble.Public, Body: func(call *ensemble.FuncCall) (ensemble.Result, error) {
				if call.State != nil {
					return ensemble.KeepState(), fmt.Errorf("hero %s already exists", call.EntityID)
				}
				name, _ := call.Payload["name"].(string)
				call.Ctx.SendResponse(ensemble.Payload{"id": call.EntityID, "name": name}, nil)
				// Every new hero bumps the demo counter of the same id.
				if err := call.Lib.Invoke("counter", "bump", "heroes", nil, nil); err != nil {
					return ensemble.KeepState(), err
				}
				return ensemble.ReplaceState(ensemble.State{"name": name, "level": 1.0}), nil
			}},
			"rename": {Visibility: ensemble.Public, Body: func(call *ensemble.FuncCall) (ensemble.Result, error) {
				if call.State == nil {
					return ensemble.KeepState(), fmt.Errorf("hero %s not found", call.EntityID)
				}
				name, _ := call.Payload["name"].(string)
				next := ensemble.State{}
				for k, v := range call.State {
					next[k] = v
				}
				next["name"] = name
				call.Ctx.SendResponse(ensemble.Payload{"name": name}, nil)
				return ensemble.ReplaceState(next), nil
			}},
			"get": {Visibility: ensemble.Public, Body: func(call *ensemble.FuncCall) (ensemble.Result, error) {
				call.Ctx.SendResponse(ensemble.Payload{"hero": call.State}, nil)
				return ensemble.KeepState(), nil
			}},
			"retire": {Visibility: ensemble.Public, Body: func(call *ensemble.FuncCall) (ensemble.Result, error) {
				call.Ctx.SendResponse(ensemble.Payload{"retired": call.EntityID}, nil)
				return ensemble.DeleteEntity(), nil
			}},
		},
	}
}

func rosterType() *ensemble.EntityType {
	return &ensemble.EntityType{
		Name: "roster",
		Funcs: map[string]ensemble.Func{
			"byName": {Visibility: ensemble.Public, Body: func(call *ensemble.FuncCall) (ensemble.Result, error) {
				name, _ := call.Payload["name"].(string)
				q := ensemble.EntityQuery{Attributes: []ensemble.QueryAttribute{{Name: "name", Match: &name}}}
				if minLevel, ok := call.Payload["minLevel"].(float64); ok {
					q.Attributes = append(q.Attributes, ensemble.QueryAttribute{Name: "level", Min: &minLevel})
				}
				target := ensemble.ListTarget{EntityType: "roster", EntityID: call.EntityID, Func: "found"}
				return ensemble.KeepState(), call.Lib.Query("hero", q, target, nil, call.Ctx)
			}},
			"found": {Visibility: ensemble.Private, Body: func(call *ensemble.FuncCall) (ensemble.Result, error) {
				call.Ctx.SendResponse(ensemble.Payload{"heroes": call.Payload["ids"]}, nil)
				return ensemble.KeepState(), nil
			}},
		},
	}
}
