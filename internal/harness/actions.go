package harness

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/yyupcompany/kyyupgame-sub087/internal/engine"
	"github.com/yyupcompany/kyyupgame-sub087/internal/model"
)

// action executes one call against the engine and returns its response.
type action func(ctx context.Context, e *engine.Engine, args map[string]any) (any, error)

// actions maps action names to engine calls. Args are decoded into the
// call's request type; unknown keys are rejected.
var actions = map[string]action{
	"pool.register": func(ctx context.Context, e *engine.Engine, args map[string]any) (any, error) {
		var req engine.RegisterPoolRequest
		if err := decodeArgs(args, &req); err != nil {
			return nil, err
		}
		pool, err := e.RegisterPool(ctx, req)
		if err != nil {
			return nil, err
		}
		return PoolView(pool), nil
	},
	"pool.allocate": func(ctx context.Context, e *engine.Engine, args map[string]any) (any, error) {
		var req engine.AllocateRequest
		if err := decodeArgs(args, &req); err != nil {
			return nil, err
		}
		return e.Allocate(ctx, req)
	},
	"pool.release": func(ctx context.Context, e *engine.Engine, args map[string]any) (any, error) {
		var req struct {
			AllocationID string `json:"allocation_id"`
		}
		if err := decodeArgs(args, &req); err != nil {
			return nil, err
		}
		return e.Release(ctx, req.AllocationID)
	},
	"pool.resize": func(ctx context.Context, e *engine.Engine, args map[string]any) (any, error) {
		var req struct {
			PoolID   string `json:"pool_id"`
			Capacity uint64 `json:"capacity"`
		}
		if err := decodeArgs(args, &req); err != nil {
			return nil, err
		}
		pool, err := e.ResizePool(ctx, req.PoolID, req.Capacity)
		if err != nil {
			return nil, err
		}
		return PoolView(pool), nil
	},
	"pool.inspect": func(ctx context.Context, e *engine.Engine, args map[string]any) (any, error) {
		var req struct {
			PoolID string `json:"pool_id"`
		}
		if err := decodeArgs(args, &req); err != nil {
			return nil, err
		}
		pool, err := e.InspectPool(ctx, req.PoolID)
		if err != nil {
			return nil, err
		}
		return PoolView(pool), nil
	},
	"pool.delete": func(ctx context.Context, e *engine.Engine, args map[string]any) (any, error) {
		var req struct {
			PoolID string `json:"pool_id"`
		}
		if err := decodeArgs(args, &req); err != nil {
			return nil, err
		}
		return nil, e.DeletePool(ctx, req.PoolID)
	},
	"record.read": func(ctx context.Context, e *engine.Engine, args map[string]any) (any, error) {
		var req struct {
			ID string `json:"id"`
		}
		if err := decodeArgs(args, &req); err != nil {
			return nil, err
		}
		return e.Read(ctx, req.ID)
	},
	"record.write": func(ctx context.Context, e *engine.Engine, args map[string]any) (any, error) {
		var req engine.WriteRequest
		if err := decodeArgs(args, &req); err != nil {
			return nil, err
		}
		return e.WriteVersioned(ctx, req)
	},
	"record.patch": func(ctx context.Context, e *engine.Engine, args map[string]any) (any, error) {
		var req struct {
			ID    string       `json:"id"`
			Patch model.Object `json:"patch"`
		}
		if err := decodeArgs(args, &req); err != nil {
			return nil, err
		}
		return e.Patch(ctx, req.ID, req.Patch)
	},
	"tx.run": func(ctx context.Context, e *engine.Engine, args map[string]any) (any, error) {
		var req engine.RunTransactionRequest
		if err := decodeArgs(args, &req); err != nil {
			return nil, err
		}
		return e.RunTransaction(ctx, req)
	},
	"tx.verify": func(ctx context.Context, e *engine.Engine, args map[string]any) (any, error) {
		var req struct {
			TransactionID string `json:"transaction_id"`
		}
		if err := decodeArgs(args, &req); err != nil {
			return nil, err
		}
		return e.VerifyTransaction(ctx, req.TransactionID)
	},
	"conflict.report": func(ctx context.Context, e *engine.Engine, args map[string]any) (any, error) {
		var req struct {
			System   string    `json:"system"`
			EntityID string    `json:"entity_id"`
			Field    string    `json:"field"`
			Value    any       `json:"value"`
			At       time.Time `json:"at"`
		}
		if err := decodeArgs(args, &req); err != nil {
			return nil, err
		}
		value, err := model.FromGo(req.Value)
		if err != nil {
			return nil, &engine.Error{Code: engine.CodeInvalidRequest, Message: "invalid value", Err: err}
		}
		return nil, e.ReportValue(ctx, engine.ReportRequest{
			System:   req.System,
			EntityID: req.EntityID,
			Field:    req.Field,
			Value:    value,
			At:       req.At,
		})
	},
	"conflict.detect": func(ctx context.Context, e *engine.Engine, args map[string]any) (any, error) {
		var req struct {
			EntityID string `json:"entity_id"`
		}
		if err := decodeArgs(args, &req); err != nil {
			return nil, err
		}
		rec, err := e.DetectConflict(ctx, req.EntityID)
		if err != nil || rec == nil {
			return nil, err
		}
		return rec, nil
	},
	"conflict.resolve": func(ctx context.Context, e *engine.Engine, args map[string]any) (any, error) {
		var req engine.ResolveRequest
		if err := decodeArgs(args, &req); err != nil {
			return nil, err
		}
		return e.ResolveConflict(ctx, req)
	},
}

// Actions returns the names of all supported actions.
func Actions() []string {
	names := make([]string, 0, len(actions))
	for name := range actions {
		names = append(names, name)
	}
	return names
}

// PoolView is the reported shape of a pool, including derived fields.
func PoolView(p model.ResourcePool) map[string]any {
	return map[string]any{
		"pool_id":   p.PoolID,
		"kind":      string(p.Kind),
		"capacity":  p.TotalCapacity,
		"allocated": p.Allocated,
		"remaining": p.Remaining(),
		"status":    string(p.Status()),
	}
}

// decodeArgs decodes scenario args into a request through JSON, keeping
// integers exact.
func decodeArgs(args map[string]any, dst any) error {
	if args == nil {
		args = map[string]any{}
	}
	data, err := json.Marshal(args)
	if err == nil {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		dec.DisallowUnknownFields()
		err = dec.Decode(dst)
	}
	if err != nil {
		return &engine.Error{Code: engine.CodeInvalidRequest, Message: "invalid args", Err: err}
	}
	return nil
}

// toValue converts a response into a Value through its JSON encoding.
func toValue(v any) (model.Value, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return model.FromGo(generic)
}
