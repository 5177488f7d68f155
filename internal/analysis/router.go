package analysis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Codeman-lex/intellimail/internal/intellimail"
	"go.uber.org/zap"
)

// Fallback tries Primary first and Secondary when the primary cannot be
// reached right now. Content errors and cancellation are passed through.
type Fallback struct {
	Primary   intellimail.Capability
	Secondary intellimail.Capability
	Logger    *zap.Logger
}

func (f *Fallback) Invoke(ctx context.Context, req intellimail.StageRequest) (json.RawMessage, error) {
	payload, err := f.Primary.Invoke(ctx, req)
	if err == nil || f.Secondary == nil {
		return payload, err
	}
	if intellimail.Classify(err) != intellimail.KindTransient || ctx.Err() != nil {
		return nil, err
	}
	if f.Logger != nil {
		f.Logger.Warn("primary capability unavailable, using fallback",
			zap.String("stage", string(req.Stage)),
			zap.String("message_id", req.MessageID),
			zap.Error(err),
		)
	}
	payload, fallbackErr := f.Secondary.Invoke(ctx, req)
	if fallbackErr != nil {
		return nil, fmt.Errorf("fallback after %v: %w", err, fallbackErr)
	}
	return payload, nil
}

// Router sends each stage to its own capability. Stages without a route go
// to Default.
type Router struct {
	Default intellimail.Capability
	Routes  map[intellimail.Stage]intellimail.Capability
}

// NewRouter routes importance scoring to the heuristic and everything else
// to primary.
func NewRouter(primary intellimail.Capability, heuristic *HeuristicCapability) *Router {
	return &Router{
		Default: primary,
		Routes: map[intellimail.Stage]intellimail.Capability{
			intellimail.StageImportance: heuristic,
		},
	}
}

func (r *Router) Invoke(ctx context.Context, req intellimail.StageRequest) (json.RawMessage, error) {
	if capability, ok := r.Routes[req.Stage]; ok && capability != nil {
		return capability.Invoke(ctx, req)
	}
	if r.Default == nil {
		return nil, intellimail.Permanent(fmt.Errorf("no capability for stage %s", req.Stage))
	}
	return r.Default.Invoke(ctx, req)
}
