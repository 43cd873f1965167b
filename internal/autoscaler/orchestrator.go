package autoscaler

import (
	"fmt"
	"strconv"

	"github.com/agentgrid/agentgrid/internal/adapter/kv/rediskv"
	"github.com/agentgrid/agentgrid/internal/domain"
)

// desiredKey is where the pool size is published. An external
// supervisor (or a deploy pipeline) watches this key and adds or
// removes worker processes to match.
const desiredKey = "autoscaler:desired"

// KVOrchestrator publishes the desired worker count through the KV
// store.
type KVOrchestrator struct {
	kv       *rediskv.Client
	fallback int
}

// NewKVOrchestrator constructs a KVOrchestrator; fallback is reported
// while no desired count has been published yet.
func NewKVOrchestrator(kv *rediskv.Client, fallback int) *KVOrchestrator {
	return &KVOrchestrator{kv: kv, fallback: fallback}
}

// DesiredCount reads the last published pool size.
func (o *KVOrchestrator) DesiredCount(ctx domain.Context) (int, error) {
	b, found, err := o.kv.GetRaw(ctx, desiredKey)
	if err != nil {
		return 0, fmt.Errorf("op=orchestrator.get: %w", err)
	}
	if !found {
		return o.fallback, nil
	}
	n, err := strconv.Atoi(string(b))
	if err != nil {
		return 0, fmt.Errorf("op=orchestrator.get: decode %q: %w", string(b), err)
	}
	return n, nil
}

// SetDesiredCount publishes a new pool size.
func (o *KVOrchestrator) SetDesiredCount(ctx domain.Context, n int) error {
	ok, err := o.kv.SetJSON(ctx, desiredKey, n, 0)
	if err != nil {
		return fmt.Errorf("op=orchestrator.set: %w", err)
	}
	if !ok {
		return fmt.Errorf("op=orchestrator.set: %w: set not confirmed", domain.ErrStorageUnavailable)
	}
	return nil
}

var _ domain.Orchestrator = (*KVOrchestrator)(nil)
