package bias

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/quantfold/marketbias/internal/kv"
)

const overrideKey = "bias/override"

// Override is an operator-enforced bias level with an optional expiry.
type Override struct {
	Level     Level      `json:"level"`
	Reason    string     `json:"reason,omitempty"`
	SetBy     string     `json:"set_by,omitempty"`
	SetAt     time.Time  `json:"set_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the override has lapsed.
func (o *Override) Expired(now time.Time) bool {
	return o.ExpiresAt != nil && now.After(*o.ExpiresAt)
}

// SetOverride installs an operator override.
func SetOverride(ctx context.Context, store kv.Store, o Override) error {
	if _, err := ParseLevel(string(o.Level)); err != nil {
		return err
	}
	buf, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to marshal override: %w", err)
	}
	ttl := time.Duration(0)
	if o.ExpiresAt != nil {
		ttl = time.Until(*o.ExpiresAt)
		if ttl <= 0 {
			return fmt.Errorf("override expiry is in the past")
		}
	}
	return store.Set(ctx, overrideKey, buf, ttl)
}

// GetOverride returns the active override, or nil when absent or lapsed.
func GetOverride(ctx context.Context, store kv.Store, now time.Time) (*Override, error) {
	buf, found, err := store.Get(ctx, overrideKey)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	var o Override
	if err := json.Unmarshal(buf, &o); err != nil {
		return nil, fmt.Errorf("corrupt override record: %w", err)
	}
	if o.Expired(now) {
		return nil, nil
	}
	return &o, nil
}

// ClearOverride removes any operator override.
func ClearOverride(ctx context.Context, store kv.Store) error {
	return store.Del(ctx, overrideKey)
}
