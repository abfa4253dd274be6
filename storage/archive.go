// Package storage archives vehicle records and alerts in NATS KV so a restarted
// coordinator can recover its registry.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/v2icoord/model"
)

// Bucket names.
const (
	BucketVehicles = "V2I_VEHICLES"
	BucketAlerts   = "V2I_ALERTS"
)

// ErrNotFound is returned when a record is not in the archive. It matches
// model.ErrNotFound.
var ErrNotFound = fmt.Errorf("archive record: %w", model.ErrNotFound)

// Store provides archive operations backed by NATS KV.
type Store struct {
	vehicles jetstream.KeyValue
	alerts   jetstream.KeyValue
}

// NewStore creates a Store with the given JetStream context, creating the
// buckets if they don't exist.
func NewStore(ctx context.Context, js jetstream.JetStream) (*Store, error) {
	vehicles, err := getOrCreateBucket(ctx, js, BucketVehicles, 5)
	if err != nil {
		return nil, fmt.Errorf("create vehicles bucket: %w", err)
	}

	alerts, err := getOrCreateBucket(ctx, js, BucketAlerts, 1)
	if err != nil {
		return nil, fmt.Errorf("create alerts bucket: %w", err)
	}

	return &Store{vehicles: vehicles, alerts: alerts}, nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string, history uint8) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("V2I %s archive", strings.ToLower(strings.TrimPrefix(name, "V2I_"))),
		History:     history,
	})
}

// Key maps an entity id onto a valid KV key. Ids may contain ':', which KV
// keys may not; ids never contain '=', so the mapping is reversible.
func Key(id string) string {
	return strings.ReplaceAll(id, ":", "=")
}

// PutVehicle stores the latest record for a vehicle.
func (s *Store) PutVehicle(ctx context.Context, v model.Vehicle) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal vehicle: %w", err)
	}
	if _, err := s.vehicles.Put(ctx, Key(v.ID), data); err != nil {
		return fmt.Errorf("store vehicle %s: %w", v.ID, err)
	}
	return nil
}

// GetVehicle retrieves a vehicle record by id.
func (s *Store) GetVehicle(ctx context.Context, id string) (model.Vehicle, error) {
	var v model.Vehicle
	if err := get(ctx, s.vehicles, Key(id), &v); err != nil {
		return model.Vehicle{}, fmt.Errorf("get vehicle %s: %w", id, err)
	}
	return v, nil
}

// ListVehicles returns every archived vehicle sorted by id.
func (s *Store) ListVehicles(ctx context.Context) ([]model.Vehicle, error) {
	out, err := list[model.Vehicle](ctx, s.vehicles)
	if err != nil {
		return nil, fmt.Errorf("list vehicles: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// PutAlert archives a broadcast alert. Alert ids are unique, so an existing
// key is an error.
func (s *Store) PutAlert(ctx context.Context, a model.Alert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	if _, err := s.alerts.Create(ctx, Key(a.ID), data); err != nil {
		return fmt.Errorf("store alert %s: %w", a.ID, err)
	}
	return nil
}

// GetAlert retrieves an archived alert.
func (s *Store) GetAlert(ctx context.Context, id string) (model.Alert, error) {
	var a model.Alert
	if err := get(ctx, s.alerts, Key(id), &a); err != nil {
		return model.Alert{}, fmt.Errorf("get alert %s: %w", id, err)
	}
	return a, nil
}

// ListAlerts returns every archived alert, oldest first.
func (s *Store) ListAlerts(ctx context.Context) ([]model.Alert, error) {
	out, err := list[model.Alert](ctx, s.alerts)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

func get(ctx context.Context, kv jetstream.KeyValue, key string, into any) error {
	entry, err := kv.Get(ctx, key)
	if err != nil {
		if isNotFound(err) {
			return ErrNotFound
		}
		return err
	}
	if err := json.Unmarshal(entry.Value(), into); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	return nil
}

func list[T any](ctx context.Context, kv jetstream.KeyValue) ([]T, error) {
	keys, err := kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}

	out := make([]T, 0, len(keys))
	for _, key := range keys {
		var item T
		if err := get(ctx, kv, key, &item); err != nil {
			continue // Skip entries deleted or corrupted since listing
		}
		out = append(out, item)
	}
	return out, nil
}

// isNotFound checks if an error indicates a key was not found.
func isNotFound(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted)
}
