//go:build integration

package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/c360studio/semstreams/natsclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/v2icoord/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	tc := natsclient.NewTestClient(t, natsclient.WithJetStream())
	js, err := tc.Client.JetStream()
	require.NoError(t, err)
	store, err := NewStore(context.Background(), js)
	require.NoError(t, err)
	return store
}

func TestStore_Vehicles(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	now := time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)
	amb := model.Vehicle{
		ID:            "fleet:amb:1",
		Type:          model.VehicleAmbulance,
		Location:      model.Location{Lat: 40.7, Lng: -74},
		PriorityLevel: 10,
		Mode:          model.ModeV2I,
		Slice:         model.SliceURLLC,
		Status:        model.StatusActive,
		RegisteredAt:  now,
		UpdatedAt:     now,
	}
	car := amb
	car.ID = "CAR-1"
	car.Type = model.VehicleCar

	require.NoError(t, store.PutVehicle(ctx, amb))
	require.NoError(t, store.PutVehicle(ctx, car))

	got, err := store.GetVehicle(ctx, "fleet:amb:1")
	require.NoError(t, err)
	assert.Equal(t, amb, got)

	amb.Status = model.StatusInactive
	require.NoError(t, store.PutVehicle(ctx, amb))

	all, err := store.ListVehicles(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "CAR-1", all[0].ID)
	assert.Equal(t, model.StatusInactive, all[1].Status)

	_, err = store.GetVehicle(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStore_Alerts(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	empty, err := store.ListAlerts(ctx)
	require.NoError(t, err)
	assert.Empty(t, empty)

	base := time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)
	second := model.Alert{ID: "ALERT_2_2", Type: "hazard", Message: "b", Timestamp: base.Add(time.Second), NotifiedVehicleIDs: []string{}}
	first := model.Alert{ID: "ALERT_1_1", Type: "accident", Message: "a", Timestamp: base, NotifiedVehicleIDs: []string{"CAR-1"}}

	require.NoError(t, store.PutAlert(ctx, second))
	require.NoError(t, store.PutAlert(ctx, first))
	assert.Error(t, store.PutAlert(ctx, first), "alert ids are write-once")

	alerts, err := store.ListAlerts(ctx)
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	assert.Equal(t, "ALERT_1_1", alerts[0].ID)

	got, err := store.GetAlert(ctx, "ALERT_2_2")
	require.NoError(t, err)
	assert.Equal(t, "hazard", got.Type)
}
