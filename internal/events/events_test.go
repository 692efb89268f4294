package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_KeepsOrder(t *testing.T) {
	var m Memory
	ctx := context.Background()

	require.NoError(t, m.Publish(ctx, KeyScanCompleted, ScanEvent{ConnectionID: "c1", Saved: 2}))
	require.NoError(t, m.Publish(ctx, KeyScanFailed, ScanEvent{ConnectionID: "c2", Error: "timeout"}))

	got := m.Events()
	require.Len(t, got, 2)
	assert.Equal(t, KeyScanCompleted, got[0].RoutingKey)
	assert.Equal(t, KeyScanFailed, got[1].RoutingKey)
	assert.Equal(t, "c2", got[1].Payload.(ScanEvent).ConnectionID)
}

func TestScanEvent_JSON(t *testing.T) {
	at := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	raw, err := json.Marshal(ScanEvent{ConnectionID: "c1", UserID: "u1", Status: "connected", Saved: 3, At: at})
	require.NoError(t, err)
	assert.JSONEq(t, `{"connection_id":"c1","user_id":"u1","status":"connected","saved":3,"at":"2026-05-01T09:00:00Z"}`, string(raw))
}

func TestNop(t *testing.T) {
	var p Publisher = Nop{}
	assert.NoError(t, p.Publish(context.Background(), KeyOpportunityCandidate, nil))
	assert.NoError(t, p.Close())
}
