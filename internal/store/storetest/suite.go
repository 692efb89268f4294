// Package storetest holds the behavioural contract every store.Store
// backend must satisfy.
package storetest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/refundscout/internal/model"
	"github.com/nhle/refundscout/internal/store"
	"github.com/nhle/refundscout/tests/testutil"
)

// Factory returns an empty store for one subtest.
type Factory func(t *testing.T) store.Store

// Run executes the contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	cases := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"CreateAndGet", testCreateAndGet},
		{"DuplicateEmail", testDuplicateEmail},
		{"ListFilters", testListFilters},
		{"PersistIsIdempotent", testPersistIsIdempotent},
		{"PersistUnknownConnection", testPersistUnknownConnection},
		{"PersistKeepsClassification", testPersistKeepsClassification},
		{"SyncLifecycle", testSyncLifecycle},
		{"ReleaseStaleSyncs", testReleaseStaleSyncs},
		{"DeleteCascades", testDeleteCascades},
		{"UpdateCredential", testUpdateCredential},
		{"RecordClassificationMissing", testRecordClassificationMissing},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newStore(t))
		})
	}
}

func records(uids ...string) []model.MessageRecord {
	out := make([]model.MessageRecord, 0, len(uids))
	for _, uid := range uids {
		out = append(out, model.MessageRecord{
			ProviderMessageID: uid,
			Subject:           "Your order " + uid,
			Sender:            "orders@amazon.com",
			SenderDomain:      "amazon.com",
			ReceivedAt:        time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		})
	}
	return out
}

func testCreateAndGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	c := testutil.SeedConnection(t, s, model.MailboxConnection{Email: "alice@example.com"})
	require.NotEmpty(t, c.ID)

	got, err := s.GetConnection(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", got.Email)
	assert.Equal(t, model.StatusConnected, got.Status)
	assert.Equal(t, "placeholder", got.EncryptedCredential)
	assert.Nil(t, got.LastSyncAt)
	assert.Nil(t, got.LastError)
	assert.Zero(t, got.EmailsScanned)

	_, err = s.GetConnection(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testDuplicateEmail(t *testing.T, s store.Store) {
	testutil.SeedConnection(t, s, model.MailboxConnection{Email: "alice@example.com"})

	dup := model.MailboxConnection{
		UserID: "user-1", Provider: "custom", Email: "alice@example.com",
		Host: "imap.example.com", Port: 993, EncryptedCredential: "x",
	}
	err := s.CreateConnection(context.Background(), &dup)
	assert.ErrorIs(t, err, store.ErrAlreadyExists)

	other := dup
	other.ID = ""
	other.UserID = "user-2"
	assert.NoError(t, s.CreateConnection(context.Background(), &other))
}

func testListFilters(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := testutil.SeedConnection(t, s, model.MailboxConnection{UserID: "u1", Email: "a@example.com"})
	testutil.SeedConnection(t, s, model.MailboxConnection{UserID: "u1", Email: "b@example.com"})
	testutil.SeedConnection(t, s, model.MailboxConnection{UserID: "u2", Email: "c@example.com"})
	require.NoError(t, s.FailSync(ctx, a.ID, model.StatusCredentialsExpired, "bad password"))

	all, err := s.ListConnections(ctx, store.ConnectionFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	u1 := "u1"
	mine, err := s.ListConnections(ctx, store.ConnectionFilter{UserID: &u1})
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	expired, err := s.ListConnections(ctx, store.ConnectionFilter{
		Statuses: []model.ConnectionStatus{model.StatusCredentialsExpired},
	})
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, a.ID, expired[0].ID)
	require.NotNil(t, expired[0].LastError)
	assert.Equal(t, "bad password", *expired[0].LastError)
}

func testPersistIsIdempotent(t *testing.T, s store.Store) {
	ctx := context.Background()
	c := testutil.SeedConnection(t, s, model.MailboxConnection{Email: "alice@example.com"})

	saved, err := s.PersistMessages(ctx, c.ID, records("101", "102", "103"))
	require.NoError(t, err)
	assert.Equal(t, 3, saved)

	saved, err = s.PersistMessages(ctx, c.ID, records("102", "103", "104"))
	require.NoError(t, err)
	assert.Equal(t, 1, saved)

	saved, err = s.PersistMessages(ctx, c.ID, records("101", "102", "103", "104"))
	require.NoError(t, err)
	assert.Zero(t, saved)

	got, err := s.GetConnection(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, got.EmailsScanned)

	msgs, err := s.ListMessages(ctx, store.MessageFilter{ConnectionID: c.ID})
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	seen := map[string]bool{}
	for _, m := range msgs {
		assert.False(t, seen[m.ProviderMessageID], "duplicate %s", m.ProviderMessageID)
		seen[m.ProviderMessageID] = true
		assert.False(t, m.Analyzed)
		assert.Equal(t, "amazon.com", m.SenderDomain)
		assert.True(t, m.ReceivedAt.Equal(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)))
	}

	// Same UIDs under another connection are distinct messages.
	other := testutil.SeedConnection(t, s, model.MailboxConnection{Email: "bob@example.com"})
	saved, err = s.PersistMessages(ctx, other.ID, records("101"))
	require.NoError(t, err)
	assert.Equal(t, 1, saved)
}

func testPersistUnknownConnection(t *testing.T, s store.Store) {
	_, err := s.PersistMessages(context.Background(), "missing", records("1"))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testPersistKeepsClassification(t *testing.T, s store.Store) {
	ctx := context.Background()
	c := testutil.SeedConnection(t, s, model.MailboxConnection{Email: "alice@example.com"})
	_, err := s.PersistMessages(ctx, c.ID, records("7", "8"))
	require.NoError(t, err)

	pending, err := s.ListUnanalyzed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	verdict := json.RawMessage(`{"is_candidate":true,"confidence":0.9}`)
	opp := "opp-1"
	require.NoError(t, s.RecordClassification(ctx, pending[0].ID, verdict, &opp))
	require.NoError(t, s.RecordClassification(ctx, pending[1].ID, json.RawMessage(`{"is_candidate":false}`), nil))

	// A second verdict for an analyzed message is ignored.
	other := "opp-2"
	require.NoError(t, s.RecordClassification(ctx, pending[0].ID, verdict, &other))

	_, err = s.PersistMessages(ctx, c.ID, records("7", "8"))
	require.NoError(t, err)

	analyzed := true
	msgs, err := s.ListMessages(ctx, store.MessageFilter{ConnectionID: c.ID, Analyzed: &analyzed})
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	var withOpp int
	for _, m := range msgs {
		assert.NotEmpty(t, m.Classification)
		if m.OpportunityID != nil {
			withOpp++
			assert.Equal(t, "opp-1", *m.OpportunityID)
			assert.JSONEq(t, string(verdict), string(m.Classification))
		}
	}
	assert.Equal(t, 1, withOpp)

	got, err := s.GetConnection(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.OpportunitiesFound)
	assert.Equal(t, 2, got.EmailsScanned)

	pending, err = s.ListUnanalyzed(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func testSyncLifecycle(t *testing.T, s store.Store) {
	ctx := context.Background()
	c := testutil.SeedConnection(t, s, model.MailboxConnection{Email: "alice@example.com"})

	ok, err := s.BeginSync(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.BeginSync(ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, ok, "second scan must not start while syncing")

	require.NoError(t, s.FailSync(ctx, c.ID, model.StatusError, "connection reset"))
	got, err := s.GetConnection(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusError, got.Status)
	require.NotNil(t, got.LastError)

	ok, err = s.BeginSync(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	at := time.Date(2026, 4, 2, 8, 30, 0, 0, time.UTC)
	require.NoError(t, s.CompleteSync(ctx, c.ID, at))
	got, err = s.GetConnection(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusConnected, got.Status)
	assert.Nil(t, got.LastError)
	require.NotNil(t, got.LastSyncAt)
	assert.True(t, got.LastSyncAt.Equal(at))

	assert.Error(t, s.FailSync(ctx, c.ID, model.StatusSyncing, "nope"))

	_, err = s.BeginSync(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.CompleteSync(ctx, "missing", at), store.ErrNotFound)
}

func testReleaseStaleSyncs(t *testing.T, s store.Store) {
	ctx := context.Background()
	stuck := testutil.SeedConnection(t, s, model.MailboxConnection{Email: "a@example.com"})
	idle := testutil.SeedConnection(t, s, model.MailboxConnection{Email: "b@example.com"})

	ok, err := s.BeginSync(ctx, stuck.ID)
	require.NoError(t, err)
	require.True(t, ok)

	n, err := s.ReleaseStaleSyncs(ctx, time.Now().Add(-time.Hour), "interrupted")
	require.NoError(t, err)
	assert.Zero(t, n, "fresh syncs are left alone")

	n, err = s.ReleaseStaleSyncs(ctx, time.Now().Add(time.Minute), "interrupted")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetConnection(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusError, got.Status)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "interrupted", *got.LastError)

	got, err = s.GetConnection(ctx, idle.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusConnected, got.Status)
}

func testDeleteCascades(t *testing.T, s store.Store) {
	ctx := context.Background()
	c := testutil.SeedConnection(t, s, model.MailboxConnection{Email: "alice@example.com"})
	_, err := s.PersistMessages(ctx, c.ID, records("1", "2"))
	require.NoError(t, err)

	require.NoError(t, s.DeleteConnection(ctx, c.ID))

	msgs, err := s.ListMessages(ctx, store.MessageFilter{ConnectionID: c.ID})
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.ErrorIs(t, s.DeleteConnection(ctx, c.ID), store.ErrNotFound)
}

func testUpdateCredential(t *testing.T, s store.Store) {
	ctx := context.Background()
	c := testutil.SeedConnection(t, s, model.MailboxConnection{Email: "alice@example.com"})

	require.NoError(t, s.UpdateCredential(ctx, c.ID, "v2:rotated"))
	got, err := s.GetConnection(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "v2:rotated", got.EncryptedCredential)

	assert.ErrorIs(t, s.UpdateCredential(ctx, "missing", "x"), store.ErrNotFound)
}

func testRecordClassificationMissing(t *testing.T, s store.Store) {
	err := s.RecordClassification(context.Background(), "missing", json.RawMessage(`{}`), nil)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
