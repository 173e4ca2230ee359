package state

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/joai-gw/internal/storage"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db)
}

var testRef = NodeRef{Key: "fp-1", WorkflowID: "wf", NodeID: "n"}

func TestDocumentMissingIsEmptyObject(t *testing.T) {
	t.Parallel()
	s := openStore(t)

	raw, err := s.Document(context.Background(), testRef)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(raw))
}

func TestMergeReplacesTopLevelKeys(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()

	_, err := s.Merge(ctx, testRef, map[string]any{"a": 1, "b": map[string]int{"x": 1}})
	require.NoError(t, err)
	merged, err := s.Merge(ctx, testRef, map[string]any{"b": map[string]int{"y": 2}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1,"b":{"y":2}}`, string(merged))
}

func TestMergeNilRemovesKey(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()

	_, err := s.Merge(ctx, testRef, map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)
	merged, err := s.Merge(ctx, testRef, map[string]any{"a": nil})
	require.NoError(t, err)
	assert.JSONEq(t, `{"b":2}`, string(merged))

	raw, err := s.Document(ctx, testRef)
	require.NoError(t, err)
	assert.JSONEq(t, `{"b":2}`, string(raw))
}

func TestMergeSizeLimit(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()

	_, err := s.Merge(ctx, testRef, map[string]any{"blob": strings.Repeat("a", MaxDocumentBytes+100)})
	require.Error(t, err)

	raw, err := s.Document(ctx, testRef)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(raw))
}

func TestEmptyKey(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()

	_, err := s.Document(ctx, NodeRef{})
	assert.ErrorIs(t, err, ErrEmptyKey)
	assert.ErrorIs(t, s.SaveStatic(ctx, NodeRef{}, StaticData{AgentID: "a"}), ErrEmptyKey)
}

func TestNodesAreIsolated(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()

	other := NodeRef{Key: "fp-2", WorkflowID: "wf", NodeID: "m"}
	require.NoError(t, s.SaveStatic(ctx, testRef, StaticData{WebhookID: "wh-1"}))
	require.NoError(t, s.SaveStatic(ctx, other, StaticData{WebhookID: "wh-9"}))

	got, err := s.LoadStatic(ctx, testRef)
	require.NoError(t, err)
	assert.Equal(t, "wh-1", got.WebhookID)
}

func TestStaticDataRoundTripAndClear(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()

	empty, err := s.LoadStatic(ctx, testRef)
	require.NoError(t, err)
	assert.Equal(t, StaticData{}, empty)

	want := StaticData{WebhookID: "wh-1", AgentID: "agent-1", WebhookURL: "https://x/webhook/wf/n", Secret: "s3cret"}
	require.NoError(t, s.SaveStatic(ctx, testRef, want))

	got, err := s.LoadStatic(ctx, testRef)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	require.NoError(t, s.ClearStatic(ctx, testRef))
	got, err = s.LoadStatic(ctx, testRef)
	require.NoError(t, err)
	assert.Equal(t, StaticData{Secret: "s3cret"}, got)
}

func TestSaveStaticKeepsUnsetFields(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveStatic(ctx, testRef, StaticData{Secret: "keep-me"}))
	require.NoError(t, s.SaveStatic(ctx, testRef, StaticData{WebhookID: "wh-2"}))

	got, err := s.LoadStatic(ctx, testRef)
	require.NoError(t, err)
	assert.Equal(t, "keep-me", got.Secret)
	assert.Equal(t, "wh-2", got.WebhookID)
}

func TestSaveSubscriptionDropsEmptyWebhookID(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveStatic(ctx, testRef, StaticData{WebhookID: "wh-1", AgentID: "agent-1", Secret: "keep-me"}))
	require.NoError(t, s.SaveSubscription(ctx, testRef, StaticData{AgentID: "agent-1", WebhookURL: "https://gw.example/webhook/wf1/n1"}))

	got, err := s.LoadStatic(ctx, testRef)
	require.NoError(t, err)
	assert.Equal(t, StaticData{AgentID: "agent-1", WebhookURL: "https://gw.example/webhook/wf1/n1", Secret: "keep-me"}, got)
}
