package node

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/joai-gw/internal/config"
	"github.com/mattjoyce/joai-gw/internal/identity"
	"github.com/mattjoyce/joai-gw/internal/joai"
	"github.com/mattjoyce/joai-gw/internal/log"
	"github.com/mattjoyce/joai-gw/internal/reconcile"
	"github.com/mattjoyce/joai-gw/internal/reconcile/mocks"
	"github.com/mattjoyce/joai-gw/internal/state"
	"github.com/mattjoyce/joai-gw/internal/storage"
	"github.com/mattjoyce/joai-gw/internal/trigger"
)

type fixedURLs string

func (f fixedURLs) WebhookURL(workflowID, nodeID string) string {
	return string(f) + "/webhook/" + workflowID + "/" + nodeID
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) Publish(eventType string, _ any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, eventType)
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

func openStore(t *testing.T) *state.Store {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return state.NewStore(db)
}

const publicURL = "https://gw.example"

func triggerConfig() config.TriggerConfig {
	return config.TriggerConfig{
		Name:       "support",
		WorkflowID: "wf1",
		NodeID:     "n1",
		AgentID:    "agent-1",
		Events:     []string{"agent.message"},
	}
}

type fixture struct {
	node  *TriggerNode
	rec   *mocks.MockWebhookReconciler
	store *state.Store
	pub   *recordingPublisher
	ref   state.NodeRef
}

func newFixture(t *testing.T, tc config.TriggerConfig) fixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	rec := mocks.NewMockWebhookReconciler(ctrl)
	store := openStore(t)
	pub := &recordingPublisher{}

	n := NewTriggerNode(
		TriggerSpec{Name: tc.Name, WorkflowID: tc.WorkflowID, NodeID: tc.NodeID, SecretMode: tc.SecretMode},
		ConfigParams(tc),
		TriggerDeps{Reconciler: rec, Store: store, URLs: fixedURLs(publicURL), Publisher: pub, Logger: log.Discard()},
	)
	return fixture{
		node:  n,
		rec:   rec,
		store: store,
		pub:   pub,
		ref:   state.NodeRef{Key: identity.Fingerprint(tc.WorkflowID, tc.NodeID), WorkflowID: tc.WorkflowID, NodeID: tc.NodeID},
	}
}

func TestActivateCreatesWhenMissing(t *testing.T) {
	f := newFixture(t, triggerConfig())
	ctx := context.Background()

	wantSub := reconcile.Subscription{
		AgentID:     "agent-1",
		URL:         publicURL + "/webhook/wf1/n1",
		Triggers:    []string{"agent.message"},
		Secret:      "joai_wf1_n1",
		Description: "joai-gw trigger support (fingerprint " + f.ref.Key + ")",
	}
	gomock.InOrder(
		f.rec.EXPECT().Exists(ctx, wantSub).Return(reconcile.ExistsResult{Stale: []string{"old"}, Deleted: 1}, nil),
		f.rec.EXPECT().Create(ctx, wantSub).Return(reconcile.CreateResult{Webhook: joai.Webhook{ID: "wh-1"}}, nil),
	)

	res, err := f.node.Activate(ctx)
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, "wh-1", res.WebhookID)
	assert.Equal(t, 1, res.StaleDeleted)

	stored, err := f.store.LoadStatic(ctx, f.ref)
	require.NoError(t, err)
	assert.Equal(t, state.StaticData{WebhookID: "wh-1", AgentID: "agent-1", WebhookURL: wantSub.URL}, stored)
	assert.Equal(t, []string{"trigger.activated"}, f.pub.types())
}

func TestActivateSkipsCreateWhenExists(t *testing.T) {
	f := newFixture(t, triggerConfig())
	ctx := context.Background()

	f.rec.EXPECT().Exists(ctx, gomock.Any()).Return(reconcile.ExistsResult{Exists: true, MatchedID: "wh-7"}, nil)
	f.rec.EXPECT().Create(gomock.Any(), gomock.Any()).Times(0)

	res, err := f.node.Activate(ctx)
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Equal(t, "wh-7", res.WebhookID)
}

func TestActivateRequiresAgentID(t *testing.T) {
	tc := triggerConfig()
	tc.AgentID = ""
	f := newFixture(t, tc)

	_, err := f.node.Activate(context.Background())
	assert.ErrorIs(t, err, ErrAgentIDRequired)
}

func TestActivateSurfacesCreateFailure(t *testing.T) {
	f := newFixture(t, triggerConfig())
	ctx := context.Background()

	f.rec.EXPECT().Exists(ctx, gomock.Any()).Return(reconcile.ExistsResult{}, nil)
	f.rec.EXPECT().Create(ctx, gomock.Any()).Return(reconcile.CreateResult{}, errors.New("failed to create webhook: 500"))

	_, err := f.node.Activate(ctx)
	require.Error(t, err)

	stored, err := f.store.LoadStatic(ctx, f.ref)
	require.NoError(t, err)
	assert.Empty(t, stored.AgentID)
}

func TestActivateMovesSubscriptionWhenAgentChanges(t *testing.T) {
	f := newFixture(t, triggerConfig())
	ctx := context.Background()
	require.NoError(t, f.store.SaveStatic(ctx, f.ref, state.StaticData{AgentID: "agent-old", WebhookID: "wh-old"}))

	gomock.InOrder(
		f.rec.EXPECT().Delete(ctx, gomock.Any()).DoAndReturn(func(_ context.Context, sub reconcile.Subscription) (reconcile.DeleteReport, error) {
			assert.Equal(t, "agent-old", sub.AgentID)
			return reconcile.DeleteReport{Matched: 1, Deleted: 1}, nil
		}),
		f.rec.EXPECT().Exists(ctx, gomock.Any()).Return(reconcile.ExistsResult{}, nil),
		f.rec.EXPECT().Create(ctx, gomock.Any()).Return(reconcile.CreateResult{Webhook: joai.Webhook{ID: "wh-new"}}, nil),
	)

	_, err := f.node.Activate(ctx)
	require.NoError(t, err)

	stored, err := f.store.LoadStatic(ctx, f.ref)
	require.NoError(t, err)
	assert.Equal(t, "agent-1", stored.AgentID)
	assert.Equal(t, "wh-new", stored.WebhookID)
}

func TestRandomSecretModePersistsSecret(t *testing.T) {
	tc := triggerConfig()
	tc.SecretMode = config.SecretModeRandom
	f := newFixture(t, tc)
	ctx := context.Background()

	var created reconcile.Subscription
	f.rec.EXPECT().Exists(ctx, gomock.Any()).Return(reconcile.ExistsResult{}, nil)
	f.rec.EXPECT().Create(ctx, gomock.Any()).DoAndReturn(func(_ context.Context, sub reconcile.Subscription) (reconcile.CreateResult, error) {
		created = sub
		return reconcile.CreateResult{}, nil
	})

	_, err := f.node.Activate(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, identity.SecretToken("wf1", "n1"), created.Secret)

	stored, err := f.store.LoadStatic(ctx, f.ref)
	require.NoError(t, err)
	assert.Equal(t, created.Secret, stored.Secret)

	h := http.Header{}
	h.Set(identity.SecretHeader, identity.SecretToken("wf1", "n1"))
	out, err := f.node.Handle(ctx, h, []byte(`{"event":"agent.message","data":{}}`))
	require.NoError(t, err)
	assert.Equal(t, trigger.Rejected, out.Decision)

	h.Set(identity.SecretHeader, created.Secret)
	out, err = f.node.Handle(ctx, h, []byte(`{"event":"agent.message","data":{}}`))
	require.NoError(t, err)
	assert.Equal(t, trigger.Accepted, out.Decision)
}

func TestRandomSecretModeRejectsBeforeActivation(t *testing.T) {
	tc := triggerConfig()
	tc.SecretMode = config.SecretModeRandom
	f := newFixture(t, tc)

	out, err := f.node.Handle(context.Background(), http.Header{}, []byte(`{"event":"agent.message"}`))
	require.NoError(t, err)
	assert.Equal(t, trigger.Rejected, out.Decision)
}

func TestDeactivateClearsStorageAndReportsFailures(t *testing.T) {
	f := newFixture(t, triggerConfig())
	ctx := context.Background()
	require.NoError(t, f.store.SaveStatic(ctx, f.ref, state.StaticData{AgentID: "agent-1", WebhookID: "wh-1"}))

	f.rec.EXPECT().Delete(ctx, gomock.Any()).Return(reconcile.DeleteReport{Matched: 2, Deleted: 1, Failed: 1}, nil)

	report, err := f.node.Deactivate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	stored, err := f.store.LoadStatic(ctx, f.ref)
	require.NoError(t, err)
	assert.Equal(t, state.StaticData{}, stored)
	assert.Equal(t, []string{"trigger.deactivated"}, f.pub.types())
}

func TestActivateReplacesRecordWithOutdatedSecret(t *testing.T) {
	f := newFixture(t, triggerConfig())
	ctx := context.Background()

	gomock.InOrder(
		f.rec.EXPECT().Exists(ctx, gomock.Any()).Return(reconcile.ExistsResult{Exists: true, MatchedID: "wh-old", SecretMismatch: true}, nil),
		f.rec.EXPECT().Delete(ctx, gomock.Any()).DoAndReturn(func(_ context.Context, sub reconcile.Subscription) (reconcile.DeleteReport, error) {
			assert.Equal(t, "joai_wf1_n1", sub.Secret)
			return reconcile.DeleteReport{Matched: 1, Deleted: 1}, nil
		}),
		f.rec.EXPECT().Create(ctx, gomock.Any()).Return(reconcile.CreateResult{Webhook: joai.Webhook{ID: "wh-new"}}, nil),
	)

	res, err := f.node.Activate(ctx)
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, 1, res.Replaced)
	assert.Equal(t, "wh-new", res.WebhookID)
}

func TestActivateKeepsRecordWhenReplaceFails(t *testing.T) {
	f := newFixture(t, triggerConfig())
	ctx := context.Background()

	f.rec.EXPECT().Exists(ctx, gomock.Any()).Return(reconcile.ExistsResult{Exists: true, MatchedID: "wh-old", SecretMismatch: true}, nil)
	f.rec.EXPECT().Delete(ctx, gomock.Any()).Return(reconcile.DeleteReport{Matched: 1, Failed: 1}, nil)
	f.rec.EXPECT().Create(gomock.Any(), gomock.Any()).Times(0)

	_, err := f.node.Activate(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wh-old")
}

func TestActivateForgetsWebhookIDWhenNoneReturned(t *testing.T) {
	f := newFixture(t, triggerConfig())
	ctx := context.Background()
	require.NoError(t, f.store.SaveStatic(ctx, f.ref, state.StaticData{AgentID: "agent-1", WebhookID: "wh-1"}))

	f.rec.EXPECT().Exists(ctx, gomock.Any()).Return(reconcile.ExistsResult{}, nil)
	f.rec.EXPECT().Create(ctx, gomock.Any()).Return(reconcile.CreateResult{Webhook: joai.Webhook{URL: publicURL + "/webhook/wf1/n1"}}, nil)

	_, err := f.node.Activate(ctx)
	require.NoError(t, err)

	st, err := f.node.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Registered)
	assert.Empty(t, st.WebhookID)
}

// memoryDirectory is an in-process agent directory that echoes the headers
// a webhook was created with.
type memoryDirectory struct {
	mu    sync.Mutex
	next  int
	hooks map[string][]joai.Webhook
}

func (d *memoryDirectory) ListWebhooks(_ context.Context, agentID string) ([]joai.Webhook, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]joai.Webhook(nil), d.hooks[agentID]...), nil
}

func (d *memoryDirectory) CreateWebhook(_ context.Context, agentID string, req joai.WebhookRequest) (joai.Webhook, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.hooks == nil {
		d.hooks = map[string][]joai.Webhook{}
	}
	d.next++
	h := joai.Webhook{
		ID:       fmt.Sprintf("wh-%d", d.next),
		URL:      req.URL,
		Name:     req.Name,
		Triggers: req.Triggers,
		Headers:  req.Headers,
		Active:   req.Active,
	}
	d.hooks[agentID] = append(d.hooks[agentID], h)
	return h, nil
}

func (d *memoryDirectory) DeleteWebhook(_ context.Context, agentID, webhookID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, h := range d.hooks[agentID] {
		if h.ID == webhookID {
			d.hooks[agentID] = append(d.hooks[agentID][:i], d.hooks[agentID][i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("webhook %s not found", webhookID)
}

func TestSecretModeSwitchReplacesSubscription(t *testing.T) {
	ctx := context.Background()
	dir := &memoryDirectory{}
	store := openStore(t)
	deps := TriggerDeps{Reconciler: reconcile.New(dir, log.Discard()), Store: store, URLs: fixedURLs(publicURL), Logger: log.Discard()}
	nodeWith := func(mode string) *TriggerNode {
		tc := triggerConfig()
		tc.SecretMode = mode
		return NewTriggerNode(TriggerSpec{Name: tc.Name, WorkflowID: tc.WorkflowID, NodeID: tc.NodeID, SecretMode: mode}, ConfigParams(tc), deps)
	}
	deliver := func(n *TriggerNode) trigger.Decision {
		hooks, err := dir.ListWebhooks(ctx, "agent-1")
		require.NoError(t, err)
		require.Len(t, hooks, 1)
		secret, _ := hooks[0].Header(identity.SecretHeader)
		h := http.Header{}
		h.Set(identity.SecretHeader, secret)
		out, err := n.Handle(ctx, h, []byte(`{"event":"agent.message","data":{"message":"hi"}}`))
		require.NoError(t, err)
		return out.Decision
	}

	derived := nodeWith(config.SecretModeDerived)
	_, err := derived.Activate(ctx)
	require.NoError(t, err)
	assert.Equal(t, trigger.Accepted, deliver(derived))

	random := nodeWith(config.SecretModeRandom)
	res, err := random.Activate(ctx)
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, 1, res.Replaced)
	assert.Equal(t, "wh-2", res.WebhookID)
	assert.Equal(t, trigger.Accepted, deliver(random))

	check, err := random.Check(ctx)
	require.NoError(t, err)
	assert.True(t, check.Exists)
	assert.False(t, check.SecretMismatch)

	// And back again.
	res, err = derived.Activate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Replaced)
	assert.Equal(t, trigger.Accepted, deliver(derived))
}

func TestCheckRegisteredSkipsUnregisteredNode(t *testing.T) {
	f := newFixture(t, triggerConfig())

	report, err := f.node.CheckRegistered(context.Background(), true)
	require.NoError(t, err)
	assert.False(t, report.Registered)
	assert.Empty(t, f.pub.types())
}

func TestCheckRegisteredReportsOutdatedSecretAsDrift(t *testing.T) {
	f := newFixture(t, triggerConfig())
	ctx := context.Background()
	require.NoError(t, f.store.SaveStatic(ctx, f.ref, state.StaticData{AgentID: "agent-1", WebhookID: "wh-1"}))

	f.rec.EXPECT().Exists(ctx, gomock.Any()).Return(reconcile.ExistsResult{Exists: true, MatchedID: "wh-1", SecretMismatch: true}, nil)

	report, err := f.node.CheckRegistered(ctx, false)
	require.NoError(t, err)
	assert.True(t, report.Registered)
	assert.True(t, report.Drifted)
	assert.False(t, report.Healed)
	assert.Equal(t, "wh-1", report.WebhookID)
	assert.Equal(t, []string{"trigger.checked", "trigger.drift"}, f.pub.types())
}

func TestCheckRegisteredAfterDeactivateDoesNothing(t *testing.T) {
	f := newFixture(t, triggerConfig())
	ctx := context.Background()
	require.NoError(t, f.store.SaveStatic(ctx, f.ref, state.StaticData{AgentID: "agent-1", WebhookID: "wh-1"}))

	f.rec.EXPECT().Delete(ctx, gomock.Any()).Return(reconcile.DeleteReport{Matched: 1, Deleted: 1}, nil)
	_, err := f.node.Deactivate(ctx)
	require.NoError(t, err)

	report, err := f.node.CheckRegistered(ctx, true)
	require.NoError(t, err)
	assert.False(t, report.Registered)
}

func TestDeactivateDuringHealIsNotUndone(t *testing.T) {
	f := newFixture(t, triggerConfig())
	ctx := context.Background()
	require.NoError(t, f.store.SaveStatic(ctx, f.ref, state.StaticData{AgentID: "agent-1", WebhookID: "wh-1"}))

	deactivated := make(chan error, 1)
	gomock.InOrder(
		f.rec.EXPECT().Exists(ctx, gomock.Any()).DoAndReturn(func(context.Context, reconcile.Subscription) (reconcile.ExistsResult, error) {
			// An operator deactivates while the pass is deciding.
			go func() {
				_, err := f.node.Deactivate(ctx)
				deactivated <- err
			}()
			select {
			case err := <-deactivated:
				t.Errorf("deactivate ran during the pass: %v", err)
			case <-time.After(50 * time.Millisecond):
			}
			return reconcile.ExistsResult{}, nil
		}),
		f.rec.EXPECT().Exists(ctx, gomock.Any()).Return(reconcile.ExistsResult{}, nil),
		f.rec.EXPECT().Create(ctx, gomock.Any()).Return(reconcile.CreateResult{Webhook: joai.Webhook{ID: "wh-2"}}, nil),
		f.rec.EXPECT().Delete(ctx, gomock.Any()).Return(reconcile.DeleteReport{Matched: 1, Deleted: 1}, nil),
	)

	report, err := f.node.CheckRegistered(ctx, true)
	require.NoError(t, err)
	assert.True(t, report.Healed)

	select {
	case err := <-deactivated:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("deactivate never ran")
	}

	st, err := f.node.Status(ctx)
	require.NoError(t, err)
	assert.False(t, st.Registered)
	assert.Empty(t, st.WebhookID)
}

func TestCheckUsesExistsOnly(t *testing.T) {
	f := newFixture(t, triggerConfig())
	ctx := context.Background()

	f.rec.EXPECT().Exists(ctx, gomock.Any()).Return(reconcile.ExistsResult{Exists: true, MatchedID: "wh-1"}, nil)
	f.rec.EXPECT().Create(gomock.Any(), gomock.Any()).Times(0)

	res, err := f.node.Check(ctx)
	require.NoError(t, err)
	assert.True(t, res.Exists)
	assert.Equal(t, []string{"trigger.checked"}, f.pub.types())
}

func TestHandleAppliesConfiguredFilters(t *testing.T) {
	tc := triggerConfig()
	tc.Filters = config.FiltersConfig{MessageContains: "bye"}
	f := newFixture(t, tc)

	h := http.Header{}
	h.Set(identity.SecretHeader, "joai_wf1_n1")
	out, err := f.node.Handle(context.Background(), h, []byte(`{"event":"agent.message","data":{"message":"hi","room":"r1"}}`))
	require.NoError(t, err)
	assert.Equal(t, trigger.Suppressed, out.Decision)
}

func TestStatus(t *testing.T) {
	f := newFixture(t, triggerConfig())
	ctx := context.Background()

	st, err := f.node.Status(ctx)
	require.NoError(t, err)
	assert.False(t, st.Registered)
	assert.Equal(t, "agent-1", st.AgentID)
	assert.Equal(t, publicURL+"/webhook/wf1/n1", st.WebhookURL)
	assert.Equal(t, config.SecretModeDerived, st.SecretMode)

	require.NoError(t, f.store.SaveStatic(ctx, f.ref, state.StaticData{AgentID: "agent-1", WebhookID: "wh-1"}))
	st, err = f.node.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Registered)
	assert.Equal(t, "wh-1", st.WebhookID)
}

func TestRegistry(t *testing.T) {
	a := newFixture(t, triggerConfig())
	tc := triggerConfig()
	tc.Name, tc.NodeID = "alerts", "n2"
	b := newFixture(t, tc)

	r := NewRegistry()
	require.NoError(t, r.Add(a.node))
	require.NoError(t, r.Add(b.node))
	assert.Error(t, r.Add(a.node))
	assert.Equal(t, 2, r.Len())

	got, ok := r.Lookup("wf1", "n2")
	require.True(t, ok)
	assert.Equal(t, "alerts", got.Name())

	_, err := r.Get("missing")
	assert.ErrorIs(t, err, ErrUnknownTrigger)

	all := r.All()
	require.Len(t, all, 2)
	assert.Equal(t, "alerts", all[0].Name())
}
