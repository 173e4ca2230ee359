package reconcile_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/joai-gw/internal/identity"
	"github.com/mattjoyce/joai-gw/internal/joai"
	"github.com/mattjoyce/joai-gw/internal/reconcile"
	"github.com/mattjoyce/joai-gw/internal/reconcile/mocks"
)

const (
	agentID    = "agent-1"
	currentURL = "https://gw.example/webhook/wf1/n1"
	oldURL     = "https://old-tunnel.example/webhook/wf1/n1"
)

var secret = identity.SecretToken("wf1", "n1")

func newTestSlogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}

func subscription() reconcile.Subscription {
	return reconcile.Subscription{
		AgentID:  agentID,
		URL:      currentURL,
		Triggers: []string{"agent.message"},
		Secret:   secret,
		Name:     "support alerts",
	}
}

func hook(id, url, sec string, triggers ...string) joai.Webhook {
	h := joai.Webhook{ID: id, URL: url, Triggers: triggers}
	if sec != "" {
		h.Headers = map[string]string{"X-JoAi-Secret-Token": sec}
	}
	return h
}

func TestExistsExactURLMatchIssuesNoDeletes(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	dir := mocks.NewMockDirectoryClient(ctrl)
	logger, _ := newTestSlogger()
	r := reconcile.New(dir, logger)
	ctx := context.Background()

	dir.EXPECT().ListWebhooks(ctx, agentID).Return([]joai.Webhook{hook("wh-1", currentURL, secret)}, nil)
	dir.EXPECT().DeleteWebhook(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

	res, err := r.Exists(ctx, subscription())
	require.NoError(t, err)
	assert.True(t, res.Exists)
	assert.Equal(t, "wh-1", res.MatchedID)
	assert.False(t, res.SecretMismatch)
	assert.Empty(t, res.Stale)
}

func TestExistsFlagsURLMatchWithOtherSecret(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	dir := mocks.NewMockDirectoryClient(ctrl)
	logger, logBuf := newTestSlogger()
	r := reconcile.New(dir, logger)
	ctx := context.Background()

	// Registered while the node was in another secret mode.
	dir.EXPECT().ListWebhooks(ctx, agentID).Return([]joai.Webhook{hook("wh-1", currentURL, "joai_previous")}, nil)
	dir.EXPECT().DeleteWebhook(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

	res, err := r.Exists(ctx, subscription())
	require.NoError(t, err)
	assert.True(t, res.Exists)
	assert.True(t, res.SecretMismatch)
	assert.NotContains(t, logBuf.String(), "joai_previous")

	// A record that does not echo headers is taken as is.
	dir.EXPECT().ListWebhooks(ctx, agentID).Return([]joai.Webhook{hook("wh-1", currentURL, "")}, nil)
	res, err = r.Exists(ctx, subscription())
	require.NoError(t, err)
	assert.True(t, res.Exists)
	assert.False(t, res.SecretMismatch)
}

func TestExistsDeletesDriftedRecord(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	dir := mocks.NewMockDirectoryClient(ctrl)
	logger, logBuf := newTestSlogger()
	r := reconcile.New(dir, logger)
	ctx := context.Background()

	dir.EXPECT().ListWebhooks(ctx, agentID).Return([]joai.Webhook{
		hook("wh-old", oldURL, secret, "agent.message"),
		hook("wh-other", "https://someone-else", "joai_x_y"),
	}, nil)
	dir.EXPECT().DeleteWebhook(gomock.Any(), agentID, "wh-old").Return(nil)

	res, err := r.Exists(ctx, subscription())
	require.NoError(t, err)
	assert.False(t, res.Exists)
	assert.Equal(t, []string{"wh-old"}, res.Stale)
	assert.Equal(t, 1, res.Deleted)
	assert.Equal(t, 0, res.Failed)
	assert.Contains(t, logBuf.String(), "removed stale webhooks after url drift")
}

func TestExistsExactURLWinsOverSecretMatch(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	dir := mocks.NewMockDirectoryClient(ctrl)
	logger, _ := newTestSlogger()
	r := reconcile.New(dir, logger)
	ctx := context.Background()

	dir.EXPECT().ListWebhooks(ctx, agentID).Return([]joai.Webhook{
		hook("wh-secret", oldURL, secret),
		hook("wh-url", currentURL, "joai_other_node"),
	}, nil)
	dir.EXPECT().DeleteWebhook(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

	res, err := r.Exists(ctx, subscription())
	require.NoError(t, err)
	assert.True(t, res.Exists)
	assert.Equal(t, "wh-url", res.MatchedID)
}

func TestExistsKeepsSecretMatchWithDisjointTriggers(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	dir := mocks.NewMockDirectoryClient(ctrl)
	logger, _ := newTestSlogger()
	r := reconcile.New(dir, logger)
	ctx := context.Background()

	dir.EXPECT().ListWebhooks(ctx, agentID).Return([]joai.Webhook{
		hook("wh-user", oldURL, secret, "user.message"),
	}, nil)
	dir.EXPECT().DeleteWebhook(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

	res, err := r.Exists(ctx, subscription())
	require.NoError(t, err)
	assert.False(t, res.Exists)
	assert.Empty(t, res.Stale)
}

func TestExistsListFailureReadsAsMissing(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	dir := mocks.NewMockDirectoryClient(ctrl)
	logger, logBuf := newTestSlogger()
	r := reconcile.New(dir, logger)
	ctx := context.Background()

	dir.EXPECT().ListWebhooks(ctx, agentID).Return(nil, errors.New("connection refused"))

	res, err := r.Exists(ctx, subscription())
	require.NoError(t, err)
	assert.False(t, res.Exists)
	assert.EqualError(t, res.ListErr, "connection refused")
	assert.Contains(t, logBuf.String(), "connection refused")
}

func TestExistsRequiresAgentID(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	dir := mocks.NewMockDirectoryClient(ctrl)
	logger, _ := newTestSlogger()
	r := reconcile.New(dir, logger)

	sub := subscription()
	sub.AgentID = ""
	_, err := r.Exists(context.Background(), sub)
	assert.ErrorIs(t, err, reconcile.ErrAgentIDRequired)
}

func TestCreateSendsHardenedRequest(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	dir := mocks.NewMockDirectoryClient(ctrl)
	logger, logBuf := newTestSlogger()
	r := reconcile.New(dir, logger)
	ctx := context.Background()

	sub := subscription()
	sub.Triggers = []string{"agent.message", "user.message"}
	sub.Description = "joai-gw trigger fp=abc"

	dir.EXPECT().CreateWebhook(ctx, agentID, gomock.Any()).DoAndReturn(
		func(_ context.Context, _ string, req joai.WebhookRequest) (joai.Webhook, error) {
			assert.Equal(t, "support alerts", req.Name)
			assert.Equal(t, currentURL, req.URL)
			assert.Equal(t, "agent.message", req.Trigger)
			assert.Equal(t, []string{"agent.message", "user.message"}, req.Triggers)
			assert.True(t, req.Active)
			assert.Equal(t, map[string]string{"X-JoAi-Secret-Token": secret}, req.Headers)
			assert.Equal(t, "joai-gw trigger fp=abc", req.Description)
			assert.True(t, req.VerifySSL)
			assert.Equal(t, 30, req.Timeout)
			assert.Equal(t, 3, req.MaxRetries)
			return joai.Webhook{ID: "wh-new", URL: req.URL}, nil
		})

	res, err := r.Create(ctx, sub)
	require.NoError(t, err)
	assert.Equal(t, "wh-new", res.Webhook.ID)
	assert.NotContains(t, logBuf.String(), secret)
}

func TestCreateDefaultsName(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	dir := mocks.NewMockDirectoryClient(ctrl)
	logger, _ := newTestSlogger()
	r := reconcile.New(dir, logger)
	ctx := context.Background()

	sub := subscription()
	sub.Name = ""
	dir.EXPECT().CreateWebhook(ctx, agentID, gomock.Any()).DoAndReturn(
		func(_ context.Context, _ string, req joai.WebhookRequest) (joai.Webhook, error) {
			assert.Equal(t, reconcile.DefaultName, req.Name)
			assert.Empty(t, req.Description)
			return joai.Webhook{ID: "wh-new"}, nil
		})

	_, err := r.Create(ctx, sub)
	require.NoError(t, err)
}

func TestCreateFailureIsReturned(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	dir := mocks.NewMockDirectoryClient(ctrl)
	logger, _ := newTestSlogger()
	r := reconcile.New(dir, logger)
	ctx := context.Background()

	dir.EXPECT().CreateWebhook(ctx, agentID, gomock.Any()).Return(joai.Webhook{}, &joai.APIError{StatusCode: 422, Body: "bad url"})

	_, err := r.Create(ctx, subscription())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create webhook")

	var apiErr *joai.APIError
	assert.True(t, errors.As(err, &apiErr))
}

func TestCreateRequiresSecretAndTriggers(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	dir := mocks.NewMockDirectoryClient(ctrl)
	logger, _ := newTestSlogger()
	r := reconcile.New(dir, logger)

	sub := subscription()
	sub.Secret = ""
	_, err := r.Create(context.Background(), sub)
	assert.ErrorIs(t, err, reconcile.ErrSecretRequired)

	sub = subscription()
	sub.Triggers = nil
	_, err = r.Create(context.Background(), sub)
	assert.ErrorIs(t, err, reconcile.ErrTriggersRequired)
}

func TestDeleteAttemptsEveryMatchDespiteFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	dir := mocks.NewMockDirectoryClient(ctrl)
	logger, logBuf := newTestSlogger()
	r := reconcile.New(dir, logger)
	ctx := context.Background()

	dir.EXPECT().ListWebhooks(ctx, agentID).Return([]joai.Webhook{
		hook("wh-1", currentURL, ""),
		hook("wh-2", currentURL, "joai_other"),
		hook("wh-3", oldURL, secret),
		hook("wh-4", "https://unrelated", "joai_other"),
	}, nil)
	dir.EXPECT().DeleteWebhook(gomock.Any(), agentID, "wh-1").Return(errors.New("boom")).Times(1)
	dir.EXPECT().DeleteWebhook(gomock.Any(), agentID, "wh-2").Return(nil).Times(1)
	dir.EXPECT().DeleteWebhook(gomock.Any(), agentID, "wh-3").Return(nil).Times(1)

	report, err := r.Delete(ctx, subscription())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Matched)
	assert.Equal(t, 2, report.Deleted)
	assert.Equal(t, 1, report.Failed)
	assert.Contains(t, logBuf.String(), "webhook deletion incomplete")
}

func TestDeleteListFailureIsReported(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	dir := mocks.NewMockDirectoryClient(ctrl)
	logger, _ := newTestSlogger()
	r := reconcile.New(dir, logger)
	ctx := context.Background()

	listErr := errors.New("timeout")
	dir.EXPECT().ListWebhooks(ctx, agentID).Return(nil, listErr)

	report, err := r.Delete(ctx, subscription())
	require.NoError(t, err)
	assert.ErrorIs(t, report.ListErr, listErr)
	assert.Zero(t, report.Matched)
}
