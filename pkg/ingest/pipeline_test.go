package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petalcrm/sundew/pkg/models"
)

type fakeMessageRepo struct {
	mu      sync.Mutex
	seen    map[string]bool
	upserts []*models.Message
}

func newFakeMessageRepo() *fakeMessageRepo {
	return &fakeMessageRepo{seen: make(map[string]bool)}
}

func (r *fakeMessageRepo) Upsert(ctx context.Context, message *models.Message) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := message.ChannelID.String() + "/" + message.MessageID
	created := !r.seen[key]
	r.seen[key] = true
	r.upserts = append(r.upserts, message)
	return created, nil
}

func (r *fakeMessageRepo) GetByMessageID(ctx context.Context, channelID uuid.UUID, messageID string) (*models.Message, error) {
	return nil, nil
}

func (r *fakeMessageRepo) ListBySender(ctx context.Context, sender string, limit int) ([]models.Message, error) {
	return nil, nil
}

type fakeReconciler struct {
	mu    sync.Mutex
	calls []bool // created flag per call
	done  chan struct{}
}

func (f *fakeReconciler) ReconcileMessage(ctx context.Context, channel *models.Channel, message *models.Message, created bool) error {
	f.mu.Lock()
	f.calls = append(f.calls, created)
	f.mu.Unlock()
	if f.done != nil {
		f.done <- struct{}{}
	}
	return nil
}

func testChannel() *models.Channel {
	return &models.Channel{
		ID:       uuid.New(),
		TenantID: uuid.New(),
		Name:     "whatsapp-main",
	}
}

func TestWriter_DerivesStableID(t *testing.T) {
	repo := newFakeMessageRepo()
	w := NewWriter(repo, testLogger())
	channel := testChannel()

	body := "same body"
	normalized := &Normalized{
		Sender:            "5511999887766",
		Type:              "text",
		Body:              &body,
		SentAt:            time.Unix(1700000000, 0).UTC(),
		SentAtFromPayload: true,
	}

	_, created, err := w.Write(context.Background(), channel, normalized)
	require.NoError(t, err)
	assert.True(t, created)

	// Same payload replayed derives the same id and deduplicates
	_, created, err = w.Write(context.Background(), channel, normalized)
	require.NoError(t, err)
	assert.False(t, created)

	require.Len(t, repo.upserts, 2)
	assert.Equal(t, repo.upserts[0].MessageID, repo.upserts[1].MessageID)
	assert.Contains(t, repo.upserts[0].MessageID, "derived-")
}

func TestWriter_ReplayWithoutTimestampDeduplicates(t *testing.T) {
	repo := newFakeMessageRepo()
	w := NewWriter(repo, testLogger())
	norm := NewNormalizer(testLogger())
	channel := testChannel()

	payload := map[string]any{"from": "5511999998888", "message": "oi"}

	first := norm.Normalize(payload)
	second := norm.Normalize(payload)
	require.False(t, first.SentAtFromPayload)

	// A replayed delivery arrives later, so its receipt time differs
	second.SentAt = first.SentAt.Add(2 * time.Second)

	stored, created, err := w.Write(context.Background(), channel, first)
	require.NoError(t, err)
	assert.True(t, created)

	replayed, created, err := w.Write(context.Background(), channel, second)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, stored.MessageID, replayed.MessageID)
}

func TestWriter_KeepsGatewayID(t *testing.T) {
	repo := newFakeMessageRepo()
	w := NewWriter(repo, testLogger())

	normalized := &Normalized{
		MessageID: "MSG-42",
		Sender:    "5511999887766",
		Type:      "text",
		SentAt:    time.Now().UTC(),
	}

	message, created, err := w.Write(context.Background(), testChannel(), normalized)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "MSG-42", message.MessageID)
}

func TestPipeline_ProcessesEnqueuedTask(t *testing.T) {
	repo := newFakeMessageRepo()
	reconciler := &fakeReconciler{done: make(chan struct{}, 1)}

	p := NewPipeline(NewNormalizer(testLogger()), NewWriter(repo, testLogger()),
		reconciler, nil, 4, testLogger())
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop(context.Background()) //nolint:errcheck

	err := p.Enqueue(context.Background(), Task{
		Channel: testChannel(),
		Payload: map[string]any{
			"from":    "5511999887766",
			"message": "hello",
			"id":      "MSG-1",
		},
		Transport: models.EventTransportWebhook,
	})
	require.NoError(t, err)

	select {
	case <-reconciler.done:
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not process the task")
	}

	reconciler.mu.Lock()
	defer reconciler.mu.Unlock()
	require.Len(t, reconciler.calls, 1)
	assert.True(t, reconciler.calls[0])

	repo.mu.Lock()
	defer repo.mu.Unlock()
	require.Len(t, repo.upserts, 1)
	assert.Equal(t, "MSG-1", repo.upserts[0].MessageID)
	assert.Equal(t, "5511999887766", repo.upserts[0].Sender)
}

func TestPipeline_EnqueueAfterStop(t *testing.T) {
	p := NewPipeline(NewNormalizer(testLogger()), NewWriter(newFakeMessageRepo(), testLogger()),
		&fakeReconciler{}, nil, 4, testLogger())
	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Stop(context.Background()))

	err := p.Enqueue(context.Background(), Task{Channel: testChannel(), Payload: map[string]any{}})
	assert.ErrorIs(t, err, ErrPipelineStopped)
}

func TestPipeline_QueueFull(t *testing.T) {
	blocked := make(chan struct{})
	reconciler := &fakeReconciler{}

	p := NewPipeline(NewNormalizer(testLogger()), NewWriter(newFakeMessageRepo(), testLogger()),
		&blockingReconciler{release: blocked, reconciler: reconciler}, nil, 1, testLogger())
	require.NoError(t, p.Start(context.Background()))
	defer func() {
		close(blocked)
		p.Stop(context.Background()) //nolint:errcheck
	}()

	channel := testChannel()
	payload := map[string]any{"from": "5511999887766", "message": "hi"}

	// First task occupies the worker, second fills the queue, third is
	// rejected.
	require.NoError(t, p.Enqueue(context.Background(), Task{Channel: channel, Payload: payload}))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, p.Enqueue(context.Background(), Task{Channel: channel, Payload: payload}))

	err := p.Enqueue(context.Background(), Task{Channel: channel, Payload: payload})
	assert.ErrorIs(t, err, ErrPipelineFull)
}

type blockingReconciler struct {
	release    chan struct{}
	reconciler *fakeReconciler
}

func (b *blockingReconciler) ReconcileMessage(ctx context.Context, channel *models.Channel, message *models.Message, created bool) error {
	<-b.release
	return b.reconciler.ReconcileMessage(ctx, channel, message, created)
}
