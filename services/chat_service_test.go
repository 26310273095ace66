package services

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/echosec/echosec/crypto"
	"github.com/echosec/echosec/db"
	apiError "github.com/echosec/echosec/errors"
	"github.com/echosec/echosec/keystore"
	"github.com/echosec/echosec/models"
	"github.com/echosec/echosec/realtime"
)

// participant bundles one simulated client device: its own key cache and
// service instances over the shared backend and bus.
type participant struct {
	id   uuid.UUID
	keys KeyService
	chat ChatService
}

func newParticipant(backend *fakeBackend, bus realtime.Bus) *participant {
	keys := NewKeyService(backend, keystore.NewMemory(), zerolog.Nop())
	return &participant{
		id:   uuid.New(),
		keys: keys,
		chat: NewChatService(keys, backend, backend, bus, zerolog.Nop()),
	}
}

func plaintexts(msgs []models.DecryptedMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.DecryptedContent
	}
	return out
}

func TestSendAndReadAcrossParticipants(t *testing.T) {
	ctx := context.Background()
	bus := realtime.NewLocalBus()
	backend := newFakeBackend(bus)

	alice := newParticipant(backend, bus)
	bob := newParticipant(backend, bus)
	convID := mustCreateConversation(t, backend, alice.id, bob.id)

	require.NoError(t, alice.chat.OpenConversation(ctx, convID))
	defer alice.chat.Close()
	_, err := alice.chat.Send(ctx, convID, alice.id, "hello")
	require.NoError(t, err)

	require.NoError(t, bob.chat.OpenConversation(ctx, convID))
	defer bob.chat.Close()

	history, err := bob.chat.History(convID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "hello", history[0].DecryptedContent)
	assert.Equal(t, alice.id, history[0].SenderID)
	assert.Nil(t, history[0].EditedAt)
}

func TestSendRequiresOpenView(t *testing.T) {
	ctx := context.Background()
	bus := realtime.NewLocalBus()
	backend := newFakeBackend(bus)
	alice := newParticipant(backend, bus)
	convID := mustCreateConversation(t, backend, alice.id)

	_, err := alice.chat.Send(ctx, convID, alice.id, "too early")
	assert.ErrorIs(t, err, apiError.ErrNotReady)

	require.NoError(t, alice.chat.OpenConversation(ctx, convID))
	alice.chat.CloseConversation(convID)

	_, err = alice.chat.Send(ctx, convID, alice.id, "after close")
	assert.ErrorIs(t, err, apiError.ErrNotReady)
}

func TestSendValidation(t *testing.T) {
	ctx := context.Background()
	bus := realtime.NewLocalBus()
	backend := newFakeBackend(bus)
	alice := newParticipant(backend, bus)
	convID := mustCreateConversation(t, backend, alice.id)
	require.NoError(t, alice.chat.OpenConversation(ctx, convID))
	defer alice.chat.Close()

	_, err := alice.chat.Send(ctx, convID, alice.id, "")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, apiError.ErrNotReady)

	_, err = alice.chat.Send(ctx, convID, uuid.Nil, "anonymous")
	assert.ErrorIs(t, err, apiError.ErrNotReady)
}

func TestSendSurfacesPersistError(t *testing.T) {
	ctx := context.Background()
	bus := realtime.NewLocalBus()
	backend := newFakeBackend(bus)
	alice := newParticipant(backend, bus)
	convID := mustCreateConversation(t, backend, alice.id)
	require.NoError(t, alice.chat.OpenConversation(ctx, convID))
	defer alice.chat.Close()

	backend.setSaveErr(fmt.Errorf("connection reset"))
	_, err := alice.chat.Send(ctx, convID, alice.id, "doomed")
	assert.ErrorIs(t, err, apiError.ErrPersist)

	// Nothing was stored; the caller keeps the plaintext and may retry.
	backend.setSaveErr(nil)
	history, err := alice.chat.History(convID)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestEditVisibleToOtherParticipant(t *testing.T) {
	ctx := context.Background()
	bus := realtime.NewLocalBus()
	backend := newFakeBackend(bus)
	alice := newParticipant(backend, bus)
	bob := newParticipant(backend, bus)
	convID := mustCreateConversation(t, backend, alice.id, bob.id)

	require.NoError(t, alice.chat.OpenConversation(ctx, convID))
	defer alice.chat.Close()
	msg, err := alice.chat.Send(ctx, convID, alice.id, "helo")
	require.NoError(t, err)

	original, err := backend.GetMessage(ctx, msg.ID)
	require.NoError(t, err)

	require.NoError(t, alice.chat.Edit(ctx, convID, msg.ID, alice.id, "hello"))

	require.NoError(t, bob.chat.OpenConversation(ctx, convID))
	defer bob.chat.Close()
	history, err := bob.chat.History(convID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "hello", history[0].DecryptedContent)
	assert.NotNil(t, history[0].EditedAt)

	// Re-encryption replaced both ciphertext and nonce.
	edited, err := backend.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.NotEqual(t, original.EncryptedContent, edited.EncryptedContent)
	assert.NotEqual(t, original.IV, edited.IV)
}

func TestEditByNonOwnerRejected(t *testing.T) {
	ctx := context.Background()
	bus := realtime.NewLocalBus()
	backend := newFakeBackend(bus)
	alice := newParticipant(backend, bus)
	bob := newParticipant(backend, bus)
	convID := mustCreateConversation(t, backend, alice.id, bob.id)

	require.NoError(t, alice.chat.OpenConversation(ctx, convID))
	defer alice.chat.Close()
	msg, err := alice.chat.Send(ctx, convID, alice.id, "mine")
	require.NoError(t, err)

	require.NoError(t, bob.chat.OpenConversation(ctx, convID))
	defer bob.chat.Close()

	err = bob.chat.Edit(ctx, convID, msg.ID, bob.id, "hijacked")
	assert.ErrorIs(t, err, apiError.ErrNotAuthorized)

	err = bob.chat.Delete(ctx, convID, msg.ID, bob.id)
	assert.ErrorIs(t, err, apiError.ErrNotAuthorized)

	// The row never reflects the attempted edit.
	row, err := backend.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, msg.EncryptedContent, row.EncryptedContent)
	assert.Nil(t, row.EditedAt)
}

func TestEditMissingMessageIsNotFound(t *testing.T) {
	ctx := context.Background()
	bus := realtime.NewLocalBus()
	backend := newFakeBackend(bus)
	alice := newParticipant(backend, bus)
	convID := mustCreateConversation(t, backend, alice.id)
	require.NoError(t, alice.chat.OpenConversation(ctx, convID))
	defer alice.chat.Close()

	err := alice.chat.Edit(ctx, convID, uuid.New(), alice.id, "whatever")
	assert.ErrorIs(t, err, apiError.ErrNotFound)
}

func TestDeleteRemovesMessage(t *testing.T) {
	ctx := context.Background()
	bus := realtime.NewLocalBus()
	backend := newFakeBackend(bus)
	alice := newParticipant(backend, bus)
	convID := mustCreateConversation(t, backend, alice.id)
	require.NoError(t, alice.chat.OpenConversation(ctx, convID))
	defer alice.chat.Close()

	msg, err := alice.chat.Send(ctx, convID, alice.id, "delete me")
	require.NoError(t, err)
	require.NoError(t, alice.chat.Delete(ctx, convID, msg.ID, alice.id))

	_, err = backend.GetMessage(ctx, msg.ID)
	assert.ErrorIs(t, err, apiError.ErrNotFound)
}

func TestForeignKeyedRowShowsPlaceholder(t *testing.T) {
	ctx := context.Background()
	bus := realtime.NewLocalBus()
	backend := newFakeBackend(bus)
	alice := newParticipant(backend, bus)
	convID := mustCreateConversation(t, backend, alice.id)

	require.NoError(t, alice.chat.OpenConversation(ctx, convID))
	defer alice.chat.Close()
	_, err := alice.chat.Send(ctx, convID, alice.id, "readable")
	require.NoError(t, err)

	// A row sealed under some other key, as after a botched key rollover.
	foreignKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	ct, nonce, err := crypto.Encrypt([]byte("unreadable"), foreignKey)
	require.NoError(t, err)
	require.NoError(t, backend.SaveMessage(ctx, &models.Message{
		ConversationID:   convID,
		SenderID:         alice.id,
		EncryptedContent: base64.StdEncoding.EncodeToString(ct),
		IV:               base64.StdEncoding.EncodeToString(nonce),
	}))

	require.Eventually(t, func() bool {
		history, err := alice.chat.History(convID)
		if err != nil || len(history) != 2 {
			return false
		}
		got := plaintexts(history)
		return got[0] == "readable" && got[1] == DecryptFailedPlaceholder
	}, time.Second, 10*time.Millisecond, "one corrupt row must not block the rest of history")
}

func TestInsertNotificationRefreshesView(t *testing.T) {
	ctx := context.Background()
	bus := realtime.NewLocalBus()
	backend := newFakeBackend(bus)
	alice := newParticipant(backend, bus)
	bob := newParticipant(backend, bus)
	convID := mustCreateConversation(t, backend, alice.id, bob.id)

	require.NoError(t, alice.chat.OpenConversation(ctx, convID))
	defer alice.chat.Close()
	require.NoError(t, bob.chat.OpenConversation(ctx, convID))
	defer bob.chat.Close()

	// Bob's send reaches Alice's open view without Alice doing anything.
	_, err := bob.chat.Send(ctx, convID, bob.id, "ping")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		history, err := alice.chat.History(convID)
		return err == nil && len(history) == 1 && history[0].DecryptedContent == "ping"
	}, time.Second, 10*time.Millisecond)
}

func TestNotificationForOtherConversationIgnored(t *testing.T) {
	ctx := context.Background()
	bus := realtime.NewLocalBus()
	backend := newFakeBackend(bus)
	alice := newParticipant(backend, bus)
	convY := mustCreateConversation(t, backend, alice.id)
	convX := mustCreateConversation(t, backend, alice.id)

	require.NoError(t, alice.chat.OpenConversation(ctx, convY))
	defer alice.chat.Close()
	baseline := backend.listCallCount(convY)

	require.NoError(t, bus.PublishInsert(ctx, realtime.InsertEvent{
		ConversationID: convX,
		MessageID:      uuid.New(),
	}))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, baseline, backend.listCallCount(convY), "a notification for X must not refetch Y")
}

func TestRefreshesCoalesce(t *testing.T) {
	ctx := context.Background()
	bus := realtime.NewLocalBus()
	backend := newFakeBackend(bus)
	alice := newParticipant(backend, bus)
	convID := mustCreateConversation(t, backend, alice.id)

	require.NoError(t, alice.chat.OpenConversation(ctx, convID))
	defer alice.chat.Close()

	// A burst of duplicate notifications collapses into at most a couple of
	// refetches: one in flight plus one trailing re-run.
	baseline := backend.listCallCount(convID)
	for i := 0; i < 20; i++ {
		require.NoError(t, bus.PublishInsert(ctx, realtime.InsertEvent{
			ConversationID: convID,
			MessageID:      uuid.New(),
		}))
	}
	time.Sleep(200 * time.Millisecond)
	calls := backend.listCallCount(convID) - baseline
	assert.LessOrEqual(t, calls, 20)
	assert.Greater(t, calls, 0)
}

// gatedNotifier wraps a Notifier so tests can pause an open inside Subscribe
// and count subscriptions that were never released.
type gatedNotifier struct {
	inner   realtime.Notifier
	entered chan struct{}
	release chan struct{}

	mu     sync.Mutex
	active int
}

func newGatedNotifier(inner realtime.Notifier) *gatedNotifier {
	return &gatedNotifier{
		inner:   inner,
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
}

func (g *gatedNotifier) Subscribe(ctx context.Context, conversationID uuid.UUID) (<-chan realtime.InsertEvent, func(), error) {
	g.entered <- struct{}{}
	<-g.release
	events, stop, err := g.inner.Subscribe(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}
	g.mu.Lock()
	g.active++
	g.mu.Unlock()
	var once sync.Once
	return events, func() {
		stop()
		once.Do(func() {
			g.mu.Lock()
			g.active--
			g.mu.Unlock()
		})
	}, nil
}

func (g *gatedNotifier) activeSubscriptions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

func TestCloseDuringOpenReleasesSubscription(t *testing.T) {
	ctx := context.Background()
	bus := realtime.NewLocalBus()
	backend := newFakeBackend(bus)
	gated := newGatedNotifier(bus)

	keys := NewKeyService(backend, keystore.NewMemory(), zerolog.Nop())
	svc := NewChatService(keys, backend, backend, gated, zerolog.Nop())
	defer svc.Close()

	senderID := uuid.New()
	convID := mustCreateConversation(t, backend, senderID)

	openDone := make(chan error, 1)
	go func() { openDone <- svc.OpenConversation(ctx, convID) }()

	// Close lands after the view is registered but before its stop func is
	// stored, the window where close alone cannot release anything.
	<-gated.entered
	svc.CloseConversation(convID)
	close(gated.release)

	err := <-openDone
	require.Error(t, err, "open finishing against a closed view must not report success")
	assert.False(t, svc.Ready(convID))
	assert.Equal(t, 0, gated.activeSubscriptions(), "close won the race, the subscription must be released")

	_, err = svc.Send(ctx, convID, senderID, "into the void")
	assert.ErrorIs(t, err, apiError.ErrNotReady)
}

func TestEditScopedToItsConversation(t *testing.T) {
	ctx := context.Background()
	bus := realtime.NewLocalBus()
	backend := newFakeBackend(bus)
	alice := newParticipant(backend, bus)
	convY := mustCreateConversation(t, backend, alice.id)
	convX := mustCreateConversation(t, backend, alice.id)

	require.NoError(t, alice.chat.OpenConversation(ctx, convY))
	require.NoError(t, alice.chat.OpenConversation(ctx, convX))
	defer alice.chat.Close()

	msg, err := alice.chat.Send(ctx, convY, alice.id, "keep me")
	require.NoError(t, err)

	// Routing the edit through X would re-encrypt the row under X's key and
	// make it unreadable in Y forever. The row must stay out of reach.
	err = alice.chat.Edit(ctx, convX, msg.ID, alice.id, "smuggled")
	assert.ErrorIs(t, err, apiError.ErrNotFound)
	err = alice.chat.Delete(ctx, convX, msg.ID, alice.id)
	assert.ErrorIs(t, err, apiError.ErrNotFound)

	row, err := backend.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, msg.EncryptedContent, row.EncryptedContent)

	history, err := alice.chat.History(convY)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "keep me", history[0].DecryptedContent)
}

func TestOwnershipCheckSurfacesBackendFailure(t *testing.T) {
	ctx := context.Background()
	bus := realtime.NewLocalBus()
	backend := newFakeBackend(bus)
	alice := newParticipant(backend, bus)
	convID := mustCreateConversation(t, backend, alice.id)
	require.NoError(t, alice.chat.OpenConversation(ctx, convID))
	defer alice.chat.Close()

	// A transient read failure during the ownership check is a backend
	// problem, not proof the row is gone.
	backend.setGetErr(fmt.Errorf("connection reset"))
	err := alice.chat.Edit(ctx, convID, uuid.New(), alice.id, "whatever")
	assert.ErrorIs(t, err, apiError.ErrPersist)
	assert.NotErrorIs(t, err, apiError.ErrNotFound)
}

// gateRepo wraps a MessageRepository so tests can hold a fetch response
// after its snapshot was taken, forcing a stale response to arrive late.
type gateRepo struct {
	db.MessageRepository
	mu    sync.Mutex
	holds []chan struct{}
}

func (g *gateRepo) hold() chan struct{} {
	ch := make(chan struct{})
	g.mu.Lock()
	g.holds = append(g.holds, ch)
	g.mu.Unlock()
	return ch
}

func (g *gateRepo) ListMessages(ctx context.Context, conversationID uuid.UUID) ([]models.Message, error) {
	out, err := g.MessageRepository.ListMessages(ctx, conversationID)
	g.mu.Lock()
	var gate chan struct{}
	if len(g.holds) > 0 {
		gate = g.holds[0]
		g.holds = g.holds[1:]
	}
	g.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return out, err
}

func TestStaleFetchResponseDiscarded(t *testing.T) {
	ctx := context.Background()
	bus := realtime.NewLocalBus()
	backend := newFakeBackend(bus)
	gated := &gateRepo{MessageRepository: backend}

	keys := NewKeyService(backend, keystore.NewMemory(), zerolog.Nop())
	svc := NewChatService(keys, gated, backend, bus, zerolog.Nop()).(*chatService)

	senderID := uuid.New()
	convID := mustCreateConversation(t, backend, senderID)
	require.NoError(t, svc.OpenConversation(ctx, convID))
	defer svc.Close()

	_, err := svc.Send(ctx, convID, senderID, "first")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		history, err := svc.History(convID)
		return err == nil && len(history) == 1
	}, time.Second, 10*time.Millisecond)
	// Let the coalesced post-send refreshes drain so none of them can
	// swallow the gate below.
	time.Sleep(50 * time.Millisecond)

	v := svc.view(convID)
	require.NotNil(t, v)

	// Fetch A snapshots one message, then stalls before delivering.
	gate := gated.hold()
	staleDone := make(chan error, 1)
	go func() { staleDone <- svc.refreshOnce(v) }()

	// Meanwhile a newer row lands and fetch B completes normally.
	require.Eventually(t, func() bool {
		gated.mu.Lock()
		defer gated.mu.Unlock()
		return len(gated.holds) == 0
	}, time.Second, time.Millisecond, "stale fetch never started")
	ct, nonce, err := crypto.Encrypt([]byte("second"), v.key)
	require.NoError(t, err)
	require.NoError(t, backend.SaveMessage(ctx, &models.Message{
		ConversationID:   convID,
		SenderID:         senderID,
		EncryptedContent: base64.StdEncoding.EncodeToString(ct),
		IV:               base64.StdEncoding.EncodeToString(nonce),
	}))
	require.Eventually(t, func() bool {
		history, err := svc.History(convID)
		return err == nil && len(history) == 2
	}, time.Second, 10*time.Millisecond)

	// Fetch A finally returns its one-message snapshot; it must not clobber
	// the fresher two-message state.
	close(gate)
	require.NoError(t, <-staleDone)

	history, err := svc.History(convID)
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, plaintexts(history))
}

func TestHistoryOrderIsStable(t *testing.T) {
	ctx := context.Background()
	bus := realtime.NewLocalBus()
	backend := newFakeBackend(bus)
	alice := newParticipant(backend, bus)
	convID := mustCreateConversation(t, backend, alice.id)
	require.NoError(t, alice.chat.OpenConversation(ctx, convID))
	defer alice.chat.Close()

	for i := 0; i < 5; i++ {
		_, err := alice.chat.Send(ctx, convID, alice.id, fmt.Sprintf("msg-%d", i))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		history, err := alice.chat.History(convID)
		return err == nil && len(history) == 5
	}, time.Second, 10*time.Millisecond)

	history, err := alice.chat.History(convID)
	require.NoError(t, err)
	assert.Equal(t, []string{"msg-0", "msg-1", "msg-2", "msg-3", "msg-4"}, plaintexts(history))
}
