package services

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/echosec/echosec/crypto"
	"github.com/echosec/echosec/db"
	apiError "github.com/echosec/echosec/errors"
	"github.com/echosec/echosec/models"
	"github.com/echosec/echosec/realtime"
)

// DecryptFailedPlaceholder is shown in place of a message whose ciphertext
// cannot be opened with the conversation key. The failure is cosmetic and
// never fails the surrounding fetch.
const DecryptFailedPlaceholder = "[Unable to decrypt]"

// ViewState tracks a conversation view through key resolution and history
// loading.
type ViewState int

const (
	StateUnresolved ViewState = iota
	StateLoading
	StateReady
)

// ChatService is the message pipeline: it encrypts sends, decrypts fetched
// history, applies ownership-scoped edits and deletes, and keeps each open
// conversation view current via realtime insert notifications.
type ChatService interface {
	// OpenConversation resolves the conversation key, subscribes to insert
	// notifications and loads history. It must succeed before Send, Edit,
	// Delete or History are allowed for the conversation.
	OpenConversation(ctx context.Context, conversationID uuid.UUID) error
	// CloseConversation tears the view down: subscription closed, in-flight
	// fetches abandoned. Safe to call on a never-opened id.
	CloseConversation(conversationID uuid.UUID)
	// Ready reports whether the conversation key is resolved, the flag the
	// UI uses to gate its send affordances.
	Ready(conversationID uuid.UUID) bool
	History(conversationID uuid.UUID) ([]models.DecryptedMessage, error)
	Send(ctx context.Context, conversationID, senderID uuid.UUID, content string) (*models.Message, error)
	Edit(ctx context.Context, conversationID, messageID, callerID uuid.UUID, content string) error
	Delete(ctx context.Context, conversationID, messageID, callerID uuid.UUID) error
	Close()
}

// conversationView is the per-conversation state machine. All fields are
// guarded by mu. Refreshes run on at most one goroutine per view; arrivals
// during a run set rerun so several triggers collapse into a single trailing
// refresh. applied carries the sequence number of the newest fetch whose
// result was accepted, so a stale response can never clobber fresher state.
type conversationView struct {
	id uuid.UUID

	mu       sync.Mutex
	state    ViewState
	key      []byte
	messages []models.DecryptedMessage

	seq     uint64
	applied uint64

	refreshing bool
	rerun      bool

	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()
	closed      bool
}

type chatService struct {
	keys             KeyService
	messageRepo      db.MessageRepository
	conversationRepo db.ConversationRepository
	notifier         realtime.Notifier
	log              zerolog.Logger

	mu    sync.Mutex
	views map[uuid.UUID]*conversationView
}

func NewChatService(
	keys KeyService,
	messageRepo db.MessageRepository,
	conversationRepo db.ConversationRepository,
	notifier realtime.Notifier,
	log zerolog.Logger,
) ChatService {
	return &chatService{
		keys:             keys,
		messageRepo:      messageRepo,
		conversationRepo: conversationRepo,
		notifier:         notifier,
		log:              log.With().Str("component", "chat").Logger(),
		views:            make(map[uuid.UUID]*conversationView),
	}
}

// errClosedDuringOpen reports an open that lost the race against a concurrent
// close: the view is gone and the caller must reopen.
var errClosedDuringOpen = apiError.New("conversation closed while opening", http.StatusConflict)

func (s *chatService) OpenConversation(ctx context.Context, conversationID uuid.UUID) error {
	viewCtx, cancel := context.WithCancel(context.Background())
	v := &conversationView{
		id:     conversationID,
		state:  StateUnresolved,
		ctx:    viewCtx,
		cancel: cancel,
	}

	s.mu.Lock()
	prev := s.views[conversationID]
	if prev != nil {
		prev.mu.Lock()
		ready := prev.state == StateReady
		prev.mu.Unlock()
		if ready {
			s.mu.Unlock()
			cancel()
			return nil
		}
	}
	// Swap under the service lock so concurrent opens and closes always see
	// exactly one registered view per conversation.
	s.views[conversationID] = v
	s.mu.Unlock()
	if prev != nil {
		// A previous open failed partway; tear the remnant down.
		s.teardown(prev)
	}

	ok := false
	defer func() {
		// Teardown is unconditional on failure so a half-opened view never
		// leaks its subscription. Only this view is unregistered; a
		// concurrent reopen may already own the map entry.
		if !ok {
			s.mu.Lock()
			if s.views[conversationID] == v {
				delete(s.views, conversationID)
			}
			s.mu.Unlock()
			s.teardown(v)
		}
	}()

	key, err := s.keys.ResolveKey(ctx, conversationID)
	if err != nil {
		return err
	}
	v.mu.Lock()
	v.key = key
	v.state = StateLoading
	v.mu.Unlock()

	events, unsubscribe, err := s.notifier.Subscribe(viewCtx, conversationID)
	if err != nil {
		return err
	}
	v.mu.Lock()
	if v.closed {
		// CloseConversation ran before the stop func was stored, so its
		// teardown could not release the subscription. Release it here.
		v.mu.Unlock()
		unsubscribe()
		return errClosedDuringOpen
	}
	v.unsubscribe = unsubscribe
	v.mu.Unlock()
	go s.consumeEvents(v, events)

	// Initial history load runs synchronously so the caller observes Ready.
	if err := s.refreshOnce(v); err != nil {
		return err
	}

	v.mu.Lock()
	closed := v.closed
	v.mu.Unlock()
	if closed {
		return errClosedDuringOpen
	}
	ok = true
	return nil
}

func (s *chatService) CloseConversation(conversationID uuid.UUID) {
	s.mu.Lock()
	v, okFound := s.views[conversationID]
	if okFound {
		delete(s.views, conversationID)
	}
	s.mu.Unlock()
	if okFound {
		s.teardown(v)
	}
}

// teardown marks the view closed, cancels its context and releases its
// subscription. The stop func is once-guarded, so running teardown twice for
// the same view is harmless.
func (s *chatService) teardown(v *conversationView) {
	v.mu.Lock()
	v.closed = true
	unsubscribe := v.unsubscribe
	v.mu.Unlock()

	v.cancel()
	if unsubscribe != nil {
		unsubscribe()
	}
}

func (s *chatService) Close() {
	s.mu.Lock()
	ids := make([]uuid.UUID, 0, len(s.views))
	for id := range s.views {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.CloseConversation(id)
	}
}

// consumeEvents drives the sync bridge: every insert notification for this
// conversation schedules one coalesced refresh. Duplicate delivery is
// harmless for the same reason.
func (s *chatService) consumeEvents(v *conversationView, events <-chan realtime.InsertEvent) {
	for {
		select {
		case ev, okRecv := <-events:
			if !okRecv {
				return
			}
			if ev.ConversationID != v.id {
				// Channels are scoped per conversation already; drop anything
				// that slips through rather than refreshing the wrong view.
				s.log.Warn().
					Str("want", v.id.String()).
					Str("got", ev.ConversationID.String()).
					Msg("insert event for foreign conversation dropped")
				continue
			}
			s.scheduleRefresh(v)
		case <-v.ctx.Done():
			return
		}
	}
}

// scheduleRefresh coalesces: one refresh goroutine per view, with triggers
// arriving mid-run folded into a single trailing re-run.
func (s *chatService) scheduleRefresh(v *conversationView) {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	if v.refreshing {
		v.rerun = true
		v.mu.Unlock()
		return
	}
	v.refreshing = true
	v.mu.Unlock()

	go func() {
		for {
			if err := s.refreshOnce(v); err != nil {
				s.log.Warn().Err(err).Str("conversation_id", v.id.String()).Msg("view refresh failed")
			}
			v.mu.Lock()
			if v.rerun && !v.closed {
				v.rerun = false
				v.mu.Unlock()
				continue
			}
			v.refreshing = false
			v.mu.Unlock()
			return
		}
	}()
}

// refreshOnce fetches and decrypts the full history, then applies the result
// only when no newer fetch has been applied in the meantime.
func (s *chatService) refreshOnce(v *conversationView) error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.seq++
	seq := v.seq
	key := v.key
	ctx := v.ctx
	v.mu.Unlock()

	if key == nil {
		return apiError.ErrNotReady
	}

	rows, err := s.messageRepo.ListMessages(ctx, v.id)
	if err != nil {
		return err
	}

	decrypted := make([]models.DecryptedMessage, 0, len(rows))
	for _, row := range rows {
		decrypted = append(decrypted, models.DecryptedMessage{
			Message:          row,
			DecryptedContent: s.decryptRow(&row, key),
		})
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	// Discard a stale response that lost the race against a newer fetch.
	if v.closed || seq < v.applied {
		return nil
	}
	v.applied = seq
	v.messages = decrypted
	v.state = StateReady
	return nil
}

// decryptRow opens one ciphertext row, falling back to the placeholder on
// any failure so a single corrupt or foreign-keyed row cannot block the
// rest of history.
func (s *chatService) decryptRow(row *models.Message, key []byte) string {
	ct, err := base64.StdEncoding.DecodeString(row.EncryptedContent)
	if err != nil {
		return DecryptFailedPlaceholder
	}
	iv, err := base64.StdEncoding.DecodeString(row.IV)
	if err != nil {
		return DecryptFailedPlaceholder
	}
	plaintext, err := crypto.Decrypt(ct, iv, key)
	if err != nil {
		s.log.Debug().Str("message_id", row.ID.String()).Msg("message failed to decrypt, showing placeholder")
		return DecryptFailedPlaceholder
	}
	return string(plaintext)
}

func (s *chatService) view(conversationID uuid.UUID) *conversationView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.views[conversationID]
}

func (s *chatService) Ready(conversationID uuid.UUID) bool {
	v := s.view(conversationID)
	if v == nil {
		return false
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.key != nil
}

func (s *chatService) History(conversationID uuid.UUID) ([]models.DecryptedMessage, error) {
	v := s.view(conversationID)
	if v == nil {
		return nil, apiError.ErrNotReady
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state != StateReady {
		return nil, apiError.ErrNotReady
	}
	out := make([]models.DecryptedMessage, len(v.messages))
	copy(out, v.messages)
	return out, nil
}

// readyKey returns the view and its key when the conversation is usable for
// mutations, or ErrNotReady.
func (s *chatService) readyKey(conversationID uuid.UUID) (*conversationView, []byte, error) {
	v := s.view(conversationID)
	if v == nil {
		return nil, nil, apiError.ErrNotReady
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.key == nil {
		return nil, nil, apiError.ErrNotReady
	}
	return v, v.key, nil
}

func (s *chatService) Send(ctx context.Context, conversationID, senderID uuid.UUID, content string) (*models.Message, error) {
	if content == "" {
		return nil, apiError.New("message content must not be empty", http.StatusBadRequest)
	}
	if senderID == uuid.Nil {
		return nil, apiError.ErrNotReady
	}
	v, key, err := s.readyKey(conversationID)
	if err != nil {
		return nil, err
	}

	ct, nonce, err := crypto.Encrypt([]byte(content), key)
	if err != nil {
		return nil, err
	}
	msg := &models.Message{
		ConversationID:   conversationID,
		SenderID:         senderID,
		EncryptedContent: base64.StdEncoding.EncodeToString(ct),
		IV:               base64.StdEncoding.EncodeToString(nonce),
	}
	if err := s.messageRepo.SaveMessage(ctx, msg); err != nil {
		// Surfaced, not retried: the caller keeps the plaintext and decides.
		return nil, apiError.Persist(err)
	}

	s.scheduleRefresh(v)
	return msg, nil
}

func (s *chatService) Edit(ctx context.Context, conversationID, messageID, callerID uuid.UUID, content string) error {
	if content == "" {
		return apiError.New("message content must not be empty", http.StatusBadRequest)
	}
	if callerID == uuid.Nil {
		return apiError.ErrNotReady
	}
	v, key, err := s.readyKey(conversationID)
	if err != nil {
		return err
	}

	ct, nonce, err := crypto.Encrypt([]byte(content), key)
	if err != nil {
		return err
	}
	rows, err := s.messageRepo.UpdateMessage(ctx, conversationID, messageID, callerID,
		base64.StdEncoding.EncodeToString(ct),
		base64.StdEncoding.EncodeToString(nonce),
		time.Now().UTC(),
	)
	if err != nil {
		return apiError.Persist(err)
	}
	if rows == 0 {
		return s.ownershipError(ctx, conversationID, messageID)
	}

	s.scheduleRefresh(v)
	return nil
}

func (s *chatService) Delete(ctx context.Context, conversationID, messageID, callerID uuid.UUID) error {
	if callerID == uuid.Nil {
		return apiError.ErrNotReady
	}
	v, _, err := s.readyKey(conversationID)
	if err != nil {
		return err
	}

	rows, err := s.messageRepo.DeleteMessage(ctx, conversationID, messageID, callerID)
	if err != nil {
		return apiError.Persist(err)
	}
	if rows == 0 {
		return s.ownershipError(ctx, conversationID, messageID)
	}

	s.scheduleRefresh(v)
	return nil
}

// ownershipError turns the compound-predicate miss into an explicit error:
// NotFound when the row does not exist in this conversation, NotAuthorized
// when it belongs to someone else. The original behaviour was a silent
// zero-row no-op the UI could not distinguish from success.
func (s *chatService) ownershipError(ctx context.Context, conversationID, messageID uuid.UUID) error {
	msg, err := s.messageRepo.GetMessage(ctx, messageID)
	if err != nil {
		if errors.Is(err, apiError.ErrNotFound) {
			return apiError.ErrNotFound
		}
		return apiError.Persist(err)
	}
	if msg.ConversationID != conversationID {
		return apiError.ErrNotFound
	}
	return apiError.ErrNotAuthorized
}
