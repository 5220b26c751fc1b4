package chatsync

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrStaleFetch marks a history fetch whose result arrived after the user
// navigated away or the store was reset; the result was discarded.
var ErrStaleFetch = errors.New("chatsync: stale history fetch discarded")

// reconcileWindow bounds the sender+content fallback match for optimistic
// messages. Echoes older than this are treated as distinct messages.
const reconcileWindow = 60 * time.Second

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithTransform sets the content transform applied on send and on inbound
// text envelopes. Defaults to identity.
func WithTransform(t ContentTransform) StoreOption {
	return func(s *Store) { s.transform = t }
}

// WithStoreLogger sets the store's structured logger.
func WithStoreLogger(log zerolog.Logger) StoreOption {
	return func(s *Store) { s.log = log }
}

// chatState pairs a chat with its ordered message sequence and indexes.
type chatState struct {
	chat     Chat
	messages []*Message
	byID     map[string]*Message
	byClient map[string]*Message
}

func newChatState(c Chat) *chatState {
	return &chatState{
		chat:     c,
		byID:     make(map[string]*Message),
		byClient: make(map[string]*Message),
	}
}

// Store is the single mutable owner of chat and message state. The
// transport never touches it directly; live events arrive through
// ApplyEnvelope (wired via the dispatcher), REST results through the load
// methods. All mutations funnel through here, which is what enforces the
// dedup, ordering, and unread invariants.
type Store struct {
	client    *Client
	transport *SocketManager
	transform ContentTransform
	log       zerolog.Logger

	mu         sync.Mutex
	selfID     string
	chats      map[string]*chatState
	chatOrder  []string
	activeChat string
	// fetchEpoch tags in-flight history fetches; bumped on chat switch and
	// reset so stale responses are discarded on arrival.
	fetchEpoch map[string]uint64
}

// NewStore creates a store backed by the REST client, with the transport as
// the preferred delivery path for outbound traffic.
func NewStore(client *Client, transport *SocketManager, opts ...StoreOption) *Store {
	s := &Store{
		client:     client,
		transport:  transport,
		transform:  IdentityTransform(),
		log:        zerolog.Nop(),
		chats:      make(map[string]*chatState),
		fetchEpoch: make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetSelf records the local user id, used for unread accounting and
// optimistic reconciliation.
func (s *Store) SetSelf(userID string) {
	s.mu.Lock()
	s.selfID = userID
	s.mu.Unlock()
}

// ============================================================================
// Queries
// ============================================================================

// Chats returns a snapshot of all chats in list order.
func (s *Store) Chats() []Chat {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Chat, 0, len(s.chatOrder))
	for _, id := range s.chatOrder {
		if cs, ok := s.chats[id]; ok {
			out = append(out, cs.chat)
		}
	}
	return out
}

// Chat returns a snapshot of one chat.
func (s *Store) Chat(chatID string) (Chat, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.chats[chatID]
	if !ok {
		return Chat{}, false
	}
	return cs.chat, true
}

// Messages returns a snapshot of a chat's messages in display order.
func (s *Store) Messages(chatID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.chats[chatID]
	if !ok {
		return nil
	}
	out := make([]Message, len(cs.messages))
	for i, m := range cs.messages {
		out[i] = *m
	}
	return out
}

// ActiveChat returns the currently open chat id, or "".
func (s *Store) ActiveChat() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeChat
}

// SetActiveChat switches the open chat. In-flight history fetches for the
// previous chat become stale and their results are discarded on arrival.
func (s *Store) SetActiveChat(chatID string) {
	s.mu.Lock()
	if prev := s.activeChat; prev != "" && prev != chatID {
		s.fetchEpoch[prev]++
	}
	s.activeChat = chatID
	s.mu.Unlock()
}

// ============================================================================
// REST-driven loads
// ============================================================================

// LoadChatList fetches all chats and replaces the local collection. Message
// sequences already loaded are kept; a previously active chat stays active
// only if it is still present.
func (s *Store) LoadChatList(ctx context.Context) ([]Chat, error) {
	chats, err := s.client.Chats(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	fresh := make(map[string]*chatState, len(chats))
	order := make([]string, 0, len(chats))
	for _, c := range chats {
		cs := newChatState(c)
		if old, ok := s.chats[c.ID]; ok {
			cs.messages = old.messages
			cs.byID = old.byID
			cs.byClient = old.byClient
		}
		fresh[c.ID] = cs
		order = append(order, c.ID)
	}
	s.chats = fresh
	s.chatOrder = order
	if _, ok := fresh[s.activeChat]; !ok {
		s.activeChat = ""
	}
	s.mu.Unlock()
	return chats, nil
}

// LoadHistory fetches a page of messages older than cursor and merges it
// into the chat. Duplicates (by id) are skipped; a stale fetch — the user
// switched chats or the store was reset while it was in flight — is
// discarded and reported as ErrStaleFetch.
func (s *Store) LoadHistory(ctx context.Context, chatID, cursor string, limit int) (*MessagePage, error) {
	s.mu.Lock()
	epoch := s.fetchEpoch[chatID]
	s.fetchEpoch[chatID] = epoch // materialize so Reset invalidates it
	s.mu.Unlock()

	page, err := s.client.Messages(ctx, chatID, cursor, limit)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fetchEpoch[chatID] != epoch {
		s.log.Debug().Str("chat", chatID).Msg("discarding stale history page")
		return nil, ErrStaleFetch
	}
	cs := s.ensureChatLocked(chatID, "")
	for i := range page.Messages {
		m := page.Messages[i]
		if m.Status == "" {
			m.Status = StatusSent
		}
		if decoded, derr := s.transform.DecodeContent(m.Content); derr == nil {
			m.Content = decoded
		}
		s.mergeLocked(cs, &m, false)
	}
	return page, nil
}

// ============================================================================
// Live envelope application
// ============================================================================

// ApplyEnvelope routes a decoded live envelope. Only text and read_receipt
// mutate the store; anything else belongs to other dispatcher subscribers
// and is ignored here. A malformed payload is logged and dropped — it never
// affects other chats or crashes the pipeline.
func (s *Store) ApplyEnvelope(env Envelope) {
	switch env.Type {
	case TypeText:
		var p TextPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			s.log.Warn().Err(err).Msg("dropping malformed text payload")
			return
		}
		s.applyText(p)
	case TypeReadReceipt:
		var p ReadReceiptPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			s.log.Warn().Err(err).Msg("dropping malformed read receipt")
			return
		}
		s.applyReadReceipt(p)
	}
}

func (s *Store) applyText(p TextPayload) {
	msg := p.Message
	if msg.ChatID == "" {
		msg.ChatID = p.ChatID
	}
	if decoded, err := s.transform.DecodeContent(msg.Content); err == nil {
		msg.Content = decoded
	} else {
		s.log.Warn().Err(err).Msg("content decode failed, keeping wireform")
	}
	if msg.Status == "" || msg.Status == StatusPending {
		msg.Status = StatusSent
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	chatID := s.deriveChatKeyLocked(&msg)
	if chatID == "" {
		s.log.Warn().Msg("dropping text envelope with no chat key")
		return
	}
	msg.ChatID = chatID
	cs := s.ensureChatLocked(chatID, msg.SenderID)
	s.mergeLocked(cs, &msg, true)
}

// deriveChatKeyLocked resolves the target chat: explicit chat id when
// present, otherwise the direct-chat pair of sender and recipient.
func (s *Store) deriveChatKeyLocked(m *Message) string {
	if m.ChatID != "" {
		return m.ChatID
	}
	if m.SenderID == "" || m.RecipientID == "" {
		return ""
	}
	a, b := m.SenderID, m.RecipientID
	if a > b {
		a, b = b, a
	}
	key := "dm:" + a + ":" + b
	// An existing direct chat with both participants wins over the
	// synthetic key.
	for id, cs := range s.chats {
		if cs.chat.Kind != ChatDirect {
			continue
		}
		if containsAll(cs.chat.Participants, m.SenderID, m.RecipientID) {
			return id
		}
	}
	return key
}

func containsAll(set []string, want ...string) bool {
	for _, w := range want {
		found := false
		for _, s := range set {
			if s == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (s *Store) applyReadReceipt(p ReadReceiptPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.chats[p.ChatID]
	if !ok {
		return
	}
	// The other participant read the chat: advance all of our outgoing
	// messages there to read.
	for _, m := range cs.messages {
		if m.SenderID != p.UserID && m.Status.rank() >= StatusSent.rank() && m.Status.rank() < StatusRead.rank() {
			m.Status = StatusRead
		}
	}
}

// ============================================================================
// Merge core
// ============================================================================

// ensureChatLocked returns the chat state, creating a placeholder chat when
// a live message arrives for a chat the list has not loaded yet.
func (s *Store) ensureChatLocked(chatID, senderID string) *chatState {
	if cs, ok := s.chats[chatID]; ok {
		return cs
	}
	kind := ChatGroup
	var participants []string
	if strings.HasPrefix(chatID, "dm:") {
		kind = ChatDirect
		if senderID != "" {
			participants = []string{senderID}
			if s.selfID != "" {
				participants = append(participants, s.selfID)
			}
		}
	}
	cs := newChatState(Chat{ID: chatID, Kind: kind, Participants: participants})
	s.chats[chatID] = cs
	s.chatOrder = append(s.chatOrder, chatID)
	return cs
}

// mergeLocked folds one message into a chat sequence, upholding the
// invariants: exactly one entry per final id, order by (created_at, id),
// statuses never downgraded, unread counted only for foreign messages in
// inactive chats. live marks envelope-delivered messages, which are the
// only ones that reconcile optimistic entries and bump unread counts.
func (s *Store) mergeLocked(cs *chatState, m *Message, live bool) {
	// Same server id already present: advance status/timestamp, nothing else.
	if m.ID != "" {
		if existing, ok := cs.byID[m.ID]; ok {
			if m.Status.rank() > existing.Status.rank() {
				existing.Status = m.Status
			}
			return
		}
	}

	// A server copy carrying a known pending client_id is the same logical
	// message no matter which path delivered it, so reconciliation runs for
	// history pages too, not just live echoes.
	if pending := s.matchOptimisticLocked(cs, m, live); pending != nil {
		s.reconcileLocked(cs, pending, m)
		return
	}

	cp := *m
	cs.messages = insertOrdered(cs.messages, &cp)
	if cp.ID != "" {
		cs.byID[cp.ID] = &cp
	}
	if cp.ClientID != "" {
		cs.byClient[cp.ClientID] = &cp
	}
	s.bumpLastMessageLocked(cs, &cp)

	if live && cp.SenderID != s.selfID && cs.chat.ID != s.activeChat {
		cs.chat.UnreadCount++
	}
}

// matchOptimisticLocked finds the pending local entry a server copy refers
// to. The client_id echo is authoritative on every path; the
// sender+content+time-window heuristic covers servers that do not echo it
// and applies to live echoes only.
func (s *Store) matchOptimisticLocked(cs *chatState, m *Message, live bool) *Message {
	if m.ClientID != "" {
		if pending, ok := cs.byClient[m.ClientID]; ok && pending.Status == StatusPending {
			return pending
		}
	}
	if !live {
		return nil
	}
	if m.SenderID == "" || m.SenderID != s.selfID {
		return nil
	}
	for i := len(cs.messages) - 1; i >= 0; i-- {
		cand := cs.messages[i]
		if cand.Status != StatusPending {
			continue
		}
		if cand.SenderID == m.SenderID && cand.Content == m.Content &&
			absDuration(m.CreatedAt.Sub(cand.CreatedAt)) <= reconcileWindow {
			return cand
		}
	}
	return nil
}

// reconcileLocked mutates the optimistic entry in place with its server
// identity instead of appending a duplicate.
func (s *Store) reconcileLocked(cs *chatState, pending *Message, server *Message) {
	pending.ID = server.ID
	if !server.CreatedAt.IsZero() {
		pending.CreatedAt = server.CreatedAt
	}
	if server.Status.rank() > pending.Status.rank() {
		pending.Status = server.Status
	} else if pending.Status == StatusPending {
		pending.Status = StatusSent
	}
	if pending.ID != "" {
		cs.byID[pending.ID] = pending
	}
	sortMessages(cs.messages)
	s.bumpLastMessageLocked(cs, pending)
}

func (s *Store) bumpLastMessageLocked(cs *chatState, m *Message) {
	last := cs.chat.LastMessage
	if last == nil || last.before(m) || last.ID == m.ID {
		cp := *m
		cs.chat.LastMessage = &cp
	}
}

func insertOrdered(msgs []*Message, m *Message) []*Message {
	i := sort.Search(len(msgs), func(i int) bool { return m.before(msgs[i]) })
	msgs = append(msgs, nil)
	copy(msgs[i+1:], msgs[i:])
	msgs[i] = m
	return msgs
}

func sortMessages(msgs []*Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].before(msgs[j]) })
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// ============================================================================
// Outbound operations
// ============================================================================

// Send creates an optimistic pending message and returns it immediately,
// then delivers asynchronously: over the live socket when open, otherwise
// (or when the live write fails) over REST. On failure of both paths the
// entry stays visible with status failed — a composed message is never
// silently removed; retry is a user action.
func (s *Store) Send(ctx context.Context, chatID, content string, attachments ...string) (Message, error) {
	now := time.Now()
	msg := &Message{
		ClientID:    uuid.NewString(),
		ChatID:      chatID,
		SenderID:    s.currentSelf(),
		Content:     content,
		Attachments: attachments,
		CreatedAt:   now,
		Status:      StatusPending,
	}

	s.mu.Lock()
	cs := s.ensureChatLocked(chatID, msg.SenderID)
	cs.messages = insertOrdered(cs.messages, msg)
	cs.byClient[msg.ClientID] = msg
	s.bumpLastMessageLocked(cs, msg)
	snapshot := *msg
	s.mu.Unlock()

	go s.deliver(ctx, snapshot)
	return snapshot, nil
}

func (s *Store) currentSelf() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selfID
}

func (s *Store) deliver(ctx context.Context, msg Message) {
	wire := msg
	if encoded, err := s.transform.EncodeContent(msg.Content); err == nil {
		wire.Content = encoded
	}

	if s.transport != nil && s.transport.State() == StateOpen {
		env, err := NewEnvelope(TypeText, TextPayload{ChatID: msg.ChatID, Message: wire})
		if err == nil {
			if err = s.transport.Send(env); err == nil {
				return // confirmation arrives as the echoed envelope
			}
		}
		s.log.Debug().Err(err).Str("client_id", msg.ClientID).
			Msg("live send failed, falling back to REST")
	}

	server, err := s.client.SendMessage(ctx, msg.ChatID, SendRequest{
		Content:     wire.Content,
		Attachments: msg.Attachments,
		ClientID:    msg.ClientID,
	})
	if err != nil {
		s.log.Warn().Err(err).Str("client_id", msg.ClientID).Msg("message delivery failed")
		s.markFailed(msg.ChatID, msg.ClientID)
		return
	}

	ack := *server
	ack.ClientID = msg.ClientID
	if ack.Status == "" {
		ack.Status = StatusSent
	}
	ack.Content = msg.Content // keep the decoded form locally

	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.chats[msg.ChatID]
	if !ok {
		return
	}
	if pending, ok := cs.byClient[msg.ClientID]; ok && pending.Status == StatusPending {
		s.reconcileLocked(cs, pending, &ack)
	} else {
		s.mergeLocked(cs, &ack, false)
	}
}

func (s *Store) markFailed(chatID, clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.chats[chatID]
	if !ok {
		return
	}
	if m, ok := cs.byClient[clientID]; ok && m.Status == StatusPending {
		m.Status = StatusFailed
	}
}

// MarkRead zeroes the chat's unread counter and notifies the server on a
// best-effort basis (live read receipt, REST fallback). The local zeroing is
// authoritative for this client and is never rolled back on notify failure.
func (s *Store) MarkRead(ctx context.Context, chatID string) {
	s.mu.Lock()
	self := s.selfID
	cs, ok := s.chats[chatID]
	if ok {
		cs.chat.UnreadCount = 0
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	if s.transport != nil && s.transport.State() == StateOpen {
		env, err := NewEnvelope(TypeReadReceipt, ReadReceiptPayload{ChatID: chatID, UserID: self})
		if err == nil && s.transport.Send(env) == nil {
			return
		}
	}
	if err := s.client.MarkRead(ctx, chatID); err != nil {
		s.log.Debug().Err(err).Str("chat", chatID).Msg("read notification failed")
	}
}

// SendTyping emits a typing indicator over the live channel. Fire-and-
// forget: there is no REST fallback and no error surfaced, matching how
// little the feature matters when offline.
func (s *Store) SendTyping(chatID string, isTyping bool) {
	if s.transport == nil || s.transport.State() != StateOpen {
		return
	}
	env, err := NewEnvelope(TypeTyping, TypingPayload{
		ChatID:   chatID,
		UserID:   s.currentSelf(),
		IsTyping: isTyping,
	})
	if err != nil {
		return
	}
	_ = s.transport.Send(env)
}

// Reset clears all chat and message state and invalidates in-flight
// fetches. Called on forced logout.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.fetchEpoch {
		s.fetchEpoch[id]++
	}
	s.chats = make(map[string]*chatState)
	s.chatOrder = nil
	s.activeChat = ""
}
