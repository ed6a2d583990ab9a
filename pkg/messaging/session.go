// Package messaging is the session controller of the messaging core: it
// keeps one user's directory, selected conversation and unread counts in
// sync with the realtime store and performs every conversation write.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"portalchat/pkg/logger"
	"portalchat/pkg/models"
	"portalchat/pkg/realtime"
	"portalchat/pkg/store"
	"portalchat/pkg/timeutil"
)

type State int

const (
	StateNoUser State = iota
	StateIdle
	StateConversationSelected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConversationSelected:
		return "conversation_selected"
	default:
		return "no_user"
	}
}

// Options configure a Session. Users resolves counterpart names; when nil
// the profiles in the store are used.
type Options struct {
	Store            realtime.Store
	Users            UserLookup
	WriteTimeout     time.Duration
	DisableAutoSeen  bool
	CommandQueueSize int
}

// View is a copy of the session state for the presentation layer.
type View struct {
	State         State
	User          realtime.User
	SelectedID    string
	Conversations []models.ConversationSummary
	Messages      []models.Message
	Unread        map[string]int
	LastError     error
}

// Session runs all state changes on one goroutine. Store callbacks and
// public methods post closures to it; writes happen on the caller's
// goroutine with state captured from the loop.
type Session struct {
	id    string
	store realtime.Store
	names *NameCache
	opts  Options

	cmds    chan func()
	quit    chan struct{}
	stopped chan struct{}
	once    sync.Once
	changes chan struct{}

	viewMu sync.RWMutex
	view   View
	// set by publish, cleared by flush; loop only
	dirty bool

	// loop-owned
	state      State
	user       realtime.User
	selected   string
	gen        uint64
	msgUnsub   realtime.Unsubscribe
	dirUnsub   realtime.Unsubscribe
	dirGen     uint64
	directory  []models.ConversationSummary
	messages   []models.Message
	msgIndex   map[string]int
	marked     map[string]struct{}
	unread     map[string]int
	unreadSubs map[string]realtime.Unsubscribe
	lastErr    error

	seenRunning bool
	seenAgain   bool
}

func NewSession(opts Options) *Session {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.CommandQueueSize <= 0 {
		opts.CommandQueueSize = 64
	}
	s := &Session{
		id:         uuid.NewString(),
		store:      opts.Store,
		opts:       opts,
		cmds:       make(chan func(), opts.CommandQueueSize),
		quit:       make(chan struct{}),
		stopped:    make(chan struct{}),
		changes:    make(chan struct{}, 1),
		msgIndex:   make(map[string]int),
		marked:     make(map[string]struct{}),
		unread:     make(map[string]int),
		unreadSubs: make(map[string]realtime.Unsubscribe),
	}
	lookup := opts.Users
	if lookup == nil {
		lookup = ProfileLookup{Store: opts.Store}
	}
	s.names = NewNameCache(lookup, func(string) { s.post(s.publish) })
	s.view = View{Unread: map[string]int{}}
	go s.run()
	return s
}

func (s *Session) run() {
	defer close(s.stopped)
	for {
		select {
		case fn := <-s.cmds:
			fn()
			if s.dirty && len(s.cmds) == 0 {
				s.flush()
			}
		case <-s.quit:
			return
		}
	}
}

func (s *Session) post(fn func()) bool {
	select {
	case <-s.quit:
		return false
	default:
	}
	select {
	case s.cmds <- fn:
		return true
	case <-s.quit:
		return false
	}
}

// do runs fn on the loop and waits for it. Never call it from the loop.
func (s *Session) do(fn func()) error {
	done := make(chan struct{})
	if !s.post(func() {
		fn()
		if s.dirty {
			s.flush()
		}
		close(done)
	}) {
		return ErrSessionClosed
	}
	select {
	case <-done:
		return nil
	case <-s.quit:
		return ErrSessionClosed
	}
}

// Close cancels every subscription and stops the loop.
func (s *Session) Close() {
	s.once.Do(func() {
		_ = s.do(s.teardown)
		close(s.quit)
		<-s.stopped
		logger.Info("session_closed", "session", s.id)
	})
}

// Changes delivers a signal after state changes. Signals coalesce; read
// Snapshot for the current state.
func (s *Session) Changes() <-chan struct{} { return s.changes }

// Snapshot returns a copy of the current state.
func (s *Session) Snapshot() View {
	s.viewMu.RLock()
	defer s.viewMu.RUnlock()
	v := s.view
	v.Conversations = make([]models.ConversationSummary, len(s.view.Conversations))
	for i, c := range s.view.Conversations {
		c.Members = append([]string(nil), c.Members...)
		v.Conversations[i] = c
	}
	v.Messages = make([]models.Message, len(s.view.Messages))
	for i, m := range s.view.Messages {
		m.SeenBy = copySeen(m.SeenBy)
		v.Messages[i] = m
	}
	v.Unread = make(map[string]int, len(s.view.Unread))
	for k, n := range s.view.Unread {
		v.Unread[k] = n
	}
	return v
}

// SetUser connects the store as user and starts following the user's
// directory. Setting the same user again only refreshes the profile.
func (s *Session) SetUser(ctx context.Context, user realtime.User) error {
	user.ID = strings.TrimSpace(user.ID)
	if user.ID == "" {
		return ErrNoUser
	}
	if !models.IsNumericID(user.ID) {
		return fmt.Errorf("%w: user id %q is not numeric", ErrNoUser, user.ID)
	}
	if _, err := s.store.Connect(ctx, user); err != nil {
		return &OpError{Kind: ConnectFailed, Err: err}
	}

	var subErr error
	err := s.do(func() {
		if s.state != StateNoUser && s.user.ID == user.ID {
			s.user = user
			s.publish()
			return
		}
		s.teardown()
		s.user = user
		s.state = StateIdle
		s.names.Set(user.ID, user.Name)

		s.dirGen++
		gen := s.dirGen
		s.dirUnsub, subErr = s.store.SubscribeValue(models.UserConversationsPath(user.ID), func(snap realtime.Snapshot) {
			s.post(func() { s.onDirectory(gen, snap) })
		})
		logger.Info("session_user_set", "session", s.id, "user", user.ID)
		s.publish()
	})
	if err != nil {
		return err
	}
	if subErr != nil {
		return &OpError{Kind: ConnectFailed, Err: fmt.Errorf("subscribe directory: %w", subErr)}
	}
	return nil
}

// SelectConversation switches the message stream to id. The message list
// is cleared before the new stream starts and events from the previous
// stream are dropped.
func (s *Session) SelectConversation(id string) error {
	if err := store.ValidateSegment(id); err != nil {
		return fmt.Errorf("select conversation: %w", err)
	}
	var selErr error
	if err := s.do(func() { selErr = s.selectLocked(id) }); err != nil {
		return err
	}
	return selErr
}

func (s *Session) selectLocked(id string) error {
	if s.state == StateNoUser {
		return ErrNoUser
	}
	s.gen++
	gen := s.gen
	if s.msgUnsub != nil {
		s.msgUnsub()
		s.msgUnsub = nil
	}
	s.messages = nil
	s.msgIndex = make(map[string]int)
	s.marked = make(map[string]struct{})
	s.selected = id
	s.state = StateConversationSelected
	s.publish()

	unsub, err := s.store.SubscribeChildAdded(models.MessagesPath(id), func(snap realtime.Snapshot) {
		s.post(func() { s.onMessage(gen, id, snap) })
	})
	if err != nil {
		logger.Warn("message_stream_failed", "session", s.id, "conversation", id, "error", err)
		return fmt.Errorf("subscribe messages: %w", err)
	}
	s.msgUnsub = unsub
	logger.Debug("conversation_selected", "session", s.id, "conversation", id)
	return nil
}

// SendMessage writes text to the selected conversation. Blank text, no
// selection or no user make it a no-op. The message shows up through the
// message stream, not as a local echo.
func (s *Session) SendMessage(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", nil
	}

	var (
		user    realtime.User
		cid     string
		members []string
	)
	if err := s.do(func() {
		if s.state != StateConversationSelected {
			return
		}
		user, cid = s.user, s.selected
		if c, ok := s.summary(cid); ok {
			members = append([]string(nil), c.Members...)
		}
	}); err != nil {
		return "", err
	}
	if cid == "" {
		return "", nil
	}

	ctx, cancel := s.writeContext(ctx)
	defer cancel()
	if len(members) == 0 {
		var err error
		if members, err = s.registryMembers(ctx, cid); err != nil {
			return "", s.fail(&OpError{Kind: SendFailed, ConversationID: cid, Err: err})
		}
	}

	now := timeutil.NowMillis()
	mid := s.store.GenerateKey(models.MessagesPath(cid))
	msg := models.Message{
		Text:       text,
		SenderID:   user.ID,
		SenderName: user.Name,
		SentAt:     now,
		SeenBy:     map[string]int64{user.ID: now},
	}
	if err := s.store.Update(ctx, sendUpdates(cid, mid, members, msg)); err != nil {
		return "", s.fail(&OpError{Kind: SendFailed, ConversationID: cid, Err: err})
	}
	logger.Debug("message_sent", "session", s.id, "conversation", cid, "message", mid)
	return mid, nil
}

// MarkSeen records the current user in seenBy of every materialized
// message not yet marked, in one write. Messages already marked by this
// session are skipped, so a repeat call writes nothing.
func (s *Session) MarkSeen(ctx context.Context) error {
	var (
		uid, cid string
		gen      uint64
		pending  []string
	)
	if err := s.do(func() {
		if s.state != StateConversationSelected {
			return
		}
		uid, cid, gen = s.user.ID, s.selected, s.gen
		for _, m := range s.messages {
			if m.SeenByUser(uid) {
				continue
			}
			if _, ok := s.marked[m.ID]; ok {
				continue
			}
			s.marked[m.ID] = struct{}{}
			pending = append(pending, m.ID)
		}
	}); err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	ctx, cancel := s.writeContext(ctx)
	defer cancel()
	now := timeutil.NowMillis()
	err := s.store.Update(ctx, seenUpdates(cid, uid, pending, now))

	_ = s.do(func() {
		if s.gen != gen {
			return
		}
		for _, id := range pending {
			if err != nil {
				delete(s.marked, id)
				continue
			}
			if i, ok := s.msgIndex[id]; ok {
				if s.messages[i].SeenBy == nil {
					s.messages[i].SeenBy = make(map[string]int64)
				}
				s.messages[i].SeenBy[uid] = now
			}
		}
		if err == nil {
			s.unread[cid] = CountUnread(cid, s.messages, uid)
			s.publish()
		}
	})
	if err != nil {
		return s.fail(&OpError{Kind: MarkSeenFailed, ConversationID: cid, Err: err})
	}
	return nil
}

// EnsurePrivateConversation selects the private conversation with otherID,
// creating it when the pair index has none. Creation is conditional on the
// pair index being absent; a lost race selects the winner's conversation.
func (s *Session) EnsurePrivateConversation(ctx context.Context, otherID, counterpartTitle string) (string, error) {
	user, err := s.currentUser()
	if err != nil {
		return "", err
	}
	otherID = strings.TrimSpace(otherID)
	if otherID == user.ID || !models.IsNumericID(otherID) {
		return "", ErrInvalidCounterpart
	}

	ctx, cancel := s.writeContext(ctx)
	defer cancel()
	pairPath := models.PrivatePairPath(user.ID, otherID)

	existing, err := s.pairConversation(ctx, pairPath)
	if err != nil {
		return "", s.fail(&OpError{Kind: ConversationCreateFailed, Err: err})
	}
	if existing != "" {
		return existing, s.SelectConversation(existing)
	}

	conv := models.Conversation{
		ID:      s.store.GenerateKey(models.RootConversations),
		Type:    models.ConversationPrivate,
		Title:   models.PrivateRegistryTitle,
		Members: []string{user.ID, otherID},
	}
	updates, err := privateConversationUpdates(conv, user, strings.TrimSpace(counterpartTitle))
	if err != nil {
		return "", err
	}

	err = s.store.UpdateIf(ctx, []realtime.Precondition{{Path: pairPath, Absent: true}}, updates)
	if errors.Is(err, realtime.ErrConditionFailed) {
		winner, rerr := s.pairConversation(ctx, pairPath)
		if rerr != nil || winner == "" {
			return "", s.fail(&OpError{Kind: ConversationCreateFailed, Err: errors.Join(err, rerr)})
		}
		logger.Info("private_conversation_exists", "session", s.id, "pair", models.PairKey(user.ID, otherID), "conversation", winner)
		return winner, s.SelectConversation(winner)
	}
	if err != nil {
		return "", s.fail(&OpError{Kind: ConversationCreateFailed, ConversationID: conv.ID, Err: err})
	}
	s.names.Set(otherID, counterpartTitle)
	logger.Info("private_conversation_created", "session", s.id, "conversation", conv.ID)
	return conv.ID, s.SelectConversation(conv.ID)
}

// CreateGroupConversation creates a group of the current user plus
// memberIDs and selects it.
func (s *Session) CreateGroupConversation(ctx context.Context, memberIDs []string, title string) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return "", ErrBlankTitle
	}
	user, err := s.currentUser()
	if err != nil {
		return "", err
	}

	members := []string{user.ID}
	seen := map[string]struct{}{user.ID: {}}
	for _, id := range memberIDs {
		id = strings.TrimSpace(id)
		if _, dup := seen[id]; dup || id == "" {
			continue
		}
		if !models.IsNumericID(id) {
			return "", fmt.Errorf("%w: %q", ErrInvalidCounterpart, id)
		}
		seen[id] = struct{}{}
		members = append(members, id)
	}
	if len(members) < 2 {
		return "", ErrNoMembers
	}

	conv := models.Conversation{
		ID:      s.store.GenerateKey(models.RootConversations),
		Type:    models.ConversationGroup,
		Title:   title,
		Members: members,
	}
	updates, err := groupConversationUpdates(conv)
	if err != nil {
		return "", err
	}

	ctx, cancel := s.writeContext(ctx)
	defer cancel()
	if err := s.store.Update(ctx, updates); err != nil {
		return "", s.fail(&OpError{Kind: ConversationCreateFailed, ConversationID: conv.ID, Err: err})
	}
	logger.Info("group_conversation_created", "session", s.id, "conversation", conv.ID, "members", len(members))
	return conv.ID, s.SelectConversation(conv.ID)
}

func (s *Session) currentUser() (realtime.User, error) {
	var (
		user realtime.User
		ok   bool
	)
	if err := s.do(func() { user, ok = s.user, s.state != StateNoUser }); err != nil {
		return realtime.User{}, err
	}
	if !ok {
		return realtime.User{}, ErrNoUser
	}
	return user, nil
}

func (s *Session) pairConversation(ctx context.Context, pairPath string) (string, error) {
	snap, err := s.store.Get(ctx, pairPath)
	if err != nil {
		return "", fmt.Errorf("read pair index: %w", err)
	}
	if !snap.Exists {
		return "", nil
	}
	var rec models.PairRecord
	if err := snap.Decode(&rec); err != nil {
		return "", fmt.Errorf("decode pair index: %w", err)
	}
	return rec.ID, nil
}

func (s *Session) registryMembers(ctx context.Context, cid string) ([]string, error) {
	snap, err := s.store.Get(ctx, models.ConversationPath(cid))
	if err != nil {
		return nil, fmt.Errorf("read conversation: %w", err)
	}
	if !snap.Exists {
		return nil, fmt.Errorf("conversation %s not found", cid)
	}
	entry, _ := snap.Value.(map[string]any)
	members := summaryFrom(cid, entry).Members
	if len(members) == 0 {
		return nil, models.ErrTooFewMembers
	}
	return members, nil
}

func (s *Session) writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.opts.WriteTimeout)
}

// fail records err for the view and returns it.
func (s *Session) fail(err error) error {
	logger.Warn("session_write_failed", "session", s.id, "error", err)
	s.post(func() {
		s.lastErr = err
		s.publish()
	})
	return err
}

func (s *Session) summary(cid string) (models.ConversationSummary, bool) {
	for _, c := range s.directory {
		if c.ID == cid {
			return c, true
		}
	}
	return models.ConversationSummary{}, false
}

func (s *Session) onDirectory(gen uint64, snap realtime.Snapshot) {
	if gen != s.dirGen || s.state == StateNoUser {
		return
	}
	s.directory = parseDirectory(snap)
	s.syncUnread()
	if s.selected == "" {
		if id, ok := mostRecent(s.directory); ok {
			if err := s.selectLocked(id); err != nil {
				s.lastErr = err
			}
		}
	}
	s.publish()
}

func (s *Session) onMessage(gen uint64, cid string, snap realtime.Snapshot) {
	if gen != s.gen {
		return
	}
	m, ok := materializeMessage(cid, snap.Key, snap.Value)
	if !ok {
		logger.Debug("message_discarded", "conversation", cid, "message", snap.Key)
		return
	}
	// a reconnecting stream replays children
	if i, dup := s.msgIndex[m.ID]; dup {
		s.messages[i] = m
	} else {
		s.msgIndex[m.ID] = len(s.messages)
		s.messages = append(s.messages, m)
	}
	s.publish()
	s.scheduleMarkSeen()
}

// syncUnread keeps one value subscription per directory conversation.
func (s *Session) syncUnread() {
	want := make(map[string]struct{}, len(s.directory))
	for _, c := range s.directory {
		want[c.ID] = struct{}{}
		if _, ok := s.unreadSubs[c.ID]; ok {
			continue
		}
		cid, gen := c.ID, s.dirGen
		unsub, err := s.store.SubscribeValue(models.MessagesPath(cid), func(snap realtime.Snapshot) {
			s.post(func() { s.onUnread(gen, cid, snap) })
		})
		if err != nil {
			logger.Warn("unread_subscribe_failed", "session", s.id, "conversation", cid, "error", err)
			continue
		}
		s.unreadSubs[cid] = unsub
	}
	for cid, unsub := range s.unreadSubs {
		if _, ok := want[cid]; !ok {
			unsub()
			delete(s.unreadSubs, cid)
			delete(s.unread, cid)
		}
	}
}

func (s *Session) onUnread(gen uint64, cid string, snap realtime.Snapshot) {
	if gen != s.dirGen {
		return
	}
	if _, ok := s.unreadSubs[cid]; !ok {
		return
	}
	s.unread[cid] = CountUnread(cid, materializeAll(cid, snap), s.user.ID)
	s.publish()
}

func (s *Session) scheduleMarkSeen() {
	if s.opts.DisableAutoSeen || s.state != StateConversationSelected {
		return
	}
	if s.seenRunning {
		s.seenAgain = true
		return
	}
	s.seenRunning = true
	go s.autoMarkSeen()
}

func (s *Session) autoMarkSeen() {
	for {
		if err := s.MarkSeen(context.Background()); err != nil && !errors.Is(err, ErrSessionClosed) {
			logger.Warn("auto_mark_seen_failed", "session", s.id, "error", err)
		}
		again := false
		if err := s.do(func() {
			again = s.seenAgain
			s.seenAgain = false
			s.seenRunning = again
		}); err != nil || !again {
			return
		}
	}
}

func (s *Session) teardown() {
	if s.msgUnsub != nil {
		s.msgUnsub()
		s.msgUnsub = nil
	}
	if s.dirUnsub != nil {
		s.dirUnsub()
		s.dirUnsub = nil
	}
	for cid, unsub := range s.unreadSubs {
		unsub()
		delete(s.unreadSubs, cid)
	}
	s.gen++
	s.dirGen++
	s.state = StateNoUser
	s.user = realtime.User{}
	s.selected = ""
	s.directory = nil
	s.messages = nil
	s.msgIndex = make(map[string]int)
	s.marked = make(map[string]struct{})
	s.unread = make(map[string]int)
	s.lastErr = nil
}

// publish marks the view stale. The loop flushes it when the command queue
// is empty or a do call returns.
func (s *Session) publish() {
	s.dirty = true
}

// flush copies loop state into the view and signals Changes.
func (s *Session) flush() {
	s.dirty = false
	convs := make([]models.ConversationSummary, len(s.directory))
	for i, c := range s.directory {
		c.Members = append([]string(nil), c.Members...)
		if c.Type == models.ConversationPrivate && strings.TrimSpace(c.Title) == "" {
			c.Title = s.names.Name(models.Conversation{Type: c.Type, Members: c.Members}.Counterpart(s.user.ID))
		}
		convs[i] = c
	}
	msgs := make([]models.Message, len(s.messages))
	for i, m := range s.messages {
		m.SeenBy = copySeen(m.SeenBy)
		msgs[i] = m
	}
	unread := make(map[string]int, len(s.unread))
	for k, n := range s.unread {
		unread[k] = n
	}

	s.viewMu.Lock()
	s.view = View{
		State:         s.state,
		User:          s.user,
		SelectedID:    s.selected,
		Conversations: convs,
		Messages:      msgs,
		Unread:        unread,
		LastError:     s.lastErr,
	}
	s.viewMu.Unlock()

	select {
	case s.changes <- struct{}{}:
	default:
	}
}

func copySeen(in map[string]int64) map[string]int64 {
	if in == nil {
		return nil
	}
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
