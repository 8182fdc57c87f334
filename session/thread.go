package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"go.uber.org/zap"

	"shipchat/api"
	"shipchat/metrics"
	"shipchat/models"
	"shipchat/network"
	"shipchat/thread"
)

// threadState is the session-owned state of one conversation. It outlives
// the views opened on it, so late results still land.
type threadState struct {
	conversationID string
	store          *thread.Store
	reactions      *thread.Aggregator

	mu           sync.Mutex
	conversation models.Conversation
	request      models.RequestSummary
	toggles      map[string]struct{}
}

func newThreadState(conversation models.Conversation) *threadState {
	return &threadState{
		conversationID: conversation.ID,
		store:          thread.NewStore(conversation.ID, conversation.IsActive),
		reactions:      thread.NewAggregator(),
		conversation:   conversation,
		toggles:        make(map[string]struct{}),
	}
}

func (t *threadState) snapshot() (models.Conversation, models.RequestSummary) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.conversation
	c.Participants = append([]models.Participant(nil), t.conversation.Participants...)
	return c, t.request
}

// load folds a fresh fetch into the thread and returns how many messages
// were new to it.
func (s *Session) load(detail models.ConversationDetail) (*threadState, int) {
	conversation := detail.Conversation

	s.mu.Lock()
	state, existed := s.threads[conversation.ID]
	if !existed {
		state = newThreadState(conversation)
		s.threads[conversation.ID] = state
	}
	s.mu.Unlock()

	if existed && !conversation.IsActive {
		s.closeConversation(state)
	}

	fresh := 0
	for _, msg := range detail.Messages {
		if _, ok := state.store.Get(msg.ID); !ok {
			fresh++
		}
	}

	state.mu.Lock()
	state.conversation = conversation
	state.request = detail.Request
	state.mu.Unlock()

	state.store.SetActive(conversation.IsActive)
	state.store.Merge(detail.Messages)
	state.reactions.Seed(detail.Messages)
	return state, fresh
}

func (s *Session) handleNewMessage(event network.Event) {
	msg, err := event.DecodeMessage()
	if err != nil {
		s.logger.Warn("dropping malformed new_message", zap.String("room", event.Room), zap.Error(err))
		return
	}
	s.applyMessage(msg, metrics.SourcePush)
}

func (s *Session) handleReaction(event network.Event) {
	reaction, err := event.DecodeReaction()
	if err != nil {
		s.logger.Warn("dropping malformed message_reaction", zap.String("room", event.Room), zap.Error(err))
		return
	}

	state := s.lookupThread(reaction.ConversationID)
	if state == nil {
		s.cacheReactions(reaction.MessageID, reaction.Reactions)
		return
	}
	if _, ok := state.store.Get(reaction.MessageID); !ok {
		return
	}
	s.replaceReactions(state, reaction.MessageID, reaction.Reactions, metrics.SourcePush)
}

// applyMessage merges a canonical message from the push channel into the
// list index and, when the thread is loaded, into its store.
func (s *Session) applyMessage(msg models.Message, source string) {
	if s.index.ApplyMessage(msg) {
		s.bus.Publish(Event{Kind: EventListChanged, ConversationID: msg.ConversationID})
	}

	state := s.lookupThread(msg.ConversationID)
	if state == nil {
		return
	}
	added, err := state.store.Append(msg)
	switch {
	case err != nil:
		s.logger.Warn("refusing message for closed conversation",
			zap.String("conversation_id", msg.ConversationID),
			zap.String("message_id", msg.ID),
		)
		return
	case !added:
		s.metrics.Duplicate(source)
		return
	}

	s.metrics.Appended(source)
	if len(msg.Reactions) > 0 {
		state.reactions.Replace(msg.ID, msg.Reactions)
	}
	s.cacheMessage(msg)
	s.bus.Publish(Event{Kind: EventMessageAppended, ConversationID: msg.ConversationID, Message: msg})
}

func (s *Session) replaceReactions(state *threadState, messageID string, aggregate models.ReactionAggregate, source string) {
	if !state.reactions.Replace(messageID, aggregate) {
		return
	}
	s.metrics.ReactionsReplaced(source)
	s.cacheReactions(messageID, aggregate)
	s.bus.Publish(Event{
		Kind:           EventReactionsReplaced,
		ConversationID: state.conversationID,
		Message:        models.Message{ID: messageID},
		Reactions:      state.reactions.Get(messageID),
	})
}

// closeConversation flips a thread to inactive everywhere.
func (s *Session) closeConversation(state *threadState) {
	state.mu.Lock()
	wasActive := state.conversation.IsActive
	state.conversation.IsActive = false
	state.mu.Unlock()

	state.store.SetActive(false)
	s.index.SetActive(state.conversationID, false)
	if !wasActive {
		return
	}
	if s.cache != nil {
		if err := s.cache.SetConversationActive(state.conversationID, false); err != nil {
			s.logger.Warn("cache conversation state failed", zap.String("conversation_id", state.conversationID), zap.Error(err))
		}
	}
	s.logger.Info("conversation closed", zap.String("conversation_id", state.conversationID))
	s.bus.Publish(Event{Kind: EventConversationClosed, ConversationID: state.conversationID})
}

// send appends a provisional entry and posts content in the background.
func (s *Session) send(state *threadState, content string) (thread.Entry, *Action, error) {
	content, err := validateContent(content)
	if err != nil {
		return thread.Entry{}, nil, err
	}
	if s.isClosed() {
		return thread.Entry{}, nil, ErrSessionClosed
	}

	entry, err := state.store.AddProvisional(s.userID, content, s.options.Now())
	if err != nil {
		return thread.Entry{}, nil, err
	}
	s.metrics.Appended(metrics.SourceLocal)
	s.bus.Publish(Event{Kind: EventMessageAppended, ConversationID: state.conversationID, Message: entry.Message, LocalID: entry.Message.ID})

	return entry, s.post(state, entry), nil
}

// retry re-posts a failed entry.
func (s *Session) retry(state *threadState, localID string) (*Action, error) {
	if s.isClosed() {
		return nil, ErrSessionClosed
	}
	entry, err := state.store.Retry(localID)
	if err != nil {
		return nil, err
	}
	return s.post(state, entry), nil
}

func (s *Session) post(state *threadState, entry thread.Entry) *Action {
	localID := entry.Message.ID
	content := entry.Message.Content

	return s.goAction(func(ctx context.Context) error {
		msg, err := s.api.SendMessage(ctx, state.conversationID, content)
		if err != nil {
			s.sendFailed(state, localID, err)
			return err
		}

		if state.store.Reconcile(localID, msg) {
			s.metrics.Appended(metrics.SourceAck)
		} else {
			s.metrics.Duplicate(metrics.SourceAck)
		}
		if s.index.ApplyMessage(msg) {
			s.bus.Publish(Event{Kind: EventListChanged, ConversationID: state.conversationID})
		}
		s.cacheMessage(msg)
		s.bus.Publish(Event{Kind: EventMessageConfirmed, ConversationID: state.conversationID, Message: msg, LocalID: localID})
		return nil
	})
}

func (s *Session) sendFailed(state *threadState, localID string, err error) {
	if errors.Is(err, api.ErrConversationClosed) {
		s.closeConversation(state)
	}
	if markErr := state.store.MarkFailed(localID, err); markErr != nil {
		s.logger.Debug("failed entry already gone", zap.String("local_id", localID))
	}
	s.metrics.SendFailed()
	s.logger.Warn("send failed",
		zap.String("conversation_id", state.conversationID),
		zap.String("local_id", localID),
		zap.Error(err),
	)
	s.bus.Publish(Event{Kind: EventSendFailed, ConversationID: state.conversationID, LocalID: localID, Err: err})
}

// toggle flips the caller's emoji on a confirmed message. Nothing changes
// locally until the canonical aggregate comes back.
func (s *Session) toggle(state *threadState, messageID, emoji string) (*Action, error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return nil, ErrEmptyEmoji
	}
	if s.isClosed() {
		return nil, ErrSessionClosed
	}
	if !state.store.Active() {
		return nil, ErrConversationClosed
	}
	entry, ok := state.store.Get(messageID)
	if !ok || entry.Provisional() {
		return nil, fmt.Errorf("react to %q: %w", messageID, thread.ErrUnknownEntry)
	}

	state.mu.Lock()
	if _, pending := state.toggles[messageID]; pending {
		state.mu.Unlock()
		return nil, ErrActionPending
	}
	state.toggles[messageID] = struct{}{}
	state.mu.Unlock()

	return s.goAction(func(ctx context.Context) error {
		defer func() {
			state.mu.Lock()
			delete(state.toggles, messageID)
			state.mu.Unlock()
		}()

		aggregate, err := s.api.ToggleReaction(ctx, state.conversationID, messageID, emoji)
		if err != nil {
			if errors.Is(err, api.ErrConversationClosed) {
				s.closeConversation(state)
			}
			s.logger.Warn("toggle reaction failed",
				zap.String("conversation_id", state.conversationID),
				zap.String("message_id", messageID),
				zap.Error(err),
			)
			return err
		}
		s.replaceReactions(state, messageID, aggregate, metrics.SourceAck)
		return nil
	}), nil
}

func (s *Session) cacheMessage(msg models.Message) {
	if s.cache == nil {
		return
	}
	if err := s.cache.SaveMessage(msg); err != nil {
		s.logger.Warn("cache message failed", zap.String("message_id", msg.ID), zap.Error(err))
	}
}

func (s *Session) cacheReactions(messageID string, aggregate models.ReactionAggregate) {
	if s.cache == nil {
		return
	}
	if err := s.cache.UpdateReactions(messageID, aggregate); err != nil {
		s.logger.Debug("cache reactions skipped", zap.String("message_id", messageID), zap.Error(err))
	}
}

func (s *Session) cacheThread(conversation models.Conversation, messages []models.Message) {
	if s.cache == nil {
		return
	}
	if err := s.cache.SaveConversation(conversation); err != nil {
		s.logger.Warn("cache conversation failed", zap.String("conversation_id", conversation.ID), zap.Error(err))
		return
	}
	if err := s.cache.SaveMessages(messages); err != nil {
		s.logger.Warn("cache messages failed", zap.String("conversation_id", conversation.ID), zap.Error(err))
	}
}

func validateContent(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", ErrEmptyContent
	}
	if utf8.RuneCountInString(content) > models.MaxContentLength {
		return "", ErrContentTooLong
	}
	return content, nil
}
