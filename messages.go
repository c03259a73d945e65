package chartsync

import (
	"context"
	"net/http"
	"net/url"
	"sort"
)

const (
	pathConversations = "/messages/conversations"
	pathMessages      = "/messages"

	opMessageSend   = "message.send"
	opMessageRead   = "message.read"
	opMessageDelete = "message.delete"
)

// MessagesFacade is the secure-messaging data access API.
type MessagesFacade struct {
	d *facadeDeps
}

type sendMessageBody struct {
	Content string `json:"content"`
}

type markReadPayload struct {
	ConversationID string `json:"conversationId"`
	ReadAt         string `json:"readAt"`
}

type deleteMessagePayload struct {
	ID string `json:"id"`
}

func conversationPath(id string) string {
	return pathConversations + "/" + url.PathEscape(id)
}

// ListConversations returns the user's conversations.
func (f *MessagesFacade) ListConversations(ctx context.Context) ([]Conversation, error) {
	return readThrough(ctx, f.d, readPlan[[]Conversation]{
		key: Fingerprint(pathConversations, nil),
		fetch: func(ctx context.Context) ([]Conversation, error) {
			var out []Conversation
			err := f.d.remote.Do(ctx, http.MethodGet, pathConversations, nil, nil, &out)
			return out, err
		},
		persist: f.persistConversations,
		local: func(ctx context.Context) ([]Conversation, error) {
			recs, err := ListRecords[Conversation](ctx, f.d.store, CollectionConversations)
			if err != nil {
				return nil, err
			}
			out := make([]Conversation, 0, len(recs))
			for _, r := range recs {
				out = append(out, r.Data)
			}
			sort.SliceStable(out, func(i, j int) bool { return out[i].LastMessageAt > out[j].LastMessageAt })
			return out, nil
		},
	})
}

// ListMessages returns a conversation's messages, oldest first. Offline it
// includes messages that have not been sent yet.
func (f *MessagesFacade) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	path := conversationPath(conversationID)
	return readThrough(ctx, f.d, readPlan[[]Message]{
		key: Fingerprint(path, nil),
		fetch: func(ctx context.Context) ([]Message, error) {
			var out []Message
			err := f.d.remote.Do(ctx, http.MethodGet, path, nil, nil, &out)
			return out, err
		},
		persist: f.persistMessages,
		local: func(ctx context.Context) ([]Message, error) {
			recs, err := ListByIndex[Message](ctx, f.d.store, CollectionMessages, IndexByConversation, conversationID)
			if err != nil {
				return nil, err
			}
			out := make([]Message, 0, len(recs))
			for _, r := range recs {
				out = append(out, r.Data)
			}
			sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
			return out, nil
		},
	})
}

// Send posts a message. Offline the message is stored under a provisional
// id and delivered on the next sync.
func (f *MessagesFacade) Send(ctx context.Context, conversationID, content string) (Message, error) {
	return writeThrough(ctx, f.d, writePlan[Message]{
		name: opMessageSend,
		remote: func(ctx context.Context) (Message, error) {
			return f.post(ctx, conversationID, content)
		},
		confirm: func(ctx context.Context, m Message) error {
			return PutRecord(ctx, f.d.store, CollectionMessages, m.ID, m, true)
		},
		offline: func(ctx context.Context) (Message, error) {
			m := Message{
				ID:             NewProvisionalID(),
				ConversationID: conversationID,
				SenderID:       f.d.userID,
				Content:        content,
				CreatedAt:      f.d.timestamp(),
			}
			err := storeLocal(ctx, f.d, CollectionMessages, m.ID, m, NewOperation{
				Type:    opMessageSend,
				Action:  ActionCreate,
				Payload: m,
			})
			return m, err
		},
		invalidate: []string{pathConversations},
		liveEvent:  EventMessageNew,
	})
}

// MarkRead marks every message of a conversation as read.
func (f *MessagesFacade) MarkRead(ctx context.Context, conversationID string) error {
	readAt := f.d.timestamp()
	_, err := writeThrough(ctx, f.d, writePlan[struct{}]{
		name: opMessageRead,
		remote: func(ctx context.Context) (struct{}, error) {
			return struct{}{}, f.d.remote.Do(ctx, http.MethodPost, conversationPath(conversationID)+"/read", nil, nil, nil)
		},
		confirm: func(ctx context.Context, _ struct{}) error {
			return f.applyRead(ctx, conversationID, readAt, true)
		},
		offline: func(ctx context.Context) (struct{}, error) {
			if err := f.applyRead(ctx, conversationID, readAt, false); err != nil {
				return struct{}{}, err
			}
			_, err := f.d.queue.Enqueue(ctx, NewOperation{
				Type:             opMessageRead,
				Action:           ActionUpdate,
				TargetCollection: CollectionMessages,
				Payload:          markReadPayload{ConversationID: conversationID, ReadAt: readAt},
			})
			return struct{}{}, err
		},
		invalidate: []string{pathConversations},
	})
	return err
}

// Delete removes a message. A message that is still waiting to be sent is
// withdrawn from the queue and never reaches the server.
func (f *MessagesFacade) Delete(ctx context.Context, messageID string) error {
	_, err := writeThrough(ctx, f.d, writePlan[struct{}]{
		name: opMessageDelete,
		remote: func(ctx context.Context) (struct{}, error) {
			return struct{}{}, f.d.remote.Do(ctx, http.MethodDelete, pathMessages+"/"+url.PathEscape(messageID), nil, nil, nil)
		},
		confirm: func(ctx context.Context, _ struct{}) error {
			return f.d.store.Delete(ctx, CollectionMessages, messageID)
		},
		offline: func(ctx context.Context) (struct{}, error) {
			if err := f.d.store.Delete(ctx, CollectionMessages, messageID); err != nil {
				return struct{}{}, err
			}
			if IsProvisionalID(messageID) {
				withdrawn, err := f.d.queue.Withdraw(ctx, CollectionMessages, func(op PendingOperation) bool {
					return op.Type == opMessageSend && createsID(op, messageID)
				})
				if err != nil || withdrawn {
					return struct{}{}, err
				}
			}
			_, err := f.d.queue.Enqueue(ctx, NewOperation{
				Type:             opMessageDelete,
				Action:           ActionDelete,
				TargetCollection: CollectionMessages,
				Payload:          deleteMessagePayload{ID: messageID},
			})
			return struct{}{}, err
		},
		invalidate: []string{pathConversations},
		queueOnly:  IsProvisionalID(messageID),
	})
	return err
}

// ============================================================================
// Sync routine
// ============================================================================

func (f *MessagesFacade) Name() string       { return "messages" }
func (f *MessagesFacade) Collection() string { return CollectionMessages }

// Push replays one queued messaging operation.
func (f *MessagesFacade) Push(ctx context.Context, op PendingOperation) error {
	switch op.Type {
	case opMessageSend:
		local, err := decodeOp[Message](op)
		if err != nil {
			return err
		}
		sent, err := f.post(ctx, local.ConversationID, local.Content)
		if err != nil {
			return err
		}
		if err := reconcile(ctx, f.d, CollectionMessages, local.ID, sent.ID, sent); err != nil {
			return err
		}
		f.d.invalidate([]string{pathConversations})
		return nil

	case opMessageRead:
		p, err := decodeOp[markReadPayload](op)
		if err != nil {
			return err
		}
		if err := f.d.remote.Do(ctx, http.MethodPost, conversationPath(p.ConversationID)+"/read", nil, nil, nil); err != nil {
			return err
		}
		return f.applyRead(ctx, p.ConversationID, p.ReadAt, true)

	case opMessageDelete:
		p, err := decodeOp[deleteMessagePayload](op)
		if err != nil {
			return err
		}
		if err := f.d.awaitCreate(ctx, CollectionMessages, p.ID); err != nil {
			return err
		}
		err = f.d.remote.Do(ctx, http.MethodDelete, pathMessages+"/"+url.PathEscape(p.ID), nil, nil, nil)
		if err != nil && !isNotFound(err) {
			return err
		}
		return f.d.store.Delete(ctx, CollectionMessages, p.ID)
	}
	return &RemoteError{Code: "unknown_operation", Message: "unsupported operation " + op.Type}
}

// Pull refreshes conversations and their messages.
func (f *MessagesFacade) Pull(ctx context.Context) error {
	var convs []Conversation
	if err := f.d.remote.Do(ctx, http.MethodGet, pathConversations, nil, nil, &convs); err != nil {
		return err
	}
	if err := f.persistConversations(ctx, convs); err != nil {
		return err
	}
	for _, c := range convs {
		var msgs []Message
		if err := f.d.remote.Do(ctx, http.MethodGet, conversationPath(c.ID), nil, nil, &msgs); err != nil {
			return err
		}
		if err := f.persistMessages(ctx, msgs); err != nil {
			return err
		}
	}
	f.d.invalidate([]string{pathConversations})
	return nil
}

// Listen keeps local state current from message.new events.
func (f *MessagesFacade) Listen(ctx context.Context) {
	listen(ctx, f.d, EventMessageNew, func(ctx context.Context, ev LiveEvent) error {
		return applyLive(ctx, f.d, ev, CollectionMessages, func(m Message) string { return m.ID }, pathConversations)
	})
}

// ── helpers ──────────────────────────────────────────────

func (f *MessagesFacade) post(ctx context.Context, conversationID, content string) (Message, error) {
	var m Message
	err := f.d.remote.Do(ctx, http.MethodPost, conversationPath(conversationID), nil, sendMessageBody{Content: content}, &m)
	if err != nil {
		return Message{}, err
	}
	if m.ConversationID == "" {
		m.ConversationID = conversationID
	}
	return m, nil
}

func (f *MessagesFacade) applyRead(ctx context.Context, conversationID, readAt string, synced bool) error {
	conv, err := GetRecord[Conversation](ctx, f.d.store, CollectionConversations, conversationID)
	if err != nil {
		return err
	}
	if conv != nil {
		conv.Data.UnreadCount = 0
		if err := PutRecord(ctx, f.d.store, CollectionConversations, conversationID, conv.Data, synced); err != nil {
			return err
		}
	}
	msgs, err := ListByIndex[Message](ctx, f.d.store, CollectionMessages, IndexByConversation, conversationID)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if m.Data.ReadAt != "" {
			continue
		}
		m.Data.ReadAt = readAt
		if err := PutRecord(ctx, f.d.store, CollectionMessages, m.Key, m.Data, synced && m.Synced); err != nil {
			return err
		}
	}
	return nil
}

func (f *MessagesFacade) persistConversations(ctx context.Context, convs []Conversation) error {
	for _, c := range convs {
		if err := storeConfirmed(ctx, f.d, CollectionConversations, c.ID, c); err != nil {
			return err
		}
	}
	return nil
}

func (f *MessagesFacade) persistMessages(ctx context.Context, msgs []Message) error {
	for _, m := range msgs {
		if err := storeConfirmed(ctx, f.d, CollectionMessages, m.ID, m); err != nil {
			return err
		}
	}
	return nil
}
