package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/everchat/everchat/internal/chat/storage"
)

// folderIndexID is the reserved conversations-namespace key holding the
// folder list. List skips it.
const folderIndexID = "_folders"

// Store persists conversations, folders, and media through the active
// storage backend.
type Store struct {
	backend storage.Store
}

// NewStore wraps the given backend.
func NewStore(backend storage.Store) *Store {
	return &Store{backend: backend}
}

// Create starts an empty conversation.
func (s *Store) Create(ctx context.Context, title string) (*Conversation, error) {
	now := time.Now().Unix()
	conv := &Conversation{
		ID:        uuid.New().String(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.Save(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// Get loads a conversation, or (nil, nil) when it does not exist.
func (s *Store) Get(ctx context.Context, id string) (*Conversation, error) {
	data, err := s.backend.Get(ctx, storage.KindConversations, id)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}

	var conv Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, fmt.Errorf("corrupt conversation record %s: %w", id, err)
	}
	return &conv, nil
}

// Save writes the conversation blob and bumps UpdatedAt.
func (s *Store) Save(ctx context.Context, conv *Conversation) error {
	conv.UpdatedAt = time.Now().Unix()
	data, err := json.Marshal(conv)
	if err != nil {
		return err
	}
	return s.backend.Set(ctx, storage.KindConversations, conv.ID, data)
}

// List returns every stored conversation.
func (s *Store) List(ctx context.Context) ([]Conversation, error) {
	ids, err := s.backend.ListIDs(ctx, storage.KindConversations)
	if err != nil {
		return nil, err
	}

	var convs []Conversation
	for _, id := range ids {
		if id == folderIndexID {
			continue
		}
		conv, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if conv != nil {
			convs = append(convs, *conv)
		}
	}
	return convs, nil
}

// Delete removes a conversation and cascades to its embedding
// collection, summary record, and attached media.
func (s *Store) Delete(ctx context.Context, id string) error {
	conv, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	if conv != nil {
		for _, msg := range conv.Messages {
			for _, img := range msg.Images {
				if err := s.backend.Delete(ctx, storage.KindMedia, img.Blob); err != nil {
					return err
				}
			}
		}
	}

	if err := s.backend.Delete(ctx, storage.KindEmbeddings, id); err != nil {
		return err
	}
	if err := s.backend.Delete(ctx, storage.KindSummaries, id); err != nil {
		return err
	}
	return s.backend.Delete(ctx, storage.KindConversations, id)
}

// AppendMessage adds a turn and persists the conversation.
func (s *Store) AppendMessage(ctx context.Context, conv *Conversation, msg Message) error {
	conv.Messages = append(conv.Messages, msg)
	return s.Save(ctx, conv)
}

// EditMessage rewrites a user turn in place. Assistant and system turns
// are immutable; regeneration branches instead.
func (s *Store) EditMessage(ctx context.Context, conv *Conversation, messageID, content string) error {
	for i := range conv.Messages {
		if conv.Messages[i].ID != messageID {
			continue
		}
		if conv.Messages[i].Role != RoleUser {
			return fmt.Errorf("only user messages can be edited in place")
		}
		conv.Messages[i].Content = content
		conv.Messages[i].TokenCount = 0 // cached estimate is stale
		return s.Save(ctx, conv)
	}
	return fmt.Errorf("message %s not found in conversation %s", messageID, conv.ID)
}

// Branch appends msg as an alternative to the sibling message,
// recording the linkage on the new turn.
func (s *Store) Branch(ctx context.Context, conv *Conversation, siblingID string, msg Message) error {
	for _, m := range conv.Messages {
		if m.ID == siblingID {
			msg.SiblingID = siblingID
			msg.ParentID = m.ParentID
			return s.AppendMessage(ctx, conv, msg)
		}
	}
	return fmt.Errorf("sibling message %s not found", siblingID)
}

// SetSummary records the rolling summary on the conversation and as the
// standalone summary record. The watermark never moves backward; a
// stale write is dropped.
func (s *Store) SetSummary(ctx context.Context, conv *Conversation, summary string, upTo int64, tokenCount int) error {
	if upTo < conv.SummarizedUpTo {
		return nil
	}
	conv.Summary = summary
	conv.SummarizedUpTo = upTo
	if err := s.Save(ctx, conv); err != nil {
		return err
	}

	rec := Summary{
		ConversationID: conv.ID,
		Summary:        summary,
		SummarizedUpTo: upTo,
		TokenCount:     tokenCount,
		UpdatedAt:      time.Now().Unix(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.backend.Set(ctx, storage.KindSummaries, conv.ID, data)
}

// SaveMedia stores image bytes under a content-hash name and returns
// the reference.
func (s *Store) SaveMedia(ctx context.Context, data []byte, ext, mimeType string) (ImageRef, error) {
	sum := sha256.Sum256(data)
	name := hex.EncodeToString(sum[:8]) + "." + ext
	if err := s.backend.SaveBlob(ctx, name, data); err != nil {
		return ImageRef{}, err
	}
	return ImageRef{Blob: name, MimeType: mimeType}, nil
}

// LoadMedia fetches image bytes for a reference, (nil, nil) if gone.
func (s *Store) LoadMedia(ctx context.Context, ref ImageRef) ([]byte, error) {
	return s.backend.LoadBlob(ctx, ref.Blob)
}

// Folders returns the stored folder list.
func (s *Store) Folders(ctx context.Context) ([]Folder, error) {
	data, err := s.backend.Get(ctx, storage.KindConversations, folderIndexID)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	var folders []Folder
	if err := json.Unmarshal(data, &folders); err != nil {
		return nil, fmt.Errorf("corrupt folder index: %w", err)
	}
	return folders, nil
}

// SaveFolders replaces the folder list.
func (s *Store) SaveFolders(ctx context.Context, folders []Folder) error {
	data, err := json.Marshal(folders)
	if err != nil {
		return err
	}
	return s.backend.Set(ctx, storage.KindConversations, folderIndexID, data)
}

// ClearAll deletes every conversation and its dependent records.
func (s *Store) ClearAll(ctx context.Context) error {
	convs, err := s.List(ctx)
	if err != nil {
		return err
	}
	for _, conv := range convs {
		if err := s.Delete(ctx, conv.ID); err != nil {
			return err
		}
	}
	return s.backend.Delete(ctx, storage.KindConversations, folderIndexID)
}
