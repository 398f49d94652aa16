// Package engine orchestrates a conversation turn: persist the user
// message, assemble the context, stream the model's reply, and feed
// the background memory and summarization work.
package engine

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/everchat/everchat/internal/chat/assembler"
	"github.com/everchat/everchat/internal/chat/memory"
	"github.com/everchat/everchat/internal/chat/session"
	"github.com/everchat/everchat/internal/chat/stream"
	"github.com/everchat/everchat/internal/chat/tokens"
)

var (
	// ErrEmptyQuery rejects a send with nothing to say.
	ErrEmptyQuery = errors.New("nothing to send")
	// ErrNoModel rejects a send before any network traffic.
	ErrNoModel = errors.New("no model selected")
	// ErrNothingToRegenerate means the conversation has no assistant
	// turn to replace.
	ErrNothingToRegenerate = errors.New("no assistant message to regenerate")
)

// backgroundTimeout bounds the embedding and summarization tasks that
// outlive the request.
const backgroundTimeout = 2 * time.Minute

// ModelConfig identifies the target model and its generation knobs.
type ModelConfig struct {
	BaseURL string
	APIKey  string
	ID      string
	Vision  bool

	Temperature      float64
	MaxTokens        int
	TopP             float64
	FrequencyPenalty float64
	PresencePenalty  float64
}

// Engine ties the session store, semantic memory, assembler and
// streaming client into the send/regenerate flow.
type Engine struct {
	sessions  *session.Store
	memory    *memory.Service
	assembler *assembler.Assembler
	client    *stream.Client
	logger    *slog.Logger

	bg sync.WaitGroup

	// saveMu serializes conversation writes. The streamed reply, the
	// background summarizer, and the next send can all persist the same
	// conversation; every writer re-reads under this lock so a stale
	// in-memory copy never clobbers another writer's fields.
	saveMu sync.Mutex
}

func New(sessions *session.Store, mem *memory.Service, asm *assembler.Assembler, client *stream.Client, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		sessions:  sessions,
		memory:    mem,
		assembler: asm,
		client:    client,
		logger:    logger,
	}
}

// Send appends a user turn, persists it, assembles the context, and
// streams the reply through cb. The user message is written before
// assembly so the context always reflects it. Input errors return
// before any network traffic.
func (e *Engine) Send(ctx context.Context, conversationID, content string, images []session.ImageRef, model ModelConfig, systemPrompt string, cb stream.Callbacks) error {
	if strings.TrimSpace(content) == "" && len(images) == 0 {
		return ErrEmptyQuery
	}
	if model.ID == "" {
		return ErrNoModel
	}

	userMsg := session.NewMessage(session.RoleUser, content)
	userMsg.Images = images
	userMsg.TokenCount = tokens.Estimate(content) + tokens.MessageOverhead

	e.saveMu.Lock()
	conv, err := e.loadConversation(ctx, conversationID)
	if err == nil {
		if err = e.sessions.AppendMessage(ctx, conv, userMsg); err != nil {
			err = fmt.Errorf("persisting user message: %w", err)
		}
	}
	e.saveMu.Unlock()
	if err != nil {
		return err
	}
	e.embedLater(conv.ID, userMsg)

	return e.respond(ctx, conv, model, systemPrompt, nil, cb)
}

// Regenerate replaces the conversation's last assistant turn with a
// fresh completion. The new message records the replaced one as its
// sibling so alternatives stay navigable.
func (e *Engine) Regenerate(ctx context.Context, conversationID string, model ModelConfig, systemPrompt string, cb stream.Callbacks) error {
	if model.ID == "" {
		return ErrNoModel
	}

	e.saveMu.Lock()
	conv, err := e.loadConversation(ctx, conversationID)
	if err != nil {
		e.saveMu.Unlock()
		return err
	}
	if len(conv.Messages) == 0 || conv.Messages[len(conv.Messages)-1].Role != session.RoleAssistant {
		e.saveMu.Unlock()
		return ErrNothingToRegenerate
	}

	replaced := conv.Messages[len(conv.Messages)-1]
	conv.Messages = conv.Messages[:len(conv.Messages)-1]
	if err := e.sessions.Save(ctx, conv); err != nil {
		e.saveMu.Unlock()
		return fmt.Errorf("detaching assistant message: %w", err)
	}
	e.saveMu.Unlock()

	// The detached turn must not resurface through retrieval.
	if err := e.memory.DeleteMessage(ctx, conv.ID, replaced.ID); err != nil {
		e.logger.Warn("dropping regenerated message embedding failed", "conversation", conv.ID, "message", replaced.ID, "error", err)
	}

	return e.respond(ctx, conv, model, systemPrompt, &replaced, cb)
}

// respond assembles context for conv and streams one completion,
// persisting the assistant turn on completion. replaced, when set,
// links the new message to the regenerated one it stands in for.
func (e *Engine) respond(ctx context.Context, conv *session.Conversation, model ModelConfig, systemPrompt string, replaced *session.Message, cb stream.Callbacks) error {
	result := e.assembler.Assemble(ctx, conv, systemPrompt, model.ID)
	if result.NeedsSummarization {
		e.summarizeLater(conv.ID, result.PendingSummarization, model)
	}

	req := e.buildRequest(ctx, conv, result.Blocks, model)

	var reply strings.Builder
	wrapped := stream.Callbacks{
		OnChunk: func(text string) {
			reply.WriteString(text)
			if cb.OnChunk != nil {
				cb.OnChunk(text)
			}
		},
		OnComplete: func() {
			e.persistReply(conv.ID, reply.String(), replaced)
			if cb.OnComplete != nil {
				cb.OnComplete()
			}
		},
		OnError: func(err error) {
			if cb.OnError != nil {
				cb.OnError(err)
			}
		},
	}

	e.client.Stream(ctx, req, wrapped)
	return nil
}

// persistReply stores the assistant turn. The caller's context may
// already be canceled by the time the stream completes, so writes run
// on a fresh one. The conversation is re-read under saveMu: background
// summarization may have persisted a summary while the stream was
// open, and appending through the pre-stream copy would wipe it.
func (e *Engine) persistReply(conversationID, content string, replaced *session.Message) {
	if content == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	msg := session.NewMessage(session.RoleAssistant, content)
	msg.TokenCount = tokens.Estimate(content) + tokens.MessageOverhead
	if replaced != nil {
		msg.SiblingID = replaced.ID
		msg.ParentID = replaced.ParentID
	}

	e.saveMu.Lock()
	defer e.saveMu.Unlock()
	conv, err := e.loadConversation(ctx, conversationID)
	if err != nil {
		e.logger.Error("reloading conversation for reply failed", "conversation", conversationID, "error", err)
		return
	}
	if err := e.sessions.AppendMessage(ctx, conv, msg); err != nil {
		e.logger.Error("persisting assistant message failed", "conversation", conv.ID, "error", err)
		return
	}
	e.embedLater(conv.ID, msg)
}

func (e *Engine) loadConversation(ctx context.Context, id string) (*session.Conversation, error) {
	conv, err := e.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, fmt.Errorf("conversation %s not found", id)
	}
	return conv, nil
}

// buildRequest converts assembled blocks to the wire request. Images
// from the newest user turn ride along when the model supports them.
func (e *Engine) buildRequest(ctx context.Context, conv *session.Conversation, blocks []assembler.Block, model ModelConfig) *stream.Request {
	req := &stream.Request{
		BaseURL:          model.BaseURL,
		APIKey:           model.APIKey,
		Model:            model.ID,
		Temperature:      model.Temperature,
		MaxTokens:        model.MaxTokens,
		TopP:             model.TopP,
		FrequencyPenalty: model.FrequencyPenalty,
		PresencePenalty:  model.PresencePenalty,
	}

	for _, b := range blocks {
		if b.Source == assembler.SourceSystem || b.Source == assembler.SourceSummary || b.Source == assembler.SourceRetrieval {
			if req.System != "" {
				req.System += "\n\n"
			}
			req.System += b.Content
			continue
		}
		req.Messages = append(req.Messages, stream.Message{Role: b.Role, Content: b.Content})
	}

	if model.Vision && len(req.Messages) > 0 && len(conv.Messages) > 0 {
		last := conv.Messages[len(conv.Messages)-1]
		if last.Role == session.RoleUser && len(last.Images) > 0 {
			req.Messages[len(req.Messages)-1].Images = e.loadImages(ctx, last.Images)
		}
	}

	return req
}

func (e *Engine) loadImages(ctx context.Context, refs []session.ImageRef) []stream.Image {
	var images []stream.Image
	for _, ref := range refs {
		data, err := e.sessions.LoadMedia(ctx, ref)
		if err != nil || data == nil {
			e.logger.Warn("loading media blob failed", "blob", ref.Blob, "error", err)
			continue
		}
		images = append(images, stream.Image{
			Base64:   base64.StdEncoding.EncodeToString(data),
			MimeType: ref.MimeType,
		})
	}
	return images
}

// embedLater queues msg for embedding off the request path. Failures
// only reach the log; memory is best effort.
func (e *Engine) embedLater(conversationID string, msg session.Message) {
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
		defer cancel()
		if err := e.memory.Store(ctx, conversationID, msg); err != nil {
			e.logger.Debug("background embedding failed", "conversation", conversationID, "message", msg.ID, "error", err)
		}
	}()
}

// summarizeLater condenses pending older messages into the rolling
// summary via the same provider, off the request path.
func (e *Engine) summarizeLater(conversationID string, pending []session.Message, model ModelConfig) {
	if len(pending) == 0 {
		return
	}
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
		defer cancel()

		var transcript strings.Builder
		for _, m := range pending {
			transcript.WriteString(m.Role)
			transcript.WriteString(": ")
			transcript.WriteString(m.Content)
			transcript.WriteString("\n")
		}

		req := &stream.Request{
			BaseURL: model.BaseURL,
			APIKey:  model.APIKey,
			Model:   model.ID,
			System:  "Condense the following conversation into a short factual summary. Keep names, decisions, and open questions. Output only the summary.",
			Messages: []stream.Message{
				{Role: session.RoleUser, Content: transcript.String()},
			},
			MaxTokens: 1024,
		}

		var summary strings.Builder
		e.client.Stream(ctx, req, stream.Callbacks{
			OnChunk:    func(text string) { summary.WriteString(text) },
			OnComplete: func() {},
			OnError: func(err error) {
				e.logger.Warn("summarization failed", "conversation", conversationID, "error", err)
			},
		})

		text := strings.TrimSpace(summary.String())
		if text == "" {
			return
		}

		e.saveMu.Lock()
		defer e.saveMu.Unlock()
		conv, err := e.sessions.Get(ctx, conversationID)
		if err != nil || conv == nil {
			return
		}
		upTo := pending[len(pending)-1].CreatedAt
		count := tokens.Estimate(text)
		if err := e.sessions.SetSummary(ctx, conv, text, upTo, count); err != nil {
			e.logger.Warn("persisting summary failed", "conversation", conversationID, "error", err)
		}
	}()
}

// Wait blocks until queued background work has drained. Tests and
// shutdown paths use it; the request path never does.
func (e *Engine) Wait() {
	e.bg.Wait()
}
