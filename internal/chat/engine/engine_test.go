package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/everchat/everchat/internal/chat/assembler"
	"github.com/everchat/everchat/internal/chat/memory"
	"github.com/everchat/everchat/internal/chat/session"
	"github.com/everchat/everchat/internal/chat/storage"
	"github.com/everchat/everchat/internal/chat/stream"
)

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	vecs := make([][]float32, len(texts))
	for i := range texts {
		vecs[i] = []float32{1, 0, 0}
	}
	return vecs, nil
}

func (fakeEmbedder) Model() string { return "fake" }

func newTestEngine(t *testing.T, handler http.Handler) (*Engine, *session.Store, *memory.Service, string) {
	t.Helper()

	backend, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { backend.Close() })

	sessions := session.NewStore(backend)
	mem := memory.NewService(backend, func(context.Context) (memory.Provider, error) {
		return fakeEmbedder{}, nil
	}, nil)
	asm := assembler.New(mem, assembler.DefaultBudgets(), nil)

	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	client := stream.NewClient(nil, time.Second, nil)
	return New(sessions, mem, asm, client, nil), sessions, mem, ts.URL
}

func chunkedReply(chunks ...string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range chunks {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", c)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})
}

func TestSendPersistsBothTurns(t *testing.T) {
	eng, sessions, _, baseURL := newTestEngine(t, chunkedReply("Hello", " there"))

	ctx := context.Background()
	conv, err := sessions.Create(ctx, "test")
	if err != nil {
		t.Fatal(err)
	}

	var chunks []string
	completed := false
	err = eng.Send(ctx, conv.ID, "hi, how are you today", nil, ModelConfig{ID: "test-model", BaseURL: baseURL}, "be nice", stream.Callbacks{
		OnChunk:    func(text string) { chunks = append(chunks, text) },
		OnComplete: func() { completed = true },
		OnError:    func(err error) { t.Errorf("unexpected stream error: %v", err) },
	})
	if err != nil {
		t.Fatal(err)
	}
	if !completed || len(chunks) != 2 {
		t.Fatalf("completed = %v chunks = %v", completed, chunks)
	}

	got, err := sessions.Get(ctx, conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Messages) != 2 {
		t.Fatalf("persisted %d messages, want 2", len(got.Messages))
	}
	if got.Messages[0].Role != session.RoleUser || got.Messages[1].Role != session.RoleAssistant {
		t.Errorf("roles = %s, %s", got.Messages[0].Role, got.Messages[1].Role)
	}
	if got.Messages[1].Content != "Hello there" {
		t.Errorf("assistant content = %q", got.Messages[1].Content)
	}
	if got.Messages[0].TokenCount == 0 {
		t.Error("user message has no cached token count")
	}
}

func TestSendRejectsEmptyInput(t *testing.T) {
	eng, sessions, _, baseURL := newTestEngine(t, chunkedReply("x"))
	ctx := context.Background()
	conv, _ := sessions.Create(ctx, "test")

	if err := eng.Send(ctx, conv.ID, "   ", nil, ModelConfig{ID: "m", BaseURL: baseURL}, "", stream.Callbacks{}); !errors.Is(err, ErrEmptyQuery) {
		t.Errorf("empty content: err = %v, want ErrEmptyQuery", err)
	}
	if err := eng.Send(ctx, conv.ID, "hi", nil, ModelConfig{BaseURL: baseURL}, "", stream.Callbacks{}); !errors.Is(err, ErrNoModel) {
		t.Errorf("missing model: err = %v, want ErrNoModel", err)
	}

	got, _ := sessions.Get(ctx, conv.ID)
	if len(got.Messages) != 0 {
		t.Errorf("rejected sends persisted %d messages", len(got.Messages))
	}
}

func TestRegenerateBranchesSibling(t *testing.T) {
	eng, sessions, _, baseURL := newTestEngine(t, chunkedReply("take two"))
	ctx := context.Background()
	conv, _ := sessions.Create(ctx, "test")

	user := session.NewMessage(session.RoleUser, "tell me something")
	if err := sessions.AppendMessage(ctx, conv, user); err != nil {
		t.Fatal(err)
	}
	first := session.NewMessage(session.RoleAssistant, "take one")
	if err := sessions.AppendMessage(ctx, conv, first); err != nil {
		t.Fatal(err)
	}

	model := ModelConfig{ID: "test-model", BaseURL: baseURL}
	err := eng.Regenerate(ctx, conv.ID, model, "", stream.Callbacks{})
	if err != nil {
		t.Fatal(err)
	}

	got, _ := sessions.Get(ctx, conv.ID)
	if len(got.Messages) != 2 {
		t.Fatalf("messages = %d, want user + regenerated assistant", len(got.Messages))
	}
	regen := got.Messages[1]
	if regen.Content != "take two" {
		t.Errorf("regenerated content = %q", regen.Content)
	}
	if regen.SiblingID != first.ID {
		t.Errorf("sibling = %q, want %q", regen.SiblingID, first.ID)
	}
}

func TestRegenerateNeedsAssistantTurn(t *testing.T) {
	eng, sessions, _, baseURL := newTestEngine(t, chunkedReply("x"))
	ctx := context.Background()
	conv, _ := sessions.Create(ctx, "test")
	sessions.AppendMessage(ctx, conv, session.NewMessage(session.RoleUser, "hi"))

	err := eng.Regenerate(ctx, conv.ID, ModelConfig{ID: "m", BaseURL: baseURL}, "", stream.Callbacks{})
	if !errors.Is(err, ErrNothingToRegenerate) {
		t.Errorf("err = %v, want ErrNothingToRegenerate", err)
	}
}

func TestSendEmbedsTurnsInBackground(t *testing.T) {
	eng, sessions, mem, baseURL := newTestEngine(t, chunkedReply("a reasonably long reply about databases"))
	ctx := context.Background()
	conv, _ := sessions.Create(ctx, "test")

	err := eng.Send(ctx, conv.ID, "what database should I use", nil, ModelConfig{ID: "m", BaseURL: baseURL}, "", stream.Callbacks{})
	if err != nil {
		t.Fatal(err)
	}
	eng.Wait()

	results := mem.Retrieve(ctx, conv.ID, "database", 10, nil)
	if len(results) != 2 {
		t.Fatalf("embedded records = %d, want user and assistant turns", len(results))
	}
}

func TestRegenerateDropsReplacedEmbedding(t *testing.T) {
	eng, sessions, mem, baseURL := newTestEngine(t, chunkedReply("a fresh take on the answer"))
	ctx := context.Background()
	conv, _ := sessions.Create(ctx, "test")

	user := session.NewMessage(session.RoleUser, "explain the tradeoff to me")
	first := session.NewMessage(session.RoleAssistant, "the original take on the answer")
	sessions.AppendMessage(ctx, conv, user)
	sessions.AppendMessage(ctx, conv, first)
	if err := mem.Store(ctx, conv.ID, first); err != nil {
		t.Fatal(err)
	}

	err := eng.Regenerate(ctx, conv.ID, ModelConfig{ID: "m", BaseURL: baseURL}, "", stream.Callbacks{})
	if err != nil {
		t.Fatal(err)
	}
	eng.Wait()

	for _, r := range mem.Retrieve(ctx, conv.ID, "answer", 10, nil) {
		if r.Record.MessageID == first.ID {
			t.Errorf("replaced message %s still retrievable after regenerate", first.ID)
		}
	}
}

// The summarizer and the reply writer race on the same conversation:
// the chat stream stays open until the summary record lands, so the
// reply persist must not wipe the summary or its watermark.
func TestReplyPersistKeepsConcurrentSummary(t *testing.T) {
	backend, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { backend.Close() })

	sessions := session.NewStore(backend)
	mem := memory.NewService(backend, func(context.Context) (memory.Provider, error) {
		return fakeEmbedder{}, nil
	}, nil)
	asm := assembler.New(mem, assembler.DefaultBudgets(), nil)

	ctx := context.Background()
	conv, err := sessions.Create(ctx, "test")
	if err != nil {
		t.Fatal(err)
	}
	// Enough history beyond the recent window to trigger summarization.
	for i := 0; i < 17; i++ {
		role := session.RoleUser
		if i%2 == 1 {
			role = session.RoleAssistant
		}
		if err := sessions.AppendMessage(ctx, conv, session.NewMessage(role, fmt.Sprintf("turn %d of the long discussion", i))); err != nil {
			t.Fatal(err)
		}
	}

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "text/event-stream")
		if strings.Contains(string(body), "Condense") {
			fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"they discussed seventeen turns\"}}]}\n\n")
			fmt.Fprint(w, "data: [DONE]\n\n")
			return
		}
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"the reply\"}}]}\n\n")
		w.(http.Flusher).Flush()
		// Hold the chat stream open until the summary has been persisted.
		deadline := time.Now().Add(3 * time.Second)
		for time.Now().Before(deadline) {
			got, err := sessions.Get(r.Context(), conv.ID)
			if err == nil && got != nil && got.Summary != "" {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(ts.Close)

	eng := New(sessions, mem, asm, stream.NewClient(nil, 5*time.Second, nil), nil)
	err = eng.Send(ctx, conv.ID, "and what do you conclude", nil, ModelConfig{ID: "test-model", BaseURL: ts.URL}, "", stream.Callbacks{
		OnError: func(err error) { t.Errorf("unexpected stream error: %v", err) },
	})
	if err != nil {
		t.Fatal(err)
	}
	eng.Wait()

	got, err := sessions.Get(ctx, conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Summary == "" || got.SummarizedUpTo == 0 {
		t.Errorf("summary/watermark wiped by reply persist: summary=%q upTo=%d (messages=%d)", got.Summary, got.SummarizedUpTo, len(got.Messages))
	}
	if last := got.Messages[len(got.Messages)-1]; last.Role != session.RoleAssistant || last.Content != "the reply" {
		t.Errorf("last message = %s %q, want the assistant reply", last.Role, last.Content)
	}
}

func TestStreamFailureLeavesNoAssistantTurn(t *testing.T) {
	eng, sessions, _, baseURL := newTestEngine(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"slow down"}}`)
	}))
	ctx := context.Background()
	conv, _ := sessions.Create(ctx, "test")

	var streamErr error
	err := eng.Send(ctx, conv.ID, "hello out there", nil, ModelConfig{ID: "m", BaseURL: baseURL}, "", stream.Callbacks{
		OnError: func(err error) { streamErr = err },
	})
	if err != nil {
		t.Fatal(err)
	}
	var apiErr *stream.APIError
	if !errors.As(streamErr, &apiErr) || apiErr.Category != stream.CategoryRateLimit {
		t.Errorf("stream error = %v, want rate-limit APIError", streamErr)
	}

	got, _ := sessions.Get(ctx, conv.ID)
	if len(got.Messages) != 1 || got.Messages[0].Role != session.RoleUser {
		t.Errorf("messages after failure = %+v, want only the user turn", got.Messages)
	}
}
