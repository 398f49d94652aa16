package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/everchat/everchat/internal/chat/session"
	"github.com/everchat/everchat/internal/chat/storage"
	"github.com/everchat/everchat/internal/chat/tokens"
)

const (
	// MinStoreChars excludes trivial messages from embedding.
	MinStoreChars = 10
	// SnapshotChars caps the stored content snapshot.
	SnapshotChars = 500
)

// LoadFunc constructs the embedding provider on first use. Loading can
// be slow (remote model checks) so it runs lazily and exactly once.
type LoadFunc func(ctx context.Context) (Provider, error)

// Result is one retrieval hit.
type Result struct {
	Record session.EmbeddingRecord
	Score  float64
}

// Service owns the process-wide embedding provider and the per
// conversation embedding collections. Retrieval degrades to empty
// results whenever the provider is unavailable; it never blocks or
// fails a send.
type Service struct {
	backend storage.Store
	logger  *slog.Logger
	loadFn  LoadFunc

	enabled atomic.Bool

	// Lazy provider state. Concurrent first users coalesce into one
	// load; the outcome (including failure) is cached.
	group    singleflight.Group
	mu       sync.Mutex
	provider Provider
	loadErr  error
	loaded   bool

	// writeMu serializes collection writes. Store and DeleteMessage are
	// load-modify-save cycles; unsynchronized, concurrent writers for
	// the same conversation would drop each other's records.
	writeMu sync.Mutex
}

// NewService builds a memory service. The provider is not loaded until
// the first embed call.
func NewService(backend storage.Store, loadFn LoadFunc, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{backend: backend, loadFn: loadFn, logger: logger}
	s.enabled.Store(true)
	return s
}

// SetEnabled toggles semantic memory at runtime. Disabling makes
// Retrieve an immediate no-op but keeps stored embeddings intact.
func (s *Service) SetEnabled(on bool) {
	s.enabled.Store(on)
}

// Enabled reports the runtime toggle.
func (s *Service) Enabled() bool {
	return s.enabled.Load()
}

// embedder returns the lazily loaded provider, coalescing concurrent
// first-use calls and caching a failed load.
func (s *Service) embedder(ctx context.Context) (Provider, error) {
	s.mu.Lock()
	if s.loaded {
		p, err := s.provider, s.loadErr
		s.mu.Unlock()
		return p, err
	}
	s.mu.Unlock()

	v, err, _ := s.group.Do("load", func() (any, error) {
		p, loadErr := s.loadFn(ctx)
		s.mu.Lock()
		s.provider, s.loadErr, s.loaded = p, loadErr, true
		s.mu.Unlock()
		if loadErr != nil {
			s.logger.Warn("embedding provider failed to load; semantic retrieval disabled", "error", loadErr)
		}
		return p, loadErr
	})
	if err != nil {
		return nil, err
	}
	return v.(Provider), nil
}

// Store embeds a message and appends it to the conversation's
// collection. Skipped for system messages and content shorter than
// MinStoreChars. Idempotent: a record with the same message id is not
// stored twice.
func (s *Service) Store(ctx context.Context, conversationID string, msg session.Message) error {
	if !s.enabled.Load() {
		return nil
	}
	if msg.Role == session.RoleSystem || len(msg.Content) < MinStoreChars {
		return nil
	}

	// Cheap unlocked duplicate check; an already stored message skips
	// the provider call entirely.
	records, err := s.loadCollection(ctx, conversationID)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if rec.MessageID == msg.ID {
			return nil
		}
	}

	provider, err := s.embedder(ctx)
	if err != nil {
		return err
	}

	// Embed outside the write lock; the provider call can be slow.
	vectors, err := provider.Embed(ctx, []string{msg.Content})
	if err != nil {
		return fmt.Errorf("embedding message %s: %w", msg.ID, err)
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return fmt.Errorf("empty embedding for message %s", msg.ID)
	}

	snapshot := tokens.Truncate(msg.Content, SnapshotChars)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	// Re-read under the lock: a concurrent Store may have appended, or
	// raced us on the same message id.
	records, err = s.loadCollection(ctx, conversationID)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if rec.MessageID == msg.ID {
			return nil
		}
	}
	records = append(records, session.EmbeddingRecord{
		MessageID:       msg.ID,
		ConversationID:  conversationID,
		Vector:          vectors[0],
		ContentSnapshot: snapshot,
		CreatedAt:       time.Now().Unix(),
	})
	return s.saveCollection(ctx, conversationID, records)
}

// DeleteMessage drops one message's record from the conversation's
// collection. Unknown ids are a no-op.
func (s *Service) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	records, err := s.loadCollection(ctx, conversationID)
	if err != nil {
		return err
	}
	kept := make([]session.EmbeddingRecord, 0, len(records))
	for _, rec := range records {
		if rec.MessageID != messageID {
			kept = append(kept, rec)
		}
	}
	if len(kept) == len(records) {
		return nil
	}
	return s.saveCollection(ctx, conversationID, kept)
}

// Retrieve embeds the query and returns the topK most similar records,
// excluding the given message ids. Any failure degrades to an empty
// result; retrieval never blocks assembly.
func (s *Service) Retrieve(ctx context.Context, conversationID, query string, topK int, excludeIDs map[string]bool) []Result {
	if !s.enabled.Load() || query == "" || topK <= 0 {
		return nil
	}

	provider, err := s.embedder(ctx)
	if err != nil {
		return nil
	}

	vectors, err := provider.Embed(ctx, []string{query})
	if err != nil || len(vectors) == 0 {
		s.logger.Debug("query embedding failed", "error", err)
		return nil
	}
	queryVec := vectors[0]

	records, err := s.loadCollection(ctx, conversationID)
	if err != nil {
		s.logger.Debug("loading embedding collection failed", "conversation", conversationID, "error", err)
		return nil
	}

	// Linear scan; per-conversation collections stay small.
	results := make([]Result, 0, len(records))
	for _, rec := range records {
		if excludeIDs[rec.MessageID] {
			continue
		}
		results = append(results, Result{
			Record: rec,
			Score:  CosineSimilarity(queryVec, rec.Vector),
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results
}

// GetSummary loads the conversation's summary record, (nil, nil) if
// none exists.
func (s *Service) GetSummary(ctx context.Context, conversationID string) (*session.Summary, error) {
	data, err := s.backend.Get(ctx, storage.KindSummaries, conversationID)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	var sum session.Summary
	if err := json.Unmarshal(data, &sum); err != nil {
		return nil, fmt.Errorf("corrupt summary record %s: %w", conversationID, err)
	}
	return &sum, nil
}

// SaveSummary overwrites the conversation's summary record.
func (s *Service) SaveSummary(ctx context.Context, sum session.Summary) error {
	data, err := json.Marshal(sum)
	if err != nil {
		return err
	}
	return s.backend.Set(ctx, storage.KindSummaries, sum.ConversationID, data)
}

// DeleteAll removes the conversation's embedding collection and
// summary record.
func (s *Service) DeleteAll(ctx context.Context, conversationID string) error {
	if err := s.backend.Delete(ctx, storage.KindEmbeddings, conversationID); err != nil {
		return err
	}
	return s.backend.Delete(ctx, storage.KindSummaries, conversationID)
}

func (s *Service) loadCollection(ctx context.Context, conversationID string) ([]session.EmbeddingRecord, error) {
	data, err := s.backend.Get(ctx, storage.KindEmbeddings, conversationID)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	var records []session.EmbeddingRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("corrupt embedding collection %s: %w", conversationID, err)
	}
	return records, nil
}

func (s *Service) saveCollection(ctx context.Context, conversationID string, records []session.EmbeddingRecord) error {
	data, err := json.Marshal(records)
	if err != nil {
		return err
	}
	return s.backend.Set(ctx, storage.KindEmbeddings, conversationID, data)
}

// CosineSimilarity computes dot(a,b) / (|a|·|b|). Zero-magnitude or
// length-mismatched vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
