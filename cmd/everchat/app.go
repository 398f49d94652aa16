package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/everchat/everchat/internal/chat/assembler"
	"github.com/everchat/everchat/internal/chat/config"
	"github.com/everchat/everchat/internal/chat/engine"
	"github.com/everchat/everchat/internal/chat/memory"
	"github.com/everchat/everchat/internal/chat/session"
	"github.com/everchat/everchat/internal/chat/storage"
	"github.com/everchat/everchat/internal/chat/stream"
)

// app wires the storage backend, session store, semantic memory,
// assembler and streaming client behind one handle for the commands.
type app struct {
	cfg      *config.Config
	manager  *storage.Manager
	sessions *session.Store
	memory   *memory.Service
	engine   *engine.Engine
}

func openApp() (*app, error) {
	cfg := Cfg
	backend, err := openBackend(cfg, cfg.Storage.Backend)
	if err != nil {
		return nil, err
	}

	logger := slog.Default()
	manager := storage.NewManager(backend, logger)
	sessions := session.NewStore(manager)
	mem := memory.NewService(manager, embedderLoader(cfg), logger)
	mem.SetEnabled(cfg.Memory.Enabled)
	asm := assembler.New(mem, budgets(cfg), logger)

	stall := time.Duration(cfg.StallTimeoutSeconds) * time.Second
	client := stream.NewClient(nil, stall, logger)

	return &app{
		cfg:      cfg,
		manager:  manager,
		sessions: sessions,
		memory:   mem,
		engine:   engine.New(sessions, mem, asm, client, logger),
	}, nil
}

func (a *app) close() {
	a.engine.Wait()
	if err := a.manager.Close(); err != nil {
		slog.Warn("closing storage", "error", err)
	}
}

// requestContext applies the overall request timeout from config.
func (a *app) requestContext(parent context.Context) (context.Context, context.CancelFunc) {
	timeout := time.Duration(a.cfg.RequestTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return context.WithTimeout(parent, timeout)
}

func (a *app) model() engine.ModelConfig {
	m := engine.ModelConfig{
		BaseURL:     a.cfg.Model.BaseURL,
		APIKey:      a.cfg.Model.APIKey,
		ID:          a.cfg.Model.ID,
		Vision:      a.cfg.Model.Vision,
		Temperature: a.cfg.Model.Temp,
		MaxTokens:   a.cfg.Model.Max,
		TopP:        a.cfg.Model.TopP,
	}
	if modelArg != "" {
		m.ID = modelArg
	}
	return m
}

func openBackend(cfg *config.Config, kind string) (storage.Store, error) {
	switch kind {
	case "directory":
		return storage.OpenDir(cfg.StorageDir())
	case "sqlite", "":
		if err := cfg.EnsureDataDir(); err != nil {
			return nil, err
		}
		return storage.OpenSQLite(cfg.DBPath())
	default:
		return nil, fmt.Errorf("unknown storage backend %q (want sqlite or directory)", kind)
	}
}

// budgets applies the config's non-zero allocation overrides.
func budgets(cfg *config.Config) assembler.Budgets {
	b := assembler.DefaultBudgets()
	if v := cfg.Budgets.SystemPromptCap; v > 0 {
		b.SystemPromptCap = v
	}
	if v := cfg.Budgets.SummaryCap; v > 0 {
		b.SummaryCap = v
	}
	if v := cfg.Budgets.RetrievalBudget; v > 0 {
		b.RetrievalBudget = v
	}
	if v := cfg.Budgets.RecentBudget; v > 0 {
		b.RecentBudget = v
	}
	if v := cfg.Budgets.RecentWindow; v > 0 {
		b.RecentWindow = v
	}
	return b
}

func embedderLoader(cfg *config.Config) memory.LoadFunc {
	return func(ctx context.Context) (memory.Provider, error) {
		switch cfg.Memory.Provider {
		case "openai":
			return memory.NewOpenAIEmbedder(cfg.Memory.APIKey, cfg.Memory.Model, cfg.Memory.BaseURL), nil
		case "ollama", "":
			return memory.NewOllamaEmbedder(cfg.Memory.BaseURL, cfg.Memory.Model), nil
		default:
			return nil, fmt.Errorf("unknown embedding provider %q", cfg.Memory.Provider)
		}
	}
}
