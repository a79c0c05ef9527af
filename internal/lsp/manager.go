package lsp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"golang.org/x/sync/singleflight"

	"github.com/yourusername/lsmcp/internal/lsmcperr"
)

const shutdownPerClient = 5 * time.Second

// ResolvedCommand is the information a Resolver derives for a file's
// language: which server binary to spawn and how. Kept in this package
// (rather than internal/config) so Manager depends only on the narrow
// interface it actually needs.
type ResolvedCommand struct {
	LanguageID string
	Command    string
	Args       []string
	Env        map[string]string
}

// Resolver maps a file path (or, for workspace_symbols, a language id
// directly) to the server command that should handle it, per the
// three-tier precedence of spec §4.1.
type Resolver interface {
	Resolve(path string) (ResolvedCommand, error)
	ResolveLanguage(languageID string) (ResolvedCommand, error)
}

// Manager owns one Client per language for the lifetime of the bridge
// process, spawning lazily and exactly once per language (spec §3, §8
// property 4) regardless of how many concurrent tool calls race to use a
// language for the first time.
type Manager struct {
	root     string
	resolver Resolver
	log      *slog.Logger

	group singleflight.Group

	mu      sync.Mutex
	clients map[string]*Client

	// spawnFn defaults to Spawn; overridable in tests so singleflight and
	// capability-gating behavior can be exercised without a real child
	// process.
	spawnFn func(ctx context.Context, languageID, root, executable string, args []string, env map[string]string, log *slog.Logger) (*Client, error)
}

// NewManager constructs a Manager rooted at root, using resolver to map
// file paths to server commands.
func NewManager(root string, resolver Resolver, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		root:     root,
		resolver: resolver,
		log:      log,
		clients:  make(map[string]*Client),
		spawnFn:  Spawn,
	}
}

// ClientFor returns the ready client for path's language, spawning and
// handshaking it on first use. Concurrent callers for the same language
// share one spawn via singleflight; only one of them pays handshake
// latency, the rest block on the same in-flight result.
func (m *Manager) ClientFor(ctx context.Context, path string) (*Client, error) {
	resolved, err := m.resolver.Resolve(path)
	if err != nil {
		return nil, err
	}
	return m.clientForResolved(ctx, resolved)
}

// ClientForLanguage returns the ready client for languageID directly,
// without a file path — used by workspace_symbols per spec §4.4.
func (m *Manager) ClientForLanguage(ctx context.Context, languageID string) (*Client, error) {
	resolved, err := m.resolver.ResolveLanguage(languageID)
	if err != nil {
		return nil, err
	}
	return m.clientForResolved(ctx, resolved)
}

func (m *Manager) clientForResolved(ctx context.Context, resolved ResolvedCommand) (*Client, error) {
	if c := m.lookup(resolved.LanguageID); c != nil && c.State() != StateDead {
		return c, nil
	}

	v, err, _ := m.group.Do(resolved.LanguageID, func() (any, error) {
		if c := m.lookup(resolved.LanguageID); c != nil && c.State() != StateDead {
			return c, nil
		}
		c, err := m.spawnFn(ctx, resolved.LanguageID, m.root, resolved.Command, resolved.Args, resolved.Env, m.log)
		if err != nil {
			return nil, err
		}
		if err := c.WaitReady(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", lsmcperr.ErrLspHandshakeFailed, err)
		}
		m.mu.Lock()
		m.clients[resolved.LanguageID] = c
		m.mu.Unlock()
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Client), nil
}

func (m *Manager) lookup(languageID string) *Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clients[languageID]
}

// LanguageForPath is a thin convenience wrapper exposed for callers that
// only need the language id without spawning anything.
func (m *Manager) LanguageForPath(path string) (string, error) {
	resolved, err := m.resolver.Resolve(path)
	if err != nil {
		return "", err
	}
	return resolved.LanguageID, nil
}

// Shutdown tears every live client down in parallel, each bounded by
// shutdownPerClient, using conc.WaitGroup so a panicking teardown goroutine
// can't take the whole process down mid-exit.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	clients := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.Unlock()

	var wg conc.WaitGroup
	for _, c := range clients {
		c := c
		wg.Go(func() {
			cctx, cancel := context.WithTimeout(ctx, shutdownPerClient)
			defer cancel()
			if err := c.Shutdown(cctx); err != nil {
				m.log.Warn("client shutdown error", "language", c.LanguageID, "error", err)
			}
		})
	}
	if r := wg.WaitAndRecover(); r != nil {
		m.log.Error("client shutdown panicked", "panic", r.Value)
	}
}
