package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"turnrelay/pkg/provider"
	providertypes "turnrelay/pkg/provider/types"
)

// runtimeManager owns one provider session per sender session key.
type runtimeManager struct {
	client provider.Client
	model  string
	log    *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*agentSession
}

// agentSession is the provider conversation tracked for one session key.
type agentSession struct {
	id       string
	promptMu sync.Mutex
}

func newRuntimeManager(client provider.Client, model string, log *slog.Logger) *runtimeManager {
	if log == nil {
		log = slog.Default()
	}

	return &runtimeManager{
		client:   client,
		model:    model,
		log:      log.With("component", "gateway.runtime_manager"),
		sessions: make(map[string]*agentSession),
	}
}

// Prompt routes one prompt to a session and serializes requests per session.
func (m *runtimeManager) Prompt(ctx context.Context, sessionKey string, prompt string) (providertypes.PromptResult, error) {
	session, err := m.sessionFor(ctx, sessionKey)
	if err != nil {
		return providertypes.PromptResult{}, err
	}

	session.promptMu.Lock()
	defer session.promptMu.Unlock()

	return m.client.Prompt(ctx, session.id, prompt, m.model)
}

// sessionFor returns an existing session or lazily creates a new one.
func (m *runtimeManager) sessionFor(ctx context.Context, sessionKey string) (*agentSession, error) {
	m.mu.RLock()
	session, ok := m.sessions[sessionKey]
	m.mu.RUnlock()
	if ok {
		return session, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok = m.sessions[sessionKey]
	if ok {
		return session, nil
	}

	id, err := m.client.CreateSession(ctx, "turnrelay:"+sessionKey)
	if err != nil {
		return nil, fmt.Errorf("start session for %s: %w", sessionKey, err)
	}
	m.log.Debug("Agent session started", "session_key", sessionKey, "session_id", id)

	session = &agentSession{id: id}
	m.sessions[sessionKey] = session
	return session, nil
}

// Close drops tracked sessions.
func (m *runtimeManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for sessionKey := range m.sessions {
		delete(m.sessions, sessionKey)
	}
}
