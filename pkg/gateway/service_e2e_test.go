package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"turnrelay/pkg/bus"
	"turnrelay/pkg/channel"
	"turnrelay/pkg/config"
	providertypes "turnrelay/pkg/provider/types"

	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingGatewayProvider struct {
	mu sync.Mutex

	healthCalls       int
	createSessionNext int
	promptSessionIDs  []string
	promptTexts       []string
	promptErr         error
}

func (p *recordingGatewayProvider) Health(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.healthCalls++
	return nil
}

func (p *recordingGatewayProvider) CreateSession(context.Context, string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.createSessionNext++
	return fmt.Sprintf("session-%d", p.createSessionNext), nil
}

func (p *recordingGatewayProvider) Prompt(_ context.Context, sessionID string, prompt string, _ string) (providertypes.PromptResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.promptSessionIDs = append(p.promptSessionIDs, sessionID)
	p.promptTexts = append(p.promptTexts, prompt)
	if p.promptErr != nil {
		return providertypes.PromptResult{}, p.promptErr
	}
	return providertypes.PromptResult{Text: "ok:" + prompt}, nil
}

func (p *recordingGatewayProvider) snapshot() (int, []string, []string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	sessionIDs := make([]string, len(p.promptSessionIDs))
	copy(sessionIDs, p.promptSessionIDs)

	prompts := make([]string, len(p.promptTexts))
	copy(prompts, p.promptTexts)

	return p.healthCalls, sessionIDs, prompts
}

type sentReply struct {
	messageID   string
	recipientID string
	reply       bus.OutboundMessage
}

// replyLog collects replies sent through the routes of scripted messages.
type replyLog struct {
	mu      sync.Mutex
	replies []sentReply
	err     error
}

type loggedRoute struct {
	log       *replyLog
	messageID string
}

func (r loggedRoute) Send(_ context.Context, recipientID string, reply bus.OutboundMessage) error {
	r.log.mu.Lock()
	defer r.log.mu.Unlock()
	if r.log.err != nil {
		return r.log.err
	}
	r.log.replies = append(r.log.replies, sentReply{messageID: r.messageID, recipientID: recipientID, reply: reply})
	return nil
}

func (l *replyLog) sent() []sentReply {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]sentReply(nil), l.replies...)
}

type recordingRecorder struct {
	mu   sync.Mutex
	keys []string
}

func (r *recordingRecorder) Record(_ context.Context, senderID string, messageID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, senderID+"/"+messageID)
	return nil
}

func (r *recordingRecorder) recorded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.keys...)
}

type stubAdapter struct {
	name string
}

func (a *stubAdapter) Name() string {
	return a.name
}

func (a *stubAdapter) Run(ctx context.Context, _ channel.Handler) error {
	<-ctx.Done()
	return ctx.Err()
}

type scriptedAdapter struct {
	name    string
	inbound []bus.InboundMessage

	mu          sync.Mutex
	handlerErrs []error
	done        chan struct{}
}

func (a *scriptedAdapter) Name() string {
	return a.name
}

func (a *scriptedAdapter) Run(ctx context.Context, handler channel.Handler) error {
	for _, inbound := range a.inbound {
		err := handler(ctx, inbound)

		a.mu.Lock()
		a.handlerErrs = append(a.handlerErrs, err)
		a.mu.Unlock()
	}

	close(a.done)

	<-ctx.Done()
	return ctx.Err()
}

func (a *scriptedAdapter) handlerErrors() []error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]error(nil), a.handlerErrs...)
}

func scriptedMessage(log *replyLog, sender string, id string, content string) bus.InboundMessage {
	return bus.InboundMessage{
		Channel:    "turn",
		SenderID:   sender,
		MessageID:  id,
		Content:    content,
		SessionKey: "turn:" + sender,
		Reply:      loggedRoute{log: log, messageID: id},
	}
}

func gatewayTestConfig(t *testing.T, workers int) *config.Config {
	t.Helper()

	return &config.Config{
		Agents: config.AgentsConfig{Defaults: config.AgentDefaults{Provider: "openai", Model: "gpt-4.1-mini", Workers: workers}},
		Gateway: config.GatewayConfig{
			Host: "127.0.0.1",
			Port: freeTCPPort(t),
		},
	}
}

func runService(t *testing.T, ctx context.Context, svc *Service) <-chan error {
	t.Helper()

	errCh := make(chan error, 1)
	go func() {
		errCh <- svc.Run(ctx)
	}()
	return errCh
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for adapter scripted messages")
	}
}

func waitRunExit(t *testing.T, errCh <-chan error) {
	t.Helper()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for service run to exit")
	}
}

func TestGatewayServiceRunE2EFakeAdapterSessionContinuity(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	provider := &recordingGatewayProvider{}
	replies := &replyLog{}
	recorder := &recordingRecorder{}
	cfg := gatewayTestConfig(t, 1)

	adapter := &scriptedAdapter{
		name: "turn",
		inbound: []bus.InboundMessage{
			scriptedMessage(replies, "100", "m1", "one"),
			scriptedMessage(replies, "100", "m2", "two"),
			scriptedMessage(replies, "200", "m3", "three"),
		},
		done: make(chan struct{}),
	}

	svc, err := newService(cfg, provider, []channel.Adapter{adapter}, recorder, discardLogger())
	require.NoError(t, err)

	errCh := runService(t, ctx, svc)
	waitDone(t, adapter.done)

	require.Eventually(t, func() bool { return len(replies.sent()) == 3 }, 3*time.Second, 10*time.Millisecond)

	status := waitStatus(t, fmt.Sprintf("http://127.0.0.1:%d/readyz", cfg.Gateway.Port), http.StatusOK)
	require.Equal(t, "ready", status.Status)
	require.Equal(t, 0, status.QueueDepth)

	cancel()
	waitRunExit(t, errCh)

	for _, err := range adapter.handlerErrors() {
		require.NoError(t, err)
	}

	sent := replies.sent()
	require.Equal(t, sentReply{messageID: "m1", recipientID: "100", reply: bus.OutboundMessage{Text: "ok:one"}}, sent[0])
	require.Equal(t, sentReply{messageID: "m2", recipientID: "100", reply: bus.OutboundMessage{Text: "ok:two"}}, sent[1])
	require.Equal(t, sentReply{messageID: "m3", recipientID: "200", reply: bus.OutboundMessage{Text: "ok:three"}}, sent[2])

	healthCalls, sessionIDs, prompts := provider.snapshot()
	require.GreaterOrEqual(t, healthCalls, 1)
	require.Equal(t, []string{"one", "two", "three"}, prompts)
	require.Equal(t, []string{"session-1", "session-1", "session-2"}, sessionIDs)
	require.Equal(t, []string{"100/m1", "100/m2", "200/m3"}, recorder.recorded())
}

func TestGatewayServiceRunE2EEmptyTextIsRecordedWithoutPrompt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	provider := &recordingGatewayProvider{}
	replies := &replyLog{}
	recorder := &recordingRecorder{}

	adapter := &scriptedAdapter{
		name:    "turn",
		inbound: []bus.InboundMessage{scriptedMessage(replies, "100", "m1", "  ")},
		done:    make(chan struct{}),
	}

	svc, err := newService(gatewayTestConfig(t, 1), provider, []channel.Adapter{adapter}, recorder, discardLogger())
	require.NoError(t, err)

	errCh := runService(t, ctx, svc)
	waitDone(t, adapter.done)

	require.Eventually(t, func() bool { return len(recorder.recorded()) == 1 }, 3*time.Second, 10*time.Millisecond)

	cancel()
	waitRunExit(t, errCh)

	_, _, prompts := provider.snapshot()
	require.Empty(t, prompts)
	require.Empty(t, replies.sent())
}

func TestGatewayServiceRunE2EPromptFailureSkipsReplyAndRecord(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	provider := &recordingGatewayProvider{promptErr: errors.New("prompt exploded")}
	replies := &replyLog{}
	recorder := &recordingRecorder{}
	cfg := gatewayTestConfig(t, 1)

	adapter := &scriptedAdapter{
		name:    "turn",
		inbound: []bus.InboundMessage{scriptedMessage(replies, "100", "m1", "trigger error")},
		done:    make(chan struct{}),
	}

	svc, err := newService(cfg, provider, []channel.Adapter{adapter}, recorder, discardLogger())
	require.NoError(t, err)

	errCh := runService(t, ctx, svc)
	waitDone(t, adapter.done)

	// Acceptance succeeds even though the prompt later fails.
	require.Equal(t, []error{nil}, adapter.handlerErrors())

	url := fmt.Sprintf("http://127.0.0.1:%d/healthz", cfg.Gateway.Port)
	require.Eventually(t, func() bool {
		status, ok := fetchStatus(url)
		return ok && status.Messages[bus.EventReplyFailed] == 1
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	waitRunExit(t, errCh)

	require.Empty(t, replies.sent())
	require.Empty(t, recorder.recorded())
}

func TestGatewayServiceRunE2EDeliveryFailureSkipsRecord(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	provider := &recordingGatewayProvider{}
	replies := &replyLog{err: errors.New("turn api unavailable")}
	recorder := &recordingRecorder{}
	cfg := gatewayTestConfig(t, 2)

	adapter := &scriptedAdapter{
		name:    "turn",
		inbound: []bus.InboundMessage{scriptedMessage(replies, "100", "m1", "hello")},
		done:    make(chan struct{}),
	}

	svc, err := newService(cfg, provider, []channel.Adapter{adapter}, recorder, discardLogger())
	require.NoError(t, err)

	errCh := runService(t, ctx, svc)
	waitDone(t, adapter.done)

	url := fmt.Sprintf("http://127.0.0.1:%d/healthz", cfg.Gateway.Port)
	require.Eventually(t, func() bool {
		status, ok := fetchStatus(url)
		return ok && status.Messages[bus.EventReplyFailed] == 1
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	waitRunExit(t, errCh)

	_, _, prompts := provider.snapshot()
	require.Equal(t, []string{"hello"}, prompts)
	require.Empty(t, recorder.recorded())
}

func TestGatewayServiceRunFailsOnUnhealthyProvider(t *testing.T) {
	provider := &fakeProviderClient{healthErr: errors.New("connection refused")}

	svc, err := newService(gatewayTestConfig(t, 1), provider, []channel.Adapter{&stubAdapter{name: "turn"}}, nil, discardLogger())
	require.NoError(t, err)

	err = svc.Run(context.Background())
	require.ErrorContains(t, err, "provider health check failed")
}

func fetchStatus(url string) (statusResponse, bool) {
	response, err := http.Get(url)
	if err != nil {
		return statusResponse{}, false
	}
	defer response.Body.Close()

	var status statusResponse
	if err := json.NewDecoder(response.Body).Decode(&status); err != nil {
		return statusResponse{}, false
	}
	return status, true
}

func waitStatus(t *testing.T, url string, wantCode int) statusResponse {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		response, err := http.Get(url)
		if err == nil {
			var status statusResponse
			decodeErr := json.NewDecoder(response.Body).Decode(&status)
			response.Body.Close()
			if decodeErr == nil && response.StatusCode == wantCode {
				return status
			}
		}
		time.Sleep(20 * time.Millisecond)
	}

	t.Fatalf("timed out waiting for %s to return %d", url, wantCode)
	return statusResponse{}
}

func freeTCPPort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	addr, ok := listener.Addr().(*net.TCPAddr)
	require.True(t, ok)
	return addr.Port
}
