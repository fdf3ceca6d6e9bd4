package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"turnrelay/pkg/bus"
	"turnrelay/pkg/channel"
	"turnrelay/pkg/config"
	"turnrelay/pkg/provider"
	providertypes "turnrelay/pkg/provider/types"
)

const (
	defaultHealthHost = "0.0.0.0"
	defaultHealthPort = 18790
	acceptTimeout     = 10 * time.Second
	eventBuffer       = 64
)

const (
	metaProviderKey   = "provider"
	metaModelKey      = "model"
	metaUsageInKey    = "usage_input_tokens"
	metaUsageOutKey   = "usage_output_tokens"
	metaUsageTotalKey = "usage_total_tokens"
)

// Recorder marks a message as handled so repeated deliveries are skipped.
type Recorder interface {
	Record(ctx context.Context, senderID string, messageID string) error
}

// Service runs the channel adapters, the agent workers draining the inbound
// bus, and the status server.
type Service struct {
	cfg      *config.Config
	log      *slog.Logger
	provider provider.Client
	manager  *runtimeManager
	channels []channel.Adapter
	bus      *bus.MessageBus
	recorder Recorder
	workers  int

	mu               sync.RWMutex
	startedAt        time.Time
	providerLastOKAt time.Time
	providerLastErr  string
	channelStates    map[string]channelState
	counters         map[bus.EventType]int64
}

type channelState struct {
	Running bool   `json:"running"`
	Error   string `json:"error,omitempty"`
}

type statusResponse struct {
	Status           string                  `json:"status"`
	UptimeSeconds    int64                   `json:"uptime_seconds"`
	ProviderLastOKAt string                  `json:"provider_last_ok_at,omitempty"`
	ProviderLastErr  string                  `json:"provider_last_error,omitempty"`
	Channels         map[string]channelState `json:"channels"`
	QueueDepth       int                     `json:"queue_depth"`
	Messages         map[bus.EventType]int64 `json:"messages"`
}

func NewService(cfg *config.Config, adapters []channel.Adapter, recorder Recorder, log *slog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	client, err := provider.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("initialize provider: %w", err)
	}

	return newService(cfg, client, adapters, recorder, log)
}

func newService(cfg *config.Config, client provider.Client, adapters []channel.Adapter, recorder Recorder, log *slog.Logger) (*Service, error) {
	if len(adapters) == 0 {
		return nil, errors.New("at least one channel adapter is required")
	}
	if log == nil {
		log = slog.Default()
	}

	channelStates := make(map[string]channelState, len(adapters))
	for _, adapter := range adapters {
		channelStates[adapter.Name()] = channelState{}
	}

	workers := cfg.Agents.Defaults.Workers
	if workers <= 0 {
		workers = config.DefaultAgentWorkers
	}

	return &Service{
		cfg:           cfg,
		log:           log.With("component", "gateway.service"),
		provider:      client,
		manager:       newRuntimeManager(client, cfg.Agents.Defaults.Model, log),
		channels:      adapters,
		bus:           bus.NewMessageBus(),
		recorder:      recorder,
		workers:       workers,
		channelStates: channelStates,
		counters:      make(map[bus.EventType]int64),
	}, nil
}

func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	if err := s.checkProviderHealth(ctx); err != nil {
		return err
	}

	events, unsubscribe := s.bus.SubscribeEvents(ctx, eventBuffer)
	defer unsubscribe()
	go s.countEvents(events)

	serverErrors := make(chan error, 1)
	go s.runHealthServer(ctx, serverErrors)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = s.checkProviderHealth(ctx)
			}
		}
	}()

	var workers sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			s.runWorker(ctx)
		}()
	}

	errCh := make(chan error, len(s.channels))
	for _, adapter := range s.channels {
		s.setChannelState(adapter.Name(), channelState{Running: true})

		go func() {
			err := adapter.Run(ctx, s.handleInbound)
			s.setChannelState(adapter.Name(), channelState{Running: false, Error: errorString(err)})
			if err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("run %s channel: %w", adapter.Name(), err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serverErrors:
	case runErr = <-errCh:
	}

	s.bus.Close()
	workers.Wait()
	s.manager.Close()
	return runErr
}

// handleInbound accepts a message for the agent workers. It returns once the
// message is queued.
func (s *Service) handleInbound(ctx context.Context, inbound bus.InboundMessage) error {
	acceptCtx, cancel := context.WithTimeout(ctx, acceptTimeout)
	defer cancel()

	if !s.bus.PublishInbound(acceptCtx, inbound) {
		return fmt.Errorf("agent queue did not accept message %s from %s", inbound.MessageID, inbound.SenderID)
	}
	s.bus.PublishEvent(ctx, bus.EventFor(bus.EventMessageReceived, inbound, nil))
	return nil
}

func (s *Service) runWorker(ctx context.Context) {
	for {
		inbound, ok := s.bus.ConsumeInbound(ctx)
		if !ok {
			return
		}
		s.process(ctx, inbound)
	}
}

// process prompts the agent, sends the reply through the message's route and
// records the message as handled.
func (s *Service) process(ctx context.Context, inbound bus.InboundMessage) {
	log := s.log.With(
		"channel", inbound.Channel,
		"sender_id", inbound.SenderID,
		"message_id", inbound.MessageID,
		"session_key", inbound.SessionKey,
	)

	if strings.TrimSpace(inbound.Content) == "" {
		log.Info("Message has no text; not prompting agent", "type", inbound.Metadata["type"])
		s.record(ctx, log, inbound)
		return
	}

	result, err := s.manager.Prompt(ctx, inbound.SessionKey, inbound.Content)
	if err != nil {
		log.Error("Agent prompt failed", "error", err)
		s.bus.PublishEvent(ctx, bus.EventFor(bus.EventReplyFailed, inbound, err))
		return
	}
	log.Debug("Agent replied", "metadata", promptResultMetadata(result), "response_length", len(result.Text))

	if inbound.Reply == nil {
		err := errors.New("message has no reply route")
		log.Error("Reply not sent", "error", err)
		s.bus.PublishEvent(ctx, bus.EventFor(bus.EventReplyFailed, inbound, err))
		return
	}

	if err := inbound.Reply.Send(ctx, inbound.SenderID, bus.OutboundMessage{Text: result.Text}); err != nil {
		log.Error("Reply delivery failed", "error", err)
		s.bus.PublishEvent(ctx, bus.EventFor(bus.EventReplyFailed, inbound, err))
		return
	}

	s.bus.PublishEvent(ctx, bus.EventFor(bus.EventReplySent, inbound, nil))
	s.record(ctx, log, inbound)
}

func (s *Service) record(ctx context.Context, log *slog.Logger, inbound bus.InboundMessage) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.Record(ctx, inbound.SenderID, inbound.MessageID); err != nil {
		log.Error("Failed to record handled message", "error", err)
	}
}

func (s *Service) countEvents(events <-chan bus.Event) {
	for event := range events {
		s.mu.Lock()
		s.counters[event.Type]++
		s.mu.Unlock()
	}
}

func promptResultMetadata(result providertypes.PromptResult) map[string]string {
	metadata := map[string]string{}
	if result.Metadata.Provider != "" {
		metadata[metaProviderKey] = result.Metadata.Provider
	}
	if result.Metadata.Model != "" {
		metadata[metaModelKey] = result.Metadata.Model
	}
	if usage := result.Metadata.Usage; usage != nil && !usage.IsZero() {
		metadata[metaUsageInKey] = strconv.FormatInt(usage.InputTokens, 10)
		metadata[metaUsageOutKey] = strconv.FormatInt(usage.OutputTokens, 10)
		metadata[metaUsageTotalKey] = strconv.FormatInt(usage.TotalTokens, 10)
	}

	return metadata
}

func (s *Service) runHealthServer(ctx context.Context, errCh chan<- error) {
	host := strings.TrimSpace(s.cfg.Gateway.Host)
	if host == "" {
		host = defaultHealthHost
	}

	port := s.cfg.Gateway.Port
	if port <= 0 {
		port = defaultHealthPort
	}

	addr := host + ":" + strconv.Itoa(port)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.statusHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.log.Info("Gateway status server started", "address", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("start status server: %w", err)
	}
}

func (s *Service) statusHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)
	return mux
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondStatus(w, http.StatusOK, "ok")
}

func (s *Service) handleReady(w http.ResponseWriter, _ *http.Request) {
	statusCode := http.StatusOK
	status := "ready"
	if !s.isReady() {
		statusCode = http.StatusServiceUnavailable
		status = "not_ready"
	}

	s.respondStatus(w, statusCode, status)
}

func (s *Service) respondStatus(w http.ResponseWriter, statusCode int, status string) {
	payload := s.currentStatus(status)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("Failed to write status response", "error", err)
	}
}

func (s *Service) currentStatus(status string) statusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	uptime := int64(0)
	if !s.startedAt.IsZero() {
		uptime = int64(time.Since(s.startedAt).Seconds())
	}

	channels := make(map[string]channelState, len(s.channelStates))
	for name, state := range s.channelStates {
		channels[name] = state
	}

	messages := make(map[bus.EventType]int64, len(s.counters))
	for eventType, count := range s.counters {
		messages[eventType] = count
	}

	providerLastOK := ""
	if !s.providerLastOKAt.IsZero() {
		providerLastOK = s.providerLastOKAt.Format(time.RFC3339)
	}

	queueDepth := 0
	if s.bus != nil {
		queueDepth = s.bus.Pending()
	}

	return statusResponse{
		Status:           status,
		UptimeSeconds:    uptime,
		ProviderLastOKAt: providerLastOK,
		ProviderLastErr:  s.providerLastErr,
		Channels:         channels,
		QueueDepth:       queueDepth,
		Messages:         messages,
	}
}

func (s *Service) isReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.channelStates) == 0 {
		return false
	}

	anyRunning := false
	for _, state := range s.channelStates {
		if state.Running {
			anyRunning = true
			break
		}
	}

	if !anyRunning {
		return false
	}

	if s.providerLastOKAt.IsZero() {
		return false
	}

	if s.providerLastErr != "" {
		return false
	}

	return true
}

func (s *Service) checkProviderHealth(ctx context.Context) error {
	if err := s.provider.Health(ctx); err != nil {
		s.mu.Lock()
		s.providerLastErr = err.Error()
		s.mu.Unlock()
		return fmt.Errorf("provider health check failed: %w", err)
	}

	s.mu.Lock()
	s.providerLastErr = ""
	s.providerLastOKAt = time.Now().UTC()
	s.mu.Unlock()

	return nil
}

func (s *Service) setChannelState(name string, state channelState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channelStates[name] = state
}

func errorString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
