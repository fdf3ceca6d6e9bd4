package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	providertypes "turnrelay/pkg/provider/types"
)

type fakeProviderClient struct {
	mu                 sync.Mutex
	createSessionCount int
	promptCount        int
	prompts            []string
	sessionTitles      []string
	healthErr          error
	promptErr          error
	delay              time.Duration
	inFlight           map[string]int
	maxInFlight        int
}

func (f *fakeProviderClient) Health(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthErr
}

func (f *fakeProviderClient) CreateSession(_ context.Context, title string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createSessionCount++
	f.sessionTitles = append(f.sessionTitles, title)
	return "session-" + title, nil
}

func (f *fakeProviderClient) Prompt(_ context.Context, sessionID string, prompt string, _ string) (providertypes.PromptResult, error) {
	f.mu.Lock()
	if f.inFlight == nil {
		f.inFlight = make(map[string]int)
	}
	f.inFlight[sessionID]++
	if f.inFlight[sessionID] > f.maxInFlight {
		f.maxInFlight = f.inFlight[sessionID]
	}
	delay := f.delay
	f.mu.Unlock()

	time.Sleep(delay)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.inFlight[sessionID]--
	f.promptCount++
	f.prompts = append(f.prompts, prompt)
	if f.promptErr != nil {
		return providertypes.PromptResult{}, f.promptErr
	}
	return providertypes.PromptResult{Text: "ok:" + prompt}, nil
}

func TestRuntimeManagerReusesSession(t *testing.T) {
	t.Parallel()

	fakeClient := &fakeProviderClient{}
	manager := newRuntimeManager(fakeClient, "openai/gpt-5-nano", nil)
	t.Cleanup(manager.Close)

	if _, err := manager.Prompt(context.Background(), "turn:100", "one"); err != nil {
		t.Fatalf("Prompt error: %v", err)
	}
	if _, err := manager.Prompt(context.Background(), "turn:100", "two"); err != nil {
		t.Fatalf("Prompt error: %v", err)
	}

	fakeClient.mu.Lock()
	defer fakeClient.mu.Unlock()
	if fakeClient.createSessionCount != 1 {
		t.Fatalf("createSessionCount = %d, want 1", fakeClient.createSessionCount)
	}
	if fakeClient.promptCount != 2 {
		t.Fatalf("promptCount = %d, want 2", fakeClient.promptCount)
	}
	if fakeClient.sessionTitles[0] != "turnrelay:turn:100" {
		t.Fatalf("session title = %q", fakeClient.sessionTitles[0])
	}
}

func TestRuntimeManagerCreatesSessionPerSessionKey(t *testing.T) {
	t.Parallel()

	fakeClient := &fakeProviderClient{}
	manager := newRuntimeManager(fakeClient, "", nil)
	t.Cleanup(manager.Close)

	if _, err := manager.Prompt(context.Background(), "turn:100", "one"); err != nil {
		t.Fatalf("Prompt error: %v", err)
	}
	if _, err := manager.Prompt(context.Background(), "turn:200", "two"); err != nil {
		t.Fatalf("Prompt error: %v", err)
	}

	fakeClient.mu.Lock()
	defer fakeClient.mu.Unlock()
	if fakeClient.createSessionCount != 2 {
		t.Fatalf("createSessionCount = %d, want 2", fakeClient.createSessionCount)
	}
}

func TestRuntimeManagerSerializesPromptsPerSession(t *testing.T) {
	t.Parallel()

	fakeClient := &fakeProviderClient{delay: 5 * time.Millisecond}
	manager := newRuntimeManager(fakeClient, "", nil)
	t.Cleanup(manager.Close)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = manager.Prompt(context.Background(), "turn:100", "hi")
		}()
	}
	wg.Wait()

	fakeClient.mu.Lock()
	defer fakeClient.mu.Unlock()
	if fakeClient.maxInFlight != 1 {
		t.Fatalf("maxInFlight = %d, want 1", fakeClient.maxInFlight)
	}
}

func TestRuntimeManagerPropagatesPromptError(t *testing.T) {
	t.Parallel()

	fakeClient := &fakeProviderClient{promptErr: errors.New("rate limited")}
	manager := newRuntimeManager(fakeClient, "", nil)

	if _, err := manager.Prompt(context.Background(), "turn:100", "hi"); err == nil {
		t.Fatal("expected prompt error")
	}
}
