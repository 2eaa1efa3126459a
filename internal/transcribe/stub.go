package transcribe

import (
	"context"
	"fmt"
	"sync"
)

// StubProvider is a deterministic in-process provider for tests and
// offline development. Each fed frame pops the next scripted result.
type StubProvider struct {
	mu       sync.Mutex
	script   []Result
	startErr error
}

// NewStubProvider creates a stub provider that replays the given results,
// one per fed frame, in order.
func NewStubProvider(script []Result) *StubProvider {
	return &StubProvider{script: script}
}

// NewFailingStubProvider creates a stub whose Start always fails with the
// given provider error code.
func NewFailingStubProvider(code string) *StubProvider {
	return &StubProvider{
		startErr: &ProviderError{Provider: "stub", Code: code, Err: fmt.Errorf("scripted failure")},
	}
}

// Name returns the provider name
func (p *StubProvider) Name() string {
	return "stub"
}

// Start opens a scripted stream
func (p *StubProvider) Start(ctx context.Context, cfg StreamConfig) (Stream, error) {
	if p.startErr != nil {
		return nil, p.startErr
	}

	p.mu.Lock()
	script := make([]Result, len(p.script))
	copy(script, p.script)
	p.mu.Unlock()

	return &stubStream{
		script:  script,
		results: make(chan Result, len(script)+1),
	}, nil
}

type stubStream struct {
	mu        sync.Mutex
	script    []Result
	next      int
	finalized bool
	results   chan Result
}

func (s *stubStream) Feed(ctx context.Context, frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized {
		return fmt.Errorf("stream already finalized")
	}
	if s.next < len(s.script) {
		s.results <- s.script[s.next]
		s.next++
	}
	return nil
}

func (s *stubStream) Finalize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized {
		return nil
	}
	s.finalized = true
	// Flush any unconsumed scripted finals before terminating.
	for ; s.next < len(s.script); s.next++ {
		if s.script[s.next].Final {
			s.results <- s.script[s.next]
		}
	}
	close(s.results)
	return nil
}

func (s *stubStream) Results() <-chan Result {
	return s.results
}
