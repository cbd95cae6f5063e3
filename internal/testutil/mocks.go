package testutil

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/poyrazK/veriflow/internal/core/domain"
	"github.com/poyrazK/veriflow/internal/core/ports"
)

// FakeScheduler implements ports.TaskScheduler by holding tasks until Drain.
// Delays passed to SubmitAfter are recorded rather than waited for.
type FakeScheduler struct {
	mu      sync.Mutex
	pending []ports.Task
	Delays  []time.Duration
	Fail    bool
}

func (s *FakeScheduler) Submit(task ports.Task) error {
	if s.Fail {
		return errors.New("scheduler full")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, task)
	return nil
}

func (s *FakeScheduler) SubmitAfter(delay time.Duration, task ports.Task) error {
	if s.Fail {
		return errors.New("scheduler full")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Delays = append(s.Delays, delay)
	s.pending = append(s.pending, task)
	return nil
}

// Pending reports how many tasks wait to be drained.
func (s *FakeScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Drain runs tasks, including ones they schedule, until none remain, and
// returns how many ran.
func (s *FakeScheduler) Drain(ctx context.Context) int {
	n := 0
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.mu.Unlock()
			return n
		}
		task := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()
		task(ctx)
		n++
	}
}

// PlainSecrets stores secrets as "plain:"-prefixed references.
type PlainSecrets struct{}

func (PlainSecrets) Seal(_ context.Context, secret []byte) (string, error) {
	return "plain:" + string(secret), nil
}

func (PlainSecrets) Resolve(_ context.Context, ref string) ([]byte, error) {
	s, ok := strings.CutPrefix(ref, "plain:")
	if !ok {
		return nil, errors.New("unknown secret reference")
	}
	return []byte(s), nil
}

// PublishedEvent is one call seen by RecordingPublisher.
type PublishedEvent struct {
	TenantID string
	Event    string
	Data     any
}

// RecordingPublisher implements ports.EventPublisher.
type RecordingPublisher struct {
	mu     sync.Mutex
	Events []PublishedEvent
}

func (p *RecordingPublisher) Publish(_ context.Context, tenantID, event string, data any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Events = append(p.Events, PublishedEvent{TenantID: tenantID, Event: event, Data: data})
	return nil
}

// Names lists the published event names in order.
func (p *RecordingPublisher) Names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.Events))
	for _, e := range p.Events {
		out = append(out, e.Event)
	}
	return out
}

// StubProviders answers every module with fixed results. Calls counts provider
// invocations per step.
type StubProviders struct {
	mu        sync.Mutex
	Live      domain.LivenessResult
	OCRResult domain.OCRResult
	Valid     domain.ValidationResult
	Face      domain.FaceMatchResult
	Err       error
	Delay     time.Duration
	Calls     map[domain.Step]int
}

// Bundle exposes the stub as ports.Providers.
func (p *StubProviders) Bundle() ports.Providers {
	return ports.Providers{Liveness: p, OCR: p, Validator: p, FaceMatch: p}
}

func (p *StubProviders) called(ctx context.Context, step domain.Step) error {
	p.mu.Lock()
	if p.Calls == nil {
		p.Calls = make(map[domain.Step]int)
	}
	p.Calls[step]++
	p.mu.Unlock()
	if p.Delay > 0 {
		select {
		case <-time.After(p.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return p.Err
}

// CallCount returns how often step's provider ran.
func (p *StubProviders) CallCount(step domain.Step) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Calls[step]
}

func (p *StubProviders) Analyze(ctx context.Context, _ []byte, _ map[string]bool) (*domain.LivenessResult, error) {
	if err := p.called(ctx, domain.StepLiveness); err != nil {
		return nil, err
	}
	r := p.Live
	return &r, nil
}

func (p *StubProviders) Extract(ctx context.Context, _, _ []byte, _, _ string) (*domain.OCRResult, error) {
	if err := p.called(ctx, domain.StepOCR); err != nil {
		return nil, err
	}
	r := p.OCRResult
	return &r, nil
}

func (p *StubProviders) Validate(ctx context.Context, _ domain.DocumentDetection, _ map[string]string) (*domain.ValidationResult, error) {
	if err := p.called(ctx, domain.StepValidate); err != nil {
		return nil, err
	}
	r := p.Valid
	return &r, nil
}

func (p *StubProviders) Match(ctx context.Context, _, _ []byte, threshold float64) (*domain.FaceMatchResult, error) {
	if err := p.called(ctx, domain.StepFaceMatch); err != nil {
		return nil, err
	}
	r := p.Face
	r.Threshold = threshold
	return &r, nil
}

// FakeClock is a settable time source.
type FakeClock struct {
	mu sync.Mutex
	T  time.Time
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.T
}

func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.T = c.T.Add(d)
}
