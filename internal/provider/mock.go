package provider

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"

	appErrors "github.com/unclebandit/broadcast-dispatch/internal/errors"
)

// MockSender simulates the provider for local runs. FailRate of the sends
// fail permanently; the rest succeed with a fake message id.
type MockSender struct {
	FailRate float64

	seq  atomic.Int64
	mu   sync.Mutex
	sent []SendRequest
}

func NewMockSender(failRate float64) *MockSender {
	return &MockSender{FailRate: failRate}
}

func (m *MockSender) Send(ctx context.Context, req SendRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", appErrors.NewTransient("cancelled", "mock send cancelled", err)
	}
	if m.FailRate > 0 && rand.Float64() < m.FailRate {
		return "", appErrors.NewPermanent("mock", "mock sending failed", nil)
	}
	m.mu.Lock()
	m.sent = append(m.sent, req)
	m.mu.Unlock()
	return fmt.Sprintf("mock.%d", m.seq.Add(1)), nil
}

// Sent returns a copy of every successful request.
func (m *MockSender) Sent() []SendRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SendRequest(nil), m.sent...)
}

var _ Adapter = (*MockSender)(nil)
