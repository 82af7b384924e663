package publisher

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/fjod/go_cart/marketplace/internal/repository"
	"github.com/segmentio/kafka-go"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type MockRepository struct {
	mu           sync.Mutex
	OutboxEvents []*repository.OutboxEvent
	GetErr       error
	MarkErr      error
	ProcessedIDs []int64
}

// GetUnprocessedEvents returns the events not marked yet, oldest first.
func (m *MockRepository) GetUnprocessedEvents(_ context.Context, limit int) ([]*repository.OutboxEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	var out []*repository.OutboxEvent
	for _, e := range m.OutboxEvents {
		if len(out) == limit {
			break
		}
		if !m.processed(e.ID) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MockRepository) processed(id int64) bool {
	for _, p := range m.ProcessedIDs {
		if p == id {
			return true
		}
	}
	return false
}

func (m *MockRepository) MarkEventAsProcessed(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.MarkErr != nil {
		return m.MarkErr
	}
	m.ProcessedIDs = append(m.ProcessedIDs, id)
	return nil
}

func (m *MockRepository) processedIDs() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int64(nil), m.ProcessedIDs...)
}

type MockBroker struct {
	mu        sync.Mutex
	Published []*repository.OutboxEvent
	// FailOn makes Publish fail for the given event ids.
	FailOn   map[int64]error
	Attempts int
	Closed   bool
}

func (m *MockBroker) Publish(_ context.Context, event *repository.OutboxEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Attempts++
	if err := m.FailOn[event.ID]; err != nil {
		return err
	}
	m.Published = append(m.Published, event)
	return nil
}

func (m *MockBroker) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}

func (m *MockBroker) attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Attempts
}

type MockWriter struct {
	Messages []kafka.Message
	Err      error
	Closed   bool
}

func (m *MockWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if m.Err != nil {
		return m.Err
	}
	m.Messages = append(m.Messages, msgs...)
	return nil
}

func (m *MockWriter) Close() error {
	m.Closed = true
	return nil
}
