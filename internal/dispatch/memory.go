package dispatch

import (
	"context"
	"sync"
)

// Memory is an in-process Dispatcher for development and tests. Once a
// handler is subscribed, published messages are delivered to it
// synchronously; messages published before a subscription exists are
// queued and drained on subscribe. A failed delivery keeps the message
// queued, mimicking at-least-once redelivery.
type Memory struct {
	mu sync.Mutex

	rawQueue    []RawUploadReady
	uploadQueue []UploadEventReady

	rawHandler    RawUploadHandler
	uploadHandler UploadEventHandler

	// PublishedRaw and PublishedUploads record every publish for test
	// assertions, independent of delivery.
	PublishedRaw     []RawUploadReady
	PublishedUploads []UploadEventReady
}

// NewMemory returns an empty in-process dispatcher.
func NewMemory() *Memory {
	return &Memory{}
}

// Close implements Publisher.
func (m *Memory) Close() error { return nil }

// PublishRawUploadReady implements Publisher.
func (m *Memory) PublishRawUploadReady(ctx context.Context, msg RawUploadReady) error {
	m.mu.Lock()
	m.PublishedRaw = append(m.PublishedRaw, msg)
	handler := m.rawHandler
	if handler == nil {
		m.rawQueue = append(m.rawQueue, msg)
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if err := handler(ctx, msg); err != nil {
		m.mu.Lock()
		m.rawQueue = append(m.rawQueue, msg)
		m.mu.Unlock()
	}
	return nil
}

// PublishUploadEventReady implements Publisher.
func (m *Memory) PublishUploadEventReady(ctx context.Context, msg UploadEventReady) error {
	m.mu.Lock()
	m.PublishedUploads = append(m.PublishedUploads, msg)
	handler := m.uploadHandler
	if handler == nil {
		m.uploadQueue = append(m.uploadQueue, msg)
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if err := handler(ctx, msg); err != nil {
		m.mu.Lock()
		m.uploadQueue = append(m.uploadQueue, msg)
		m.mu.Unlock()
	}
	return nil
}

// SubscribeRawUploads implements Dispatcher and drains any queued
// messages through the handler.
func (m *Memory) SubscribeRawUploads(ctx context.Context, handler RawUploadHandler) error {
	m.mu.Lock()
	m.rawHandler = handler
	queued := m.rawQueue
	m.rawQueue = nil
	m.mu.Unlock()

	for _, msg := range queued {
		if err := handler(ctx, msg); err != nil {
			m.mu.Lock()
			m.rawQueue = append(m.rawQueue, msg)
			m.mu.Unlock()
		}
	}
	return nil
}

// SubscribeUploadEvents implements Dispatcher.
func (m *Memory) SubscribeUploadEvents(ctx context.Context, handler UploadEventHandler) error {
	m.mu.Lock()
	m.uploadHandler = handler
	queued := m.uploadQueue
	m.uploadQueue = nil
	m.mu.Unlock()

	for _, msg := range queued {
		if err := handler(ctx, msg); err != nil {
			m.mu.Lock()
			m.uploadQueue = append(m.uploadQueue, msg)
			m.mu.Unlock()
		}
	}
	return nil
}

// Redeliver pumps queued (previously failed or unsubscribed) messages
// through the current handlers, simulating broker redelivery.
func (m *Memory) Redeliver(ctx context.Context) {
	m.mu.Lock()
	rawHandler, uploadHandler := m.rawHandler, m.uploadHandler
	raw, uploads := m.rawQueue, m.uploadQueue
	m.rawQueue, m.uploadQueue = nil, nil
	m.mu.Unlock()

	for _, msg := range raw {
		if rawHandler == nil || rawHandler(ctx, msg) != nil {
			m.mu.Lock()
			m.rawQueue = append(m.rawQueue, msg)
			m.mu.Unlock()
		}
	}
	for _, msg := range uploads {
		if uploadHandler == nil || uploadHandler(ctx, msg) != nil {
			m.mu.Lock()
			m.uploadQueue = append(m.uploadQueue, msg)
			m.mu.Unlock()
		}
	}
}

// Pending reports how many messages are queued for redelivery.
func (m *Memory) Pending() (raw, uploads int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rawQueue), len(m.uploadQueue)
}
