package core

import "sync"

// MockWriter is a thread-safe io.Writer for testing.
type MockWriter struct {
	mu   sync.Mutex
	data []byte
}

func (w *MockWriter) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.data = append(w.data, p...)
	return len(p), nil
}

func (w *MockWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return string(w.data)
}

// MockErrorHandler records everything it is handed.
type MockErrorHandler struct {
	mu       sync.Mutex
	errors   []error
	messages []string
}

func (h *MockErrorHandler) HandleError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errors = append(h.errors, err)
}

func (h *MockErrorHandler) HandleErrorMessage(msg string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, msg)
}

// Errors returns a copy of the errors handled so far.
func (h *MockErrorHandler) Errors() []error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]error(nil), h.errors...)
}

// Messages returns a copy of the messages handled so far.
func (h *MockErrorHandler) Messages() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.messages...)
}
