package book

import "sync"

// Registry maps symbols to their books, creating them lazily. Books carry
// their own locks; the registry lock guards only the map and is never held
// during a book call.
type Registry struct {
	mu    sync.RWMutex
	books map[string]*Book
}

func NewRegistry() *Registry {
	return &Registry{books: make(map[string]*Book)}
}

// Get returns the book for symbol, creating it on first use.
func (r *Registry) Get(symbol string) *Book {
	r.mu.RLock()
	b, ok := r.books[symbol]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.books[symbol]; ok {
		return b
	}
	b = New(symbol)
	r.books[symbol] = b
	return b
}

// Lookup returns the book for symbol without creating one.
func (r *Registry) Lookup(symbol string) (*Book, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.books[symbol]
	return b, ok
}

// Symbols returns the symbols with a live book.
func (r *Registry) Symbols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.books))
	for s := range r.books {
		out = append(out, s)
	}
	return out
}

// CancelAnywhere cancels an order id in whichever book holds it.
func (r *Registry) CancelAnywhere(orderID string) bool {
	r.mu.RLock()
	books := make([]*Book, 0, len(r.books))
	for _, b := range r.books {
		books = append(books, b)
	}
	r.mu.RUnlock()

	for _, b := range books {
		if b.Cancel(orderID) {
			return true
		}
	}
	return false
}
