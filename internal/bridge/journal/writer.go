package journal

import (
	"context"
	"sync"
)

const defaultBufferSize = 1000

// Writer provides non-blocking journal persistence with a buffered channel.
// Entries are dropped rather than ever stalling call processing.
type Writer struct {
	store *Store
	ch    chan Entry
	wg    sync.WaitGroup
	done  chan struct{}
	once  sync.Once
}

// NewWriter creates an async writer over the given store and starts its
// background goroutine.
func NewWriter(store *Store) *Writer {
	w := &Writer{
		store: store,
		ch:    make(chan Entry, defaultBufferSize),
		done:  make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

// Record queues an entry for persistence. It reports false when the entry
// was dropped, either because the buffer is full or the writer is closed.
// Safe to call concurrently with Close: shutdown is signalled through done
// and the entry channel is never closed, so a racing send cannot panic.
func (w *Writer) Record(e Entry) bool {
	select {
	case <-w.done:
		return false
	default:
	}
	select {
	case w.ch <- e:
		return true
	default:
		return false
	}
}

func (w *Writer) run() {
	defer w.wg.Done()
	for {
		select {
		case e := <-w.ch:
			// Best effort insert, ignore errors
			_ = w.store.Insert(context.Background(), e)
		case <-w.done:
			// Drain remaining entries
			for {
				select {
				case e := <-w.ch:
					_ = w.store.Insert(context.Background(), e)
				default:
					return
				}
			}
		}
	}
}

// Close drains the buffer, stops the writer, and closes the store.
func (w *Writer) Close() error {
	w.once.Do(func() {
		close(w.done)
		w.wg.Wait()
	})
	return w.store.Close()
}
