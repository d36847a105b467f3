// Package queue provides the FIFO used to hold transactions waiting for admission.
package queue

// Queue is a first-in first-out container. Implementations are not safe for concurrent use.
type Queue[T any] interface {
	// Enqueue adds an item to the tail of the queue.
	Enqueue(item T)
	// Dequeue removes and returns the item at the head of the queue.
	// ok is false when the queue is empty.
	Dequeue() (item T, ok bool)
	// Peek returns the item at the head of the queue without removing it.
	Peek() (item T, ok bool)
	// Drain removes every item and returns them in FIFO order.
	Drain() []T
	// IsEmpty returns true if the queue is empty.
	IsEmpty() bool
	// Length returns the number of items in the queue.
	Length() int
}
