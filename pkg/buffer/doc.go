// Package buffer provides a thread-safe, growable FIFO buffer.
//
// Producers Add elements from any goroutine. A single consumer polls with
// TryNext, which suits a consumer that must stay on one thread and drain
// on a timer. CloseWrite lets the consumer drain what is left before
// TryNext reports ErrIteratorDone.
//
// Example usage:
//
//	q := buffer.N[string](16)
//	q.Add("first")
//
//	if s, ok, err := q.TryNext(); ok {
//		// use s
//	}
//
//	q.CloseWrite()
package buffer
