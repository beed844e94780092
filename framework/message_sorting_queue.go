package framework

import (
	"sort"
	"sync"
)

// MessageSortingQueue puts numbered messages back into order. Counters start at 1. A message
// that arrives ahead of its predecessors is held until the gap is filled; a counter that was
// already delivered is dropped, since it can only be a retried request.
type MessageSortingQueue struct {
	C           chan []byte
	lastCounter int
	deferred    []deferredMessage
	closed      bool
	lock        sync.Mutex
}

type deferredMessage struct {
	counter int
	message []byte
}

func NewMessageSortingQueue(channelSize int) *MessageSortingQueue {
	return &MessageSortingQueue{C: make(chan []byte, channelSize)}
}

// Accept adds a message. It returns false if the message was a duplicate or the queue was
// already closed.
func (q *MessageSortingQueue) Accept(counter int, message []byte) bool {
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.closed || counter <= q.lastCounter {
		return false
	}
	if counter > q.lastCounter+1 {
		for _, d := range q.deferred {
			if d.counter == counter {
				return false
			}
		}
		q.deferred = append(q.deferred, deferredMessage{counter: counter, message: message})
		sort.Slice(q.deferred, func(i, j int) bool { return q.deferred[i].counter < q.deferred[j].counter })
		return true
	}
	q.lastCounter = counter
	q.C <- message
	for len(q.deferred) > 0 {
		next := q.deferred[0]
		if next.counter != q.lastCounter+1 {
			break
		}
		q.deferred = q.deferred[1:]
		q.lastCounter++
		q.C <- next.message
	}
	return true
}

func (q *MessageSortingQueue) Deferred() [][]byte {
	q.lock.Lock()
	ret := make([][]byte, 0, len(q.deferred))
	for _, d := range q.deferred {
		ret = append(ret, d.message)
	}
	q.lock.Unlock()
	return ret
}

func (q *MessageSortingQueue) Close() {
	q.lock.Lock()
	if !q.closed {
		q.closed = true
		close(q.C)
	}
	q.lock.Unlock()
}
