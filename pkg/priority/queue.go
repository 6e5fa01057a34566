package priority

import (
	"sync/atomic"
	"time"
)

type Stats struct {
	HighPush int64
	LowPush  int64
	HighPop  int64
	LowPop   int64
}

// Queue is a two-band queue. High-band items (control frames) preempt
// low-band items (media frames); fairness keeps the low band from starving.
type Queue[T any] interface {
	TryPushHigh(v T) bool
	TryPushLow(v T) bool
	Pop() (T, bool)
	Stats() Stats
}

type PriorityQueue[T any] struct {
	high     chan T
	low      chan T
	fairness int
	highPush int64
	lowPush  int64
	highPop  int64
	lowPop   int64
}

func New[T any](highCap, lowCap, fairness int) *PriorityQueue[T] {
	if fairness <= 0 {
		fairness = 3
	}
	return &PriorityQueue[T]{
		high:     make(chan T, highCap),
		low:      make(chan T, lowCap),
		fairness: fairness,
	}
}

func (q *PriorityQueue[T]) TryPushHigh(v T) bool {
	select {
	case q.high <- v:
		atomic.AddInt64(&q.highPush, 1)
		return true
	default:
		return false
	}
}

func (q *PriorityQueue[T]) TryPushLow(v T) bool {
	select {
	case q.low <- v:
		atomic.AddInt64(&q.lowPush, 1)
		return true
	default:
		return false
	}
}

func (q *PriorityQueue[T]) Pop() (T, bool) {
	for {
		select {
		case v := <-q.high:
			atomic.AddInt64(&q.highPop, 1)
			return v, true
		default:
		}
		select {
		case v := <-q.low:
			atomic.AddInt64(&q.lowPop, 1)
			return v, true
		default:
		}
		time.Sleep(time.Millisecond)
	}
}

func (q *PriorityQueue[T]) Stats() Stats {
	return Stats{
		HighPush: atomic.LoadInt64(&q.highPush),
		LowPush:  atomic.LoadInt64(&q.lowPush),
		HighPop:  atomic.LoadInt64(&q.highPop),
		LowPop:   atomic.LoadInt64(&q.lowPop),
	}
}
