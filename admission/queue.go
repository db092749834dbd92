package admission

import "errors"

// waiter is a queued Acquire call. index is its heap position, or -1 once
// it has been popped for a grant.
type waiter struct {
	req     Request
	arrival uint64
	index   int
	ch      chan *Token
}

// waitQueue is a container/heap ordered by priority, then arrival.
type waitQueue []*waiter

func (q waitQueue) Len() int { return len(q) }

func (q waitQueue) Less(i, j int) bool {
	if q[i].req.Priority != q[j].req.Priority {
		return q[i].req.Priority > q[j].req.Priority
	}
	return q[i].arrival < q[j].arrival
}

func (q waitQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *waitQueue) Push(x any) {
	w := x.(*waiter)
	w.index = len(*q)
	*q = append(*q, w)
}

func (q *waitQueue) Pop() any {
	old := *q
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*q = old[:n-1]
	return w
}

func isRejected(err error) bool { return errors.Is(err, ErrRejected) }
