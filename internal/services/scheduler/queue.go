package scheduler

import "sort"

// eventQueue is a min-heap on (FireAt, seq); seq keeps events scheduled for
// the same instant in scheduling order.
type eventQueue []*Event

func (q eventQueue) Len() int { return len(q) }

func (q eventQueue) Less(i, j int) bool {
	if q[i].FireAt.Equal(q[j].FireAt) {
		return q[i].seq < q[j].seq
	}
	return q[i].FireAt.Before(q[j].FireAt)
}

func (q eventQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *eventQueue) Push(x any) {
	ev := x.(*Event)
	ev.index = len(*q)
	*q = append(*q, ev)
}

func (q *eventQueue) Pop() any {
	old := *q
	n := len(old)
	ev := old[n-1]
	old[n-1] = nil
	ev.index = -1
	*q = old[:n-1]
	return ev
}

func sortEvents(evs []Event) {
	sort.Slice(evs, func(i, j int) bool {
		if evs[i].FireAt.Equal(evs[j].FireAt) {
			return evs[i].seq < evs[j].seq
		}
		return evs[i].FireAt.Before(evs[j].FireAt)
	})
}
