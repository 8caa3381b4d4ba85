package discovery

import (
	"container/heap"
	"sync"
	"time"

	"github.com/leptonai/go-lepton/common"
)

type suspensionList struct {
	mu   sync.Mutex
	list map[string]time.Time
}

func newSuspensionList() *suspensionList {
	return &suspensionList{
		list: make(map[string]time.Time),
	}
}

func (l *suspensionList) suspend(addr string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.list[addr] = time.Now()
}

func (l *suspensionList) remove(addr string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.list, addr)
}

func (l *suspensionList) suspendedAt(addr string) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.list[addr]
}

func (l *suspensionList) isSuspended(addr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.list[addr]
	return ok
}

type suspension struct {
	worker *common.WorkerInfo
	time   time.Time
}

// priorityQueue orders suspensions by suspension time, most recent first.
type priorityQueue []*suspension

func (pq priorityQueue) Len() int { return len(pq) }

func (pq priorityQueue) Less(i, j int) bool {
	return pq[i].time.After(pq[j].time)
}

func (pq priorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
}

func (pq *priorityQueue) Push(x interface{}) {
	item := x.(*suspension)
	*pq = append(*pq, item)
}

func (pq *priorityQueue) Pop() interface{} {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // avoid memory leak
	*pq = old[0 : n-1]
	return item
}

func newPriorityQueue() *priorityQueue {
	pq := &priorityQueue{}
	heap.Init(pq)
	return pq
}
