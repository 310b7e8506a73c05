package transfer

type lane int

const (
	laneHigh lane = iota
	laneNormal
	laneLow
	laneCount
)

func laneFor(p Priority) lane {
	switch {
	case p > PriorityNormal:
		return laneHigh
	case p < PriorityNormal:
		return laneLow
	default:
		return laneNormal
	}
}

// queue holds the FIFO lanes of waiting transfers and the number of
// transfers executing from each lane.
//
// The high lane runs without a concurrency limit. Normal and low share
// maxParallel slots. Normal work is admitted first and low work is admitted
// only while no normal work is waiting or executing. Executing work is never
// preempted.
type queue struct {
	maxParallel int
	lanes       [laneCount][]string
	executing   [laneCount]int
}

func newQueue(maxParallel int) *queue {
	if maxParallel <= 0 {
		maxParallel = 1
	}

	return &queue{maxParallel: maxParallel}
}

func (q *queue) push(l lane, id string) {
	q.lanes[l] = append(q.lanes[l], id)
}

// pushFront puts id ahead of the lane, used for transfers that already started.
func (q *queue) pushFront(l lane, id string) {
	q.lanes[l] = append([]string{id}, q.lanes[l]...)
}

// remove drops a waiting transfer. It reports whether id was queued.
func (q *queue) remove(id string) bool {
	for l := range q.lanes {
		for i, queued := range q.lanes[l] {
			if queued == id {
				q.lanes[l] = append(q.lanes[l][:i], q.lanes[l][i+1:]...)

				return true
			}
		}
	}

	return false
}

func (q *queue) acquire(l lane) {
	q.executing[l]++
}

func (q *queue) release(l lane) {
	if q.executing[l] > 0 {
		q.executing[l]--
	}
}

// next pops the transfer to admit and takes its slot.
func (q *queue) next() (string, lane, bool) {
	if len(q.lanes[laneHigh]) > 0 {
		return q.pop(laneHigh), laneHigh, true
	}

	if q.executing[laneNormal]+q.executing[laneLow] >= q.maxParallel {
		return "", 0, false
	}

	if len(q.lanes[laneNormal]) > 0 {
		return q.pop(laneNormal), laneNormal, true
	}

	if len(q.lanes[laneLow]) > 0 && q.executing[laneNormal] == 0 {
		return q.pop(laneLow), laneLow, true
	}

	return "", 0, false
}

func (q *queue) pop(l lane) string {
	id := q.lanes[l][0]
	q.lanes[l] = q.lanes[l][1:]
	q.acquire(l)

	return id
}

// waiting counts the transfers queued in all lanes.
func (q *queue) waiting() int {
	n := 0
	for _, ids := range q.lanes {
		n += len(ids)
	}

	return n
}
