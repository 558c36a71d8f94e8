package images

import "sync"

// queuedBuild is a build waiting for a slot.
type queuedBuild struct {
	imageID string
	startFn func()
}

// buildQueue bounds the number of concurrent image builds.
type buildQueue struct {
	maxConcurrent int
	active        map[string]bool
	pending       []queuedBuild
	mu            sync.Mutex
}

func newBuildQueue(maxConcurrent int) *buildQueue {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &buildQueue{
		maxConcurrent: maxConcurrent,
		active:        make(map[string]bool),
	}
}

// enqueue registers a build. Returns 0 if it starts immediately, otherwise
// the 1-based queue position.
func (q *buildQueue) enqueue(imageID string, startFn func()) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.active) < q.maxConcurrent {
		q.active[imageID] = true
		go startFn()
		return 0
	}

	q.pending = append(q.pending, queuedBuild{imageID: imageID, startFn: startFn})
	return len(q.pending)
}

// markComplete frees a slot and starts the next queued build, if any.
func (q *buildQueue) markComplete(imageID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.active, imageID)

	if len(q.pending) > 0 && len(q.active) < q.maxConcurrent {
		next := q.pending[0]
		q.pending = q.pending[1:]
		q.active[next.imageID] = true
		go next.startFn()
	}
}

// isActive reports whether a build currently holds a slot or a queue spot.
func (q *buildQueue) isActive(imageID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.active[imageID] {
		return true
	}
	for _, b := range q.pending {
		if b.imageID == imageID {
			return true
		}
	}
	return false
}

// position returns the 1-based queue position, or nil if not queued.
func (q *buildQueue) position(imageID string) *int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.active[imageID] {
		return nil
	}
	for i, b := range q.pending {
		if b.imageID == imageID {
			pos := i + 1
			return &pos
		}
	}
	return nil
}

func (q *buildQueue) activeCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.active)
}

func (q *buildQueue) pendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
