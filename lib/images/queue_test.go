package images

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildQueueStartsWithinLimit(t *testing.T) {
	q := newBuildQueue(1)

	started := make(chan string, 2)
	release := make(chan struct{})

	pos := q.enqueue("img-a", func() {
		started <- "img-a"
		<-release
	})
	assert.Equal(t, 0, pos)

	select {
	case id := <-started:
		assert.Equal(t, "img-a", id)
	case <-time.After(time.Second):
		t.Fatal("first build never started")
	}

	pos = q.enqueue("img-b", func() {
		started <- "img-b"
	})
	assert.Equal(t, 1, pos)
	assert.True(t, q.isActive("img-b"))
	require.NotNil(t, q.position("img-b"))
	assert.Equal(t, 1, *q.position("img-b"))

	close(release)
	q.markComplete("img-a")

	select {
	case id := <-started:
		assert.Equal(t, "img-b", id)
	case <-time.After(time.Second):
		t.Fatal("queued build never started")
	}

	q.markComplete("img-b")
	assert.Equal(t, 0, q.activeCount())
	assert.Equal(t, 0, q.pendingCount())
}

func TestBuildQueuePositionNilForRunning(t *testing.T) {
	q := newBuildQueue(2)

	done := make(chan struct{})
	q.enqueue("img-a", func() { <-done })

	assert.True(t, q.isActive("img-a"))
	assert.Nil(t, q.position("img-a"))
	assert.False(t, q.isActive("img-x"))

	close(done)
	q.markComplete("img-a")
}
