package workers

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestWorkerPoolRunsJobs(t *testing.T) {
	wp := NewWorkerPool(4, 100)
	defer wp.Stop()

	var n atomic.Int32
	for i := 0; i < 50; i++ {
		assert.True(t, wp.AddJob(func() { n.Add(1) }))
	}
	wp.Wait()

	assert.Equal(t, int32(50), n.Load())
}

func TestWorkerPoolDropsWhenFull(t *testing.T) {
	wp := NewWorkerPool(1, 1)
	defer wp.Stop()

	block := make(chan struct{})
	started := make(chan struct{})
	assert.True(t, wp.AddJob(func() { close(started); <-block }))
	<-started

	assert.True(t, wp.AddJob(func() {}))
	assert.False(t, wp.AddJob(func() {}), "queue of one is already taken")

	close(block)
	wp.Wait()
}

func TestWorkerPoolRejectsAfterStop(t *testing.T) {
	wp := NewWorkerPool(2, 4)
	wp.Stop()
	wp.Stop()

	assert.False(t, wp.AddJob(func() {}))
}
