package shutdown

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSignalFiresOnce(t *testing.T) {
	sig := New()
	assert.False(t, sig.Fired())

	select {
	case <-sig.Done():
		t.Fatal("Done channel closed before Trigger")
	default:
	}

	sig.Trigger()
	assert.True(t, sig.Fired())

	select {
	case <-sig.Done():
	default:
		t.Fatal("Done channel not closed after Trigger")
	}
}

func TestSignalTriggerIsIdempotent(t *testing.T) {
	sig := New()
	assert.NotPanics(t, func() {
		sig.Trigger()
		sig.Trigger()
		sig.Trigger()
	})
}

func TestSignalConcurrentTrigger(t *testing.T) {
	sig := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sig.Trigger()
		}()
	}
	wg.Wait()
	assert.True(t, sig.Fired())
}

func TestMultipleReceiversAllObserveDone(t *testing.T) {
	sig := New()
	var wg sync.WaitGroup
	results := make([]bool, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-sig.Done()
			results[i] = true
		}(i)
	}
	sig.Trigger()
	wg.Wait()
	for i, ok := range results {
		assert.True(t, ok, "receiver %d did not observe Done", i)
	}
}
