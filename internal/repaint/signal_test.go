package repaint

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSignal(t *testing.T) {
	t.Run("Requests coalesce", func(t *testing.T) {
		s := New()
		s.Request()
		s.Request()
		s.Request()

		assert.Equal(t, int64(3), s.Count())
		select {
		case <-s.C():
		default:
			t.Fatal("expected a pending repaint")
		}
		select {
		case <-s.C():
			t.Fatal("expected requests to coalesce")
		default:
		}
	})

	t.Run("Concurrent requests never block", func(t *testing.T) {
		s := New()
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.Request()
			}()
		}
		wg.Wait()
		assert.Equal(t, int64(50), s.Count())
		assert.Len(t, s.C(), 1)
	})
}
