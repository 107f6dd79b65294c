package live

import (
	"image"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petguard/edge-recorder/internal/video"
)

func frame() *video.Frame {
	return video.NewFrame(image.NewRGBA(image.Rect(0, 0, 8, 8)), "test", time.Now())
}

func TestPublisher_LastWriteWins(t *testing.T) {
	p := NewPublisher()
	assert.Nil(t, p.Latest())

	first := &Snapshot{Raw: frame()}
	second := &Snapshot{Raw: frame(), Recording: true}
	p.Publish(first)
	p.Publish(second)

	got := p.Latest()
	assert.Same(t, second, got)
	assert.Equal(t, uint64(2), got.Seq)
	assert.False(t, got.At.IsZero())
}

func TestPublisher_ConcurrentReaders(t *testing.T) {
	p := NewPublisher()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var last uint64
			for j := 0; j < 1000; j++ {
				if s := p.Latest(); s != nil {
					assert.GreaterOrEqual(t, s.Seq, last)
					last = s.Seq
				}
			}
		}()
	}
	for i := 0; i < 1000; i++ {
		p.Publish(&Snapshot{Raw: frame()})
	}
	wg.Wait()
	assert.Equal(t, uint64(1000), p.Latest().Seq)
}

func TestSnapshot_AnnotatedJPEG(t *testing.T) {
	s := &Snapshot{Raw: frame()}
	data, err := s.AnnotatedJPEG(75)
	require.NoError(t, err)
	require.NotEmpty(t, data)

	again, err := s.AnnotatedJPEG(10)
	require.NoError(t, err)
	assert.Equal(t, &data[0], &again[0], "encoding is cached")
}
