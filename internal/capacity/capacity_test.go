package capacity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeSource struct {
	count int
	err   error
	calls int
}

func (f *fakeSource) InstanceCount(ctx context.Context, endpointName string) (int, error) {
	f.calls++
	return f.count, f.err
}

func TestGetMaxRegions_CachesWithinTTL(t *testing.T) {
	src := &fakeSource{count: 4}
	lookup := NewLookup(src)
	now := time.Now()

	assert.Equal(t, 4, lookup.GetMaxRegions(context.Background(), now, "ep-1"))
	assert.Equal(t, 4, lookup.GetMaxRegions(context.Background(), now.Add(30*time.Second), "ep-1"))
	assert.Equal(t, 1, src.calls)
}

func TestGetMaxRegions_RefetchesAfterTTL(t *testing.T) {
	src := &fakeSource{count: 4}
	lookup := NewLookup(src)
	now := time.Now()

	lookup.GetMaxRegions(context.Background(), now, "ep-1")
	lookup.GetMaxRegions(context.Background(), now.Add(61*time.Second), "ep-1")
	assert.Equal(t, 2, src.calls)
}

func TestGetMaxRegions_FallsBackToOneOnError(t *testing.T) {
	src := &fakeSource{err: errors.New("describe failed")}
	lookup := NewLookup(src)

	assert.Equal(t, 1, lookup.GetMaxRegions(context.Background(), time.Now(), "ep-1"))
}
