package session

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var hexID = regexp.MustCompile(`^[0-9a-f]{64}$`)

func TestCreateGeneratesHexDigestIDs(t *testing.T) {
	st := NewStore(time.Minute)

	a := st.Create()
	b := st.Create()

	assert.Regexp(t, hexID, a.ID())
	assert.Regexp(t, hexID, b.ID())
	assert.NotEqual(t, a.ID(), b.ID())
	assert.Equal(t, 2, st.Len())
}

func TestGetByIDReturnsLiveSession(t *testing.T) {
	st := NewStore(time.Minute)
	s := st.Create()
	s.Set("user", "alice")

	got := st.GetByID(s.ID())
	require.NotNil(t, got)
	v, ok := got.Get("user")
	assert.True(t, ok)
	assert.Equal(t, "alice", v)
}

func TestGetByIDUnknown(t *testing.T) {
	st := NewStore(time.Minute)
	assert.Nil(t, st.GetByID("missing"))
}

func TestExpiredSessionEvictedOnAccess(t *testing.T) {
	st := NewStore(10 * time.Millisecond)
	s := st.Create()

	time.Sleep(30 * time.Millisecond)

	assert.Nil(t, st.GetByID(s.ID()))
	assert.Equal(t, 0, st.Len())
}

func TestAccessRefreshesExpiry(t *testing.T) {
	st := NewStore(50 * time.Millisecond)
	s := st.Create()

	for i := 0; i < 4; i++ {
		time.Sleep(20 * time.Millisecond)
		require.NotNil(t, st.GetByID(s.ID()))
	}
}

func TestInvalidate(t *testing.T) {
	st := NewStore(time.Minute)
	s := st.Create()

	st.Invalidate(s.ID())
	assert.Nil(t, st.GetByID(s.ID()))
}

func TestSweepRemovesOnlyExpired(t *testing.T) {
	st := NewStore(20 * time.Millisecond)
	old := st.Create()
	time.Sleep(40 * time.Millisecond)
	fresh := st.Create()

	removed := st.Sweep()

	assert.Equal(t, 1, removed)
	assert.Nil(t, st.GetByID(old.ID()))
	assert.NotNil(t, st.GetByID(fresh.ID()))
}

func TestConcurrentSetGet(t *testing.T) {
	st := NewStore(time.Minute)
	s := st.Create()

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 100; j++ {
				s.Set("k", "v")
				_, _ = s.Get("k")
			}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
	v, ok := s.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "v", v)
}
