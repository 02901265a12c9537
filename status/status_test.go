package status

import (
	"testing"

	assertion "github.com/stretchr/testify/assert"
)

func TestPackUnpack(t *testing.T) {
	assert := assertion.New(t)
	p := Pack(FlushInProgress, Closed)
	assert.Equal(FlushInProgress, p.Flush())
	assert.Equal(Closed, p.Close())
	assert.False(p.ReusableEmpty())

	p = Pack(Flushed, Closed)
	assert.False(p.ReusableEmpty(), "Closed but not yet cleared must not be reusable")

	p = Pack(Flushed, Cleared)
	assert.True(p.ReusableEmpty())
}

func TestBeginCompleteFlush(t *testing.T) {
	assert := assertion.New(t)
	w := NewWord(Pack(Flushed, Open))
	assert.True(w.BeginFlush())
	assert.False(w.BeginFlush(), "flush already in progress")

	closeSeen := w.CompleteFlush()
	assert.Equal(Open, closeSeen)
	assert.Equal(Flushed, w.Load().Flush())
}

func TestPublishClearedIsRequiredForReusableEmpty(t *testing.T) {
	assert := assertion.New(t)
	w := NewWord(Pack(Flushed, Open))
	flushSeen := w.RequestClose()
	assert.Equal(Flushed, flushSeen)
	assert.Equal(Closed, w.Load().Close())
	assert.False(w.Load().ReusableEmpty(), "Closed but not yet cleared must not be reusable")

	w.PublishCleared()
	assert.True(w.Load().ReusableEmpty())
}

func TestRequestCloseSeesFlushed(t *testing.T) {
	assert := assertion.New(t)
	w := NewWord(Pack(Flushed, Open))
	flushSeen := w.RequestClose()
	assert.Equal(Flushed, flushSeen)
	assert.Equal(Closed, w.Load().Close())
}

func TestCloseDuringFlushHandsOffToCompleter(t *testing.T) {
	assert := assertion.New(t)
	w := NewWord(Pack(Flushed, Open))
	assert.True(w.BeginFlush())

	// Close races in while a flush is in progress: the closer observes
	// InProgress and must not clear the page itself.
	flushSeen := w.RequestClose()
	assert.Equal(FlushInProgress, flushSeen)

	// The flush completer then observes Closed and is responsible for
	// clearing the page. ReusableEmpty must stay false until it actually
	// finishes and calls PublishCleared.
	closeSeen := w.CompleteFlush()
	assert.Equal(Closed, closeSeen)
	assert.False(w.Load().ReusableEmpty())

	w.PublishCleared()
	assert.True(w.Load().ReusableEmpty())
}
