package ringbuf

import (
	"testing"

	assertion "github.com/stretchr/testify/assert"

	"github.com/Revolution1/hlog/address"
	"github.com/Revolution1/hlog/config"
	"github.com/Revolution1/hlog/pagehandler"
	"github.com/Revolution1/hlog/status"
)

func testLayout(t *testing.T) address.Layout {
	l, err := address.NewLayout(4096, 4)
	assertion.New(t).NoError(err)
	return l
}

func TestAllocatePageAlignsBuffer(t *testing.T) {
	assert := assertion.New(t)
	b := New(testLayout(t), 512)
	slot := b.AllocatePage(0, 7)
	assert.Len(slot.Page(), 4096)
	assert.Equal(uint64(0), uint64(slot.AlignedPointer())%512)
	assert.Equal(uint64(7), slot.PageNumber)
	assert.True(slot.Status.Load().ReusableEmpty())
}

func TestSlotForAddressTranslatesToCorrectSlot(t *testing.T) {
	assert := assertion.New(t)
	layout := testLayout(t)
	b := New(layout, 512)
	b.AllocatePage(0, 0)
	b.AllocatePage(1, 1)

	addr := layout.AddressOfPage(1) + 10
	assert.Equal(uint64(10), b.PhysicalOffset(addr))
	assert.Same(b.Slot(1), b.SlotForAddress(addr))
}

func TestClearPageZeroesEntireSlot(t *testing.T) {
	assert := assertion.New(t)
	b := New(testLayout(t), 512)
	slot := b.AllocatePage(0, 0)
	page := slot.Page()
	for i := range page {
		page[i] = 0xAB
	}

	b.ClearPage(0, true, nil)
	for _, v := range page {
		assert.Equal(byte(0), v)
	}
}

// recordingHandler wraps a real ObjectHandler so ClearPage's [start, end)
// arguments can be observed, while still satisfying the full
// pagehandler.Handler interface Buffer.ClearPage requires.
type recordingHandler struct {
	*pagehandler.ObjectHandler
	called     bool
	start, end int
}

func (h *recordingHandler) ClearPage(page []byte, start, end int) {
	h.called = true
	h.start = start
	h.end = end
	h.ObjectHandler.ClearPage(page, start, end)
}

func TestClearPageCallsHandlerClearPageWithReservedPrefixSkippedOnPageZero(t *testing.T) {
	assert := assertion.New(t)
	b := New(testLayout(t), 512)
	slot := b.AllocatePage(0, 0)
	page := slot.Page()

	h := &recordingHandler{ObjectHandler: pagehandler.NewObjectHandler(8, 7, config.CompressionNone)}
	b.ClearPage(0, true, h)
	assert.True(h.called)
	assert.Equal(int(address.FirstValidAddress), h.start)
	assert.Equal(len(page), h.end)
}

func TestClearPageCallsHandlerClearPageFromZeroOnNonZeroPage(t *testing.T) {
	assert := assertion.New(t)
	b := New(testLayout(t), 512)
	slot := b.AllocatePage(1, 5)
	page := slot.Page()

	h := &recordingHandler{ObjectHandler: pagehandler.NewObjectHandler(8, 7, config.CompressionNone)}
	b.ClearPage(1, false, h)
	assert.True(h.called)
	assert.Equal(0, h.start)
	assert.Equal(len(page), h.end)
}

func TestClosedSlotIsNotReusableUntilPublishCleared(t *testing.T) {
	assert := assertion.New(t)
	b := New(testLayout(t), 512)
	slot := b.AllocatePage(0, 0)
	assert.True(slot.Status.Load().ReusableEmpty())
	slot.Status.Store(status.Pack(status.Flushed, status.Open))

	flushSeen := slot.Status.RequestClose()
	assert.Equal(status.Flushed, flushSeen)
	assert.False(slot.Status.Load().ReusableEmpty(), "Closed but not yet cleared must not be reusable")

	b.ClearPage(0, true, nil)
	slot.Status.PublishCleared()
	assert.True(slot.Status.Load().ReusableEmpty())
}
