package device

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	assertion "github.com/stretchr/testify/assert"
)

func TestFileDeviceDenseWriteReadRoundTrip(t *testing.T) {
	assert := assertion.New(t)
	d, err := NewFileDevice(t.TempDir(), "log", 512)
	assert.NoError(err)
	defer d.Close()

	payload := make([]byte, 512)
	copy(payload, "aligned sector payload")
	assert.Equal(0, syncWrite(d, payload, 512))

	dst := make([]byte, 512)
	assert.Equal(0, syncRead(d, 512, dst))
	assert.Equal(payload, dst)
}

func TestFileDeviceSegmentFilesAreSeparate(t *testing.T) {
	assert := assertion.New(t)
	d, err := NewFileDevice(t.TempDir(), "objects", 512)
	assert.NoError(err)
	defer d.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	d.WriteSegmentAsync(0, 0, []byte("segment zero"), func(code int, _ int64, _ interface{}) {
		assert.Equal(0, code)
		wg.Done()
	}, nil)
	d.WriteSegmentAsync(1, 0, []byte("segment one!"), func(code int, _ int64, _ interface{}) {
		assert.Equal(0, code)
		wg.Done()
	}, nil)
	wg.Wait()

	dst0 := make([]byte, len("segment zero"))
	dst1 := make([]byte, len("segment one!"))
	wg.Add(2)
	d.ReadSegmentAsync(0, 0, dst0, len(dst0), func(int, int64, interface{}) { wg.Done() }, nil)
	d.ReadSegmentAsync(1, 0, dst1, len(dst1), func(int, int64, interface{}) { wg.Done() }, nil)
	wg.Wait()
	assert.Equal("segment zero", string(dst0))
	assert.Equal("segment one!", string(dst1))
}

func TestFileDeviceDeleteSegmentRangeRemovesFiles(t *testing.T) {
	assert := assertion.New(t)
	dir := t.TempDir()
	d, err := NewFileDevice(dir, "objects", 512)
	assert.NoError(err)
	defer d.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	d.WriteSegmentAsync(5, 0, []byte("x"), func(int, int64, interface{}) { wg.Done() }, nil)
	wg.Wait()

	assert.NoError(d.DeleteSegmentRange(5, 6))
	_, statErr := os.Stat(filepath.Join(dir, "objects.5"))
	assert.True(os.IsNotExist(statErr))
	_, err = d.segmentFile(5)
	assert.NoError(err, "segmentFile recreates the file after deletion, it does not error")
}

func TestFileDeviceCloseRejectsFurtherSegmentOpens(t *testing.T) {
	assert := assertion.New(t)
	d, err := NewFileDevice(t.TempDir(), "objects", 512)
	assert.NoError(err)
	assert.NoError(d.Close())

	_, err = d.segmentFile(0)
	assert.Equal(ErrDeviceClosed, err)
}
