package hlog

import (
	"testing"

	assertion "github.com/stretchr/testify/assert"

	"github.com/Revolution1/hlog/config"
	"github.com/Revolution1/hlog/device"
	"github.com/Revolution1/hlog/pagehandler"
	"github.com/Revolution1/hlog/record"
)

func newTestStore(t *testing.T, cfg config.Config, handler pagehandler.Handler) *Store {
	a, err := NewAllocator(cfg, device.NewMemDevice(cfg.SectorSize), device.NewMemDevice(cfg.SectorSize), handler)
	assertion.New(t).NoError(err)
	return &Store{Allocator: a}
}

func TestPutGetRoundTripBlittable(t *testing.T) {
	assert := assertion.New(t)
	cfg := config.DefaultConfig()
	cfg.PageSize = 4096
	cfg.BufferSize = 4
	cfg.SectorSize = 512
	s := newTestStore(t, cfg, pagehandler.NewBlittableHandler(8, 8))

	addr, err := s.Put(cfg, []byte("keyaaaaa"), []byte("valueaaa"))
	assert.NoError(err)

	key, value, err := s.Get(cfg, addr)
	assert.NoError(err)
	assert.Equal([]byte("keyaaaaa"), key)
	assert.Equal([]byte("valueaaa"), value)
}

func TestPutGetRoundTripObjectHandler(t *testing.T) {
	assert := assertion.New(t)
	cfg := config.DefaultConfig()
	cfg.PageSize = 4096
	cfg.BufferSize = 4
	cfg.SectorSize = 512
	cfg.PagesPerSegment = 8
	cfg.UseObjectLog = true
	s := newTestStore(t, cfg, pagehandler.NewObjectHandler(8, 7, config.CompressionNone))

	big := []byte("a value that is well beyond the seven byte inline threshold")
	addr, err := s.Put(cfg, []byte("keyaaaaa"), big)
	assert.NoError(err)

	key, value, err := s.Get(cfg, addr)
	assert.NoError(err)
	assert.Equal([]byte("keyaaaaa"), key)
	assert.Equal(big, value)
}

func TestPutRejectsWrongKeySize(t *testing.T) {
	assert := assertion.New(t)
	cfg := config.DefaultConfig()
	cfg.PageSize = 4096
	cfg.BufferSize = 4
	cfg.SectorSize = 512
	s := newTestStore(t, cfg, pagehandler.NewBlittableHandler(8, 8))

	_, err := s.Put(cfg, []byte("short"), []byte("valueaaa"))
	assert.Equal(ErrKeySize, err)
}

func TestDeleteWritesTombstone(t *testing.T) {
	assert := assertion.New(t)
	cfg := config.DefaultConfig()
	cfg.PageSize = 4096
	cfg.BufferSize = 4
	cfg.SectorSize = 512
	s := newTestStore(t, cfg, pagehandler.NewBlittableHandler(8, 8))

	addr, err := s.Delete(cfg, []byte("keyaaaaa"))
	assert.NoError(err)

	rec := s.Allocator.PhysicalSlice(addr)
	info := record.Header(rec, 0)
	assert.True(info.Tombstone())
}

func TestPutSetsChecksumWhenConfigured(t *testing.T) {
	assert := assertion.New(t)
	cfg := config.DefaultConfig()
	cfg.PageSize = 4096
	cfg.BufferSize = 4
	cfg.SectorSize = 512
	cfg.VerifyChecksums = true
	s := newTestStore(t, cfg, pagehandler.NewBlittableHandler(8, 8))

	addr, err := s.Put(cfg, []byte("keyaaaaa"), []byte("valueaaa"))
	assert.NoError(err)

	l := s.Allocator.Handler().Layout()
	rec := s.Allocator.PhysicalSlice(addr)[:l.Size()]
	assert.Equal(checksumRecord(rec), record.Header(rec, 0).Checksum())

	_, _, err = s.Get(cfg, addr)
	assert.NoError(err)
}
