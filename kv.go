package hlog

import (
	"github.com/pkg/errors"

	"github.com/Revolution1/hlog/config"
	"github.com/Revolution1/hlog/record"
)

// ErrKeySize is returned by Put when key does not match the configured
// handler's fixed key size.
var ErrKeySize = errors.New("hlog: key size does not match handler layout")

// Put writes a key/value pair as one fixed-layout record: it allocates
// space for the record, encodes the value through the store's page
// handler (inlining it or registering it in the live object table), sets
// a CRC32C checksum when cfg requests one, and publishes the record as
// valid last. It returns the logical address the record was written at.
//
// This replaces the teacher's kv.go KVPair, whose varint-length,
// previous-key-prefix-compressed wire format assumed records arrive in
// sorted key order within a page -- an assumption this allocator's
// fixed-slot, arbitrary-order page layout does not make.
func (s *Store) Put(cfg config.Config, key, value []byte) (uint64, error) {
	a := s.Allocator
	l := a.Handler().Layout()
	if len(key) != l.KeySize {
		return 0, ErrKeySize
	}

	addr, err := a.Allocate(l.Size())
	if err != nil {
		return 0, err
	}
	page := a.PhysicalSlice(addr)
	rec := page[:l.Size()]

	inline, err := a.Handler().EncodeValue(record.Value(rec, 0, l), value)
	if err != nil {
		return 0, err
	}
	copy(record.Key(rec, 0, l), key)

	info := record.NewRecordInfo(0).WithInline(inline).WithValid(true)
	if cfg.VerifyChecksums {
		info = info.WithChecksum(checksumRecord(rec))
	}
	record.SetHeader(rec, 0, info)
	return addr, nil
}

// Delete writes a tombstone record for key, following the same encoding
// path as Put with an empty value and the tombstone bit set.
func (s *Store) Delete(cfg config.Config, key []byte) (uint64, error) {
	a := s.Allocator
	l := a.Handler().Layout()
	if len(key) != l.KeySize {
		return 0, ErrKeySize
	}
	addr, err := a.Allocate(l.Size())
	if err != nil {
		return 0, err
	}
	page := a.PhysicalSlice(addr)
	rec := page[:l.Size()]

	tombstoneValue := make([]byte, l.ValueSize)
	if a.Handler().ValueHasObjects() {
		tombstoneValue = nil
	}
	inline, err := a.Handler().EncodeValue(record.Value(rec, 0, l), tombstoneValue)
	if err != nil {
		return 0, err
	}
	copy(record.Key(rec, 0, l), key)

	info := record.NewRecordInfo(0).WithInline(inline).WithTombstone(true).WithValid(true)
	if cfg.VerifyChecksums {
		info = info.WithChecksum(checksumRecord(rec))
	}
	record.SetHeader(rec, 0, info)
	return addr, nil
}

// Get is a synchronous convenience wrapper over Allocator.ReadRecordToMemory.
func (s *Store) Get(cfg config.Config, logical uint64) (key, value []byte, err error) {
	type result struct {
		key, value []byte
		err        error
	}
	done := make(chan result, 1)
	if err := s.Allocator.ReadRecordToMemory(cfg, logical, func(k, v []byte, e error) {
		done <- result{k, v, e}
	}); err != nil {
		return nil, nil, err
	}
	r := <-done
	return r.key, r.value, r.err
}
