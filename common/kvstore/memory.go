// Copyright 2023 The Cuber Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package kvstore

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/google/btree"
	"google.golang.org/protobuf/encoding/protowire"
)

const memoryTreeDegree = 32

type (
	// memoryStore keeps every column family in a copy-on-write btree, so
	// snapshots and iterators are O(1) clones.
	memoryStore struct {
		lock   sync.RWMutex
		cols   map[CF]*btree.BTreeG[memItem]
		closed bool
	}
	memItem struct {
		key   []byte
		value []byte
	}
	memSnapshot struct {
		cols map[CF]*btree.BTreeG[memItem]
	}
	memReadOption struct {
		snap *memSnapshot
	}
	memWriteOption struct{}
	memListReader  struct {
		tree    *btree.BTreeG[memItem]
		prefix  []byte
		pivot   []byte
		started bool
	}
	memKey   []byte
	memValue struct {
		b     []byte
		index int
	}
	memBatchOp struct {
		kind  uint64
		col   CF
		key   []byte
		value []byte
	}
	memWriteBatch struct {
		ops []memBatchOp
	}
)

const (
	memOpPut = iota + 1
	memOpDelete
	memOpDeleteRange
)

func memLess(a, b memItem) bool {
	return bytes.Compare(a.key, b.key) < 0
}

func newMemoryStore(option *Option) *memoryStore {
	s := &memoryStore{cols: make(map[CF]*btree.BTreeG[memItem])}
	s.cols[defaultCF] = btree.NewG(memoryTreeDegree, memLess)
	if option != nil {
		for _, col := range option.ColumnFamily {
			s.cols[col] = btree.NewG(memoryTreeDegree, memLess)
		}
	}
	return s
}

func normalizeCF(col CF) CF {
	if col == "" {
		return defaultCF
	}
	return col
}

// tree returns the live tree of col, creating it on demand. Caller holds the write lock.
func (s *memoryStore) treeLocked(col CF) *btree.BTreeG[memItem] {
	col = normalizeCF(col)
	t, ok := s.cols[col]
	if !ok {
		t = btree.NewG(memoryTreeDegree, memLess)
		s.cols[col] = t
	}
	return t
}

// readTree returns a tree safe to read without holding the lock.
func (s *memoryStore) readTree(col CF, readOpt ReadOption) *btree.BTreeG[memItem] {
	col = normalizeCF(col)
	if readOpt != nil {
		if ro := readOpt.(*memReadOption); ro.snap != nil {
			if t, ok := ro.snap.cols[col]; ok {
				return t
			}
			return btree.NewG(memoryTreeDegree, memLess)
		}
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.treeLocked(col).Clone()
}

func (s *memoryStore) NewSnapshot() Snapshot {
	s.lock.Lock()
	defer s.lock.Unlock()
	snap := &memSnapshot{cols: make(map[CF]*btree.BTreeG[memItem], len(s.cols))}
	for col, t := range s.cols {
		snap.cols[col] = t.Clone()
	}
	return snap
}

func (s *memoryStore) Get(ctx context.Context, col CF, key []byte, readOpt ReadOption) (ValueGetter, error) {
	value, err := s.GetRaw(ctx, col, key, readOpt)
	if err != nil {
		return nil, err
	}
	return &memValue{b: value}, nil
}

func (s *memoryStore) GetRaw(ctx context.Context, col CF, key []byte, readOpt ReadOption) ([]byte, error) {
	if readOpt != nil && readOpt.(*memReadOption).snap != nil {
		it, ok := s.readTree(col, readOpt).Get(memItem{key: key})
		if !ok {
			return nil, ErrNotFound
		}
		return append([]byte(nil), it.value...), nil
	}

	s.lock.RLock()
	defer s.lock.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	t, ok := s.cols[normalizeCF(col)]
	if !ok {
		return nil, ErrNotFound
	}
	it, ok := t.Get(memItem{key: key})
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), it.value...), nil
}

func (s *memoryStore) SetRaw(ctx context.Context, col CF, key []byte, value []byte, writeOpt WriteOption) error {
	batch := s.NewWriteBatch()
	batch.Put(col, key, value)
	return s.Write(ctx, batch, writeOpt)
}

func (s *memoryStore) Delete(ctx context.Context, col CF, key []byte, writeOpt WriteOption) error {
	batch := s.NewWriteBatch()
	batch.Delete(col, key)
	return s.Write(ctx, batch, writeOpt)
}

func (s *memoryStore) List(ctx context.Context, col CF, prefix []byte, marker []byte, readOpt ReadOption) ListReader {
	lr := &memListReader{
		tree:   s.readTree(col, readOpt),
		prefix: append([]byte(nil), prefix...),
		pivot:  append([]byte(nil), prefix...),
	}
	if len(marker) > 0 {
		lr.pivot = append([]byte(nil), marker...)
	}
	return lr
}

func (s *memoryStore) Write(ctx context.Context, batch WriteBatch, writeOpt WriteOption) error {
	b := batch.(*memWriteBatch)
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return ErrClosed
	}
	for _, op := range b.ops {
		t := s.treeLocked(op.col)
		switch op.kind {
		case memOpPut:
			t.ReplaceOrInsert(memItem{key: op.key, value: op.value})
		case memOpDelete:
			t.Delete(memItem{key: op.key})
		case memOpDeleteRange:
			var keys [][]byte
			t.AscendRange(memItem{key: op.key}, memItem{key: op.value}, func(it memItem) bool {
				keys = append(keys, it.key)
				return true
			})
			for _, k := range keys {
				t.Delete(memItem{key: k})
			}
		}
	}
	return nil
}

func (s *memoryStore) NewReadOption() ReadOption {
	return &memReadOption{}
}

func (s *memoryStore) NewWriteOption() WriteOption {
	return &memWriteOption{}
}

func (s *memoryStore) NewWriteBatch() WriteBatch {
	return &memWriteBatch{}
}

func (s *memoryStore) FlushCF(ctx context.Context, col CF) error {
	return nil
}

func (s *memoryStore) Stats(ctx context.Context) (Stats, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	used := uint64(0)
	for _, t := range s.cols {
		t.Ascend(func(it memItem) bool {
			used += uint64(len(it.key) + len(it.value))
			return true
		})
	}
	return Stats{Used: used, MemoryUsage: MemoryUsage{MemtableUsage: used, Total: used}}, nil
}

func (s *memoryStore) Close() {
	s.lock.Lock()
	s.closed = true
	s.lock.Unlock()
}

func (ss *memSnapshot) Close() {}

func (ro *memReadOption) SetSnapShot(snap Snapshot) {
	ro.snap = snap.(*memSnapshot)
}

func (ro *memReadOption) Close() {}

func (wo *memWriteOption) SetSync(value bool)    {}
func (wo *memWriteOption) DisableWAL(value bool) {}
func (wo *memWriteOption) Close()                {}

func (k memKey) Key() []byte { return k }
func (k memKey) Close()      {}

func (v *memValue) Value() []byte { return v.b }
func (v *memValue) Size() int     { return len(v.b) }
func (v *memValue) Close() error  { return nil }

func (v *memValue) Read(b []byte) (n int, err error) {
	if v.index >= len(v.b) {
		return 0, io.EOF
	}
	n = copy(b, v.b[v.index:])
	v.index += n
	return
}

func (lr *memListReader) ReadNext() (KeyGetter, ValueGetter, error) {
	var found *memItem
	lr.tree.AscendGreaterOrEqual(memItem{key: lr.pivot}, func(it memItem) bool {
		if lr.started && bytes.Equal(it.key, lr.pivot) {
			return true
		}
		found = &it
		return false
	})
	if found == nil || !bytes.HasPrefix(found.key, lr.prefix) {
		return nil, nil, nil
	}
	lr.started = true
	lr.pivot = found.key
	return memKey(found.key), &memValue{b: found.value}, nil
}

func (lr *memListReader) ReadNextCopy() ([]byte, []byte, error) {
	kg, vg, err := lr.ReadNext()
	if err != nil || kg == nil {
		return nil, nil, err
	}
	return append([]byte(nil), kg.Key()...), append([]byte(nil), vg.Value()...), nil
}

func (lr *memListReader) ReadLast() (KeyGetter, ValueGetter, error) {
	var found *memItem
	iter := func(it memItem) bool {
		found = &it
		return false
	}
	if end := PrefixEnd(lr.prefix); end != nil {
		lr.tree.DescendLessOrEqual(memItem{key: end}, func(it memItem) bool {
			if bytes.Equal(it.key, end) {
				return true
			}
			return iter(it)
		})
	} else {
		lr.tree.Descend(iter)
	}
	if found == nil || !bytes.HasPrefix(found.key, lr.prefix) {
		return nil, nil, nil
	}
	return memKey(found.key), &memValue{b: found.value}, nil
}

func (lr *memListReader) SeekTo(key []byte) {
	lr.pivot = append([]byte(nil), key...)
	lr.started = false
}

func (lr *memListReader) Close() {}

func (w *memWriteBatch) Put(col CF, key, value []byte) {
	w.ops = append(w.ops, memBatchOp{
		kind:  memOpPut,
		col:   normalizeCF(col),
		key:   append([]byte(nil), key...),
		value: append([]byte(nil), value...),
	})
}

func (w *memWriteBatch) Delete(col CF, key []byte) {
	w.ops = append(w.ops, memBatchOp{kind: memOpDelete, col: normalizeCF(col), key: append([]byte(nil), key...)})
}

func (w *memWriteBatch) DeleteRange(col CF, startKey, endKey []byte) {
	w.ops = append(w.ops, memBatchOp{
		kind:  memOpDeleteRange,
		col:   normalizeCF(col),
		key:   append([]byte(nil), startKey...),
		value: append([]byte(nil), endKey...),
	})
}

func (w *memWriteBatch) Count() int {
	return len(w.ops)
}

func (w *memWriteBatch) Data() []byte {
	var b []byte
	for _, op := range w.ops {
		var e []byte
		e = protowire.AppendTag(e, 1, protowire.VarintType)
		e = protowire.AppendVarint(e, op.kind)
		e = protowire.AppendTag(e, 2, protowire.BytesType)
		e = protowire.AppendString(e, string(op.col))
		e = protowire.AppendTag(e, 3, protowire.BytesType)
		e = protowire.AppendBytes(e, op.key)
		e = protowire.AppendTag(e, 4, protowire.BytesType)
		e = protowire.AppendBytes(e, op.value)
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, e)
	}
	return b
}

// From replaces the batch content with data produced by Data. Malformed
// input leaves the batch empty.
func (w *memWriteBatch) From(data []byte) {
	w.ops = w.ops[:0]
	for len(data) > 0 {
		_, _, n := protowire.ConsumeTag(data)
		if n < 0 {
			w.ops = w.ops[:0]
			return
		}
		data = data[n:]
		e, n := protowire.ConsumeBytes(data)
		if n < 0 {
			w.ops = w.ops[:0]
			return
		}
		data = data[n:]

		op := memBatchOp{}
		for len(e) > 0 {
			num, typ, n := protowire.ConsumeTag(e)
			if n < 0 {
				w.ops = w.ops[:0]
				return
			}
			e = e[n:]
			if typ == protowire.VarintType {
				v, n := protowire.ConsumeVarint(e)
				if n < 0 {
					w.ops = w.ops[:0]
					return
				}
				e = e[n:]
				op.kind = v
				continue
			}
			v, n := protowire.ConsumeBytes(e)
			if n < 0 {
				w.ops = w.ops[:0]
				return
			}
			e = e[n:]
			switch num {
			case 2:
				op.col = CF(v)
			case 3:
				op.key = append([]byte(nil), v...)
			case 4:
				op.value = append([]byte(nil), v...)
			}
		}
		w.ops = append(w.ops, op)
	}
}

func (w *memWriteBatch) Close() {}
