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
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"testing"

	"github.com/cubefs/fsmeta/util"
	"github.com/stretchr/testify/require"
)

type testEg struct {
	engine Store
	path   string
	opt    *Option
}

var engineTypes = []LsmKVType{RocksdbLsmKVType, MemoryKVType}

func newEngine(ctx context.Context, lsmType LsmKVType, opt *Option) (*testEg, error) {
	path, err := util.GenTmpPath()
	if err != nil {
		return nil, err
	}
	var _opt *Option
	if opt != nil {
		_opt = opt
	} else {
		_opt = new(Option)
	}
	_opt.CreateIfMissing = true
	_opt.Sync = true
	engine, err := NewKVStore(ctx, path, lsmType, _opt)
	if err != nil {
		return nil, err
	}
	return &testEg{
		engine: engine,
		path:   path,
		opt:    _opt,
	}, nil
}

func (eg *testEg) close() {
	eg.engine.Close()
	os.RemoveAll(eg.path)
}

func forEachEngine(t *testing.T, f func(t *testing.T, eg *testEg)) {
	for _, typ := range engineTypes {
		t.Run(string(typ), func(t *testing.T) {
			eg, err := newEngine(context.TODO(), typ, nil)
			require.NoError(t, err)
			defer eg.close()
			f(t, eg)
		})
	}
}

func Test_openRocksdb(t *testing.T) {
	ctx := context.TODO()
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	defer os.RemoveAll(path)
	opt := new(Option)
	opt.CreateIfMissing = true
	opt.BlockSize = 1 << 20
	opt.BlockCache = 1 << 20
	opt.MaxBackgroundJobs = 8
	opt.KeepLogFileNum = 10000
	opt.MaxLogFileSize = 1 << 30
	opt.ColumnFamily = []CF{"a", "b", "c"}
	opt.CompactionStyle = LevelStyle
	eg, err := newRocksdb(ctx, path, opt)
	require.NoError(t, err)
	eg.Close()

	// open with empty path
	_, err = newRocksdb(ctx, "", opt)
	require.Equal(t, errors.New("path is empty"), err)
	// reopen db
	eg, err = newRocksdb(ctx, path, opt)
	require.NoError(t, err)
	eg.Close()
	// open with wrong cf
	opt.ColumnFamily = []CF{"a", "b"}
	_, err = newRocksdb(ctx, path, opt)
	require.Error(t, err)

	_, err = NewKVStore(ctx, path, LsmKVType("unknown"), opt)
	require.ErrorIs(t, err, ErrKVTypeNotFound)
}

func TestInstance_SetGetRaw(t *testing.T) {
	forEachEngine(t, func(t *testing.T, eg *testEg) {
		ctx := context.TODO()
		k := []byte("key1")
		v := []byte("value1")
		err := eg.engine.SetRaw(ctx, defaultCF, k, v, nil)
		require.NoError(t, err)
		v1, err := eg.engine.GetRaw(ctx, defaultCF, k, nil)
		require.NoError(t, err)
		v2, err := eg.engine.Get(ctx, defaultCF, k, nil)
		require.NoError(t, err)
		require.Equal(t, v, v1)
		require.Equal(t, v, v2.Value())
		require.NoError(t, v2.Close())
		err = eg.engine.Delete(ctx, defaultCF, k, nil)
		require.NoError(t, err)
		_, err = eg.engine.GetRaw(ctx, defaultCF, k, nil)
		require.Equal(t, ErrNotFound, err)
	})
}

func TestWrite(t *testing.T) {
	forEachEngine(t, func(t *testing.T, eg *testEg) {
		ctx := context.TODO()
		col1 := CF("c1")
		for i := 0; i < 5; i++ {
			err := eg.engine.SetRaw(ctx, col1, []byte(fmt.Sprintf("k%d", i)), []byte(fmt.Sprintf("v%d", i)), nil)
			require.NoError(t, err)
		}

		batch := eg.engine.NewWriteBatch()
		batch.Put(col1, []byte("k9"), []byte("v9"))
		batch.Delete(col1, []byte("k9"))
		batch.DeleteRange(col1, []byte("k0"), []byte("k4"))
		require.Equal(t, 3, batch.Count())
		require.NoError(t, eg.engine.Write(ctx, batch, nil))
		batch.Close()

		for i := 0; i < 4; i++ {
			_, err := eg.engine.GetRaw(ctx, col1, []byte(fmt.Sprintf("k%d", i)), nil)
			require.Equal(t, ErrNotFound, err)
		}
		_, err := eg.engine.GetRaw(ctx, col1, []byte("k9"), nil)
		require.Equal(t, ErrNotFound, err)
		v, err := eg.engine.GetRaw(ctx, col1, []byte("k4"), nil)
		require.NoError(t, err)
		require.Equal(t, []byte("v4"), v)
	})
}

func TestWriteBatch_DataFrom(t *testing.T) {
	forEachEngine(t, func(t *testing.T, eg *testEg) {
		ctx := context.TODO()
		batch := eg.engine.NewWriteBatch()
		batch.Put(defaultCF, []byte("a"), []byte("1"))
		batch.Put(defaultCF, []byte("b"), []byte("2"))

		replay := eg.engine.NewWriteBatch()
		replay.From(batch.Data())
		require.Equal(t, 2, replay.Count())
		require.NoError(t, eg.engine.Write(ctx, replay, nil))

		v, err := eg.engine.GetRaw(ctx, defaultCF, []byte("b"), nil)
		require.NoError(t, err)
		require.Equal(t, []byte("2"), v)
	})
}

func TestInstance_Snapshot(t *testing.T) {
	forEachEngine(t, func(t *testing.T, eg *testEg) {
		ctx := context.TODO()
		k := []byte("key1")
		require.NoError(t, eg.engine.SetRaw(ctx, defaultCF, k, []byte("value1"), nil))

		snap := eg.engine.NewSnapshot()
		defer snap.Close()
		ro := eg.engine.NewReadOption()
		defer ro.Close()
		ro.SetSnapShot(snap)

		require.NoError(t, eg.engine.SetRaw(ctx, defaultCF, k, []byte("value2"), nil))
		require.NoError(t, eg.engine.SetRaw(ctx, defaultCF, []byte("key2"), []byte("x"), nil))

		v, err := eg.engine.GetRaw(ctx, defaultCF, k, ro)
		require.NoError(t, err)
		require.Equal(t, []byte("value1"), v)
		_, err = eg.engine.GetRaw(ctx, defaultCF, []byte("key2"), ro)
		require.Equal(t, ErrNotFound, err)

		lr := eg.engine.List(ctx, defaultCF, []byte("key"), nil, ro)
		defer lr.Close()
		n := 0
		for {
			kg, _, err := lr.ReadNextCopy()
			require.NoError(t, err)
			if kg == nil {
				break
			}
			n++
		}
		require.Equal(t, 1, n)

		v, err = eg.engine.GetRaw(ctx, defaultCF, k, nil)
		require.NoError(t, err)
		require.Equal(t, []byte("value2"), v)
	})
}

func TestValueGetter_Read(t *testing.T) {
	forEachEngine(t, func(t *testing.T, eg *testEg) {
		ctx := context.TODO()
		k := []byte("key")
		err := eg.engine.SetRaw(ctx, defaultCF, k, []byte("helloworld"), nil)
		require.NoError(t, err)
		vg, err := eg.engine.Get(ctx, defaultCF, k, nil)
		require.NoError(t, err)
		defer vg.Close()
		b := make([]byte, vg.Size()/2)
		n, err := vg.Read(b)
		require.NoError(t, err)
		require.Equal(t, []byte("hello"), b)
		require.Equal(t, vg.Size()/2, n)
		n, err = vg.Read(b)
		require.NoError(t, err)
		require.Equal(t, []byte("world"), b)
		require.Equal(t, vg.Size()/2, n)
		n, err = vg.Read(b)
		require.Equal(t, io.EOF, err)
		require.Equal(t, 0, n)
	})
}

func TestInstance_NewWriteOption(t *testing.T) {
	forEachEngine(t, func(t *testing.T, eg *testEg) {
		ctx := context.TODO()
		wo := eg.engine.NewWriteOption()
		wo.SetSync(false)
		wo.DisableWAL(true)
		k := []byte("key1")
		v := []byte("value1")
		require.NoError(t, eg.engine.SetRaw(ctx, defaultCF, k, v, wo))
		v1, err := eg.engine.Get(ctx, defaultCF, k, nil)
		require.NoError(t, err)
		require.Equal(t, v, v1.Value())
		wo.Close()
	})
}

func TestInstance_List(t *testing.T) {
	forEachEngine(t, func(t *testing.T, eg *testEg) {
		ctx := context.TODO()
		for _, kv := range [][2]string{
			{"key1", "value1"}, {"word1", "w1"}, {"key2", "value2"}, {"check", "0"},
			{"word2", "w2"}, {"key3", "value3"}, {"word3", "w3"}, {"xyz", "zyx"}, {"key4", "value4"},
		} {
			require.NoError(t, eg.engine.SetRaw(ctx, defaultCF, []byte(kv[0]), []byte(kv[1]), nil))
		}

		ls := eg.engine.List(ctx, defaultCF, []byte("word"), nil, nil)
		ls.SeekTo([]byte("word2"))
		kg, vg, err := ls.ReadNext()
		require.NoError(t, err)
		require.Equal(t, []byte("word2"), kg.Key())
		require.Equal(t, []byte("w2"), vg.Value())
		kg, vg, err = ls.ReadNext()
		require.NoError(t, err)
		require.Equal(t, []byte("word3"), kg.Key())
		require.Equal(t, []byte("w3"), vg.Value())
		kg, _, err = ls.ReadNext()
		require.NoError(t, err)
		require.Nil(t, kg)
		ls.Close()

		// prefix read
		ls = eg.engine.List(ctx, defaultCF, []byte("key"), nil, nil)
		i := 0
		for {
			kg, vg, err := ls.ReadNextCopy()
			require.NoError(t, err)
			if kg == nil {
				break
			}
			i++
			require.Equal(t, []byte("key"+strconv.Itoa(i)), kg)
			require.Equal(t, []byte("value"+strconv.Itoa(i)), vg)
		}
		require.Equal(t, 4, i)
		ls.Close()

		// marker read
		ls = eg.engine.List(ctx, defaultCF, []byte("key"), []byte("key2"), nil)
		_, v, err := ls.ReadNextCopy()
		require.NoError(t, err)
		require.Equal(t, []byte("value2"), v)

		// read last
		kg, vg, err = ls.ReadLast()
		require.NoError(t, err)
		require.Equal(t, []byte("key4"), kg.Key())
		require.Equal(t, []byte("value4"), vg.Value())
		require.Equal(t, 6, vg.Size())
		ls.Close()

		// prefix without keys
		ls = eg.engine.List(ctx, defaultCF, []byte("nope"), nil, nil)
		kg, _, err = ls.ReadLast()
		require.NoError(t, err)
		require.Nil(t, kg)
		ls.Close()

		// nil prefix read last
		ls = eg.engine.List(ctx, defaultCF, nil, nil, nil)
		_, vg, err = ls.ReadLast()
		require.NoError(t, err)
		require.Equal(t, []byte("zyx"), vg.Value())
		require.Equal(t, 3, vg.Size())
		vg.Close()
		ls.Close()
	})
}

func TestInstance_Stats(t *testing.T) {
	forEachEngine(t, func(t *testing.T, eg *testEg) {
		ctx := context.TODO()
		require.NoError(t, eg.engine.SetRaw(ctx, defaultCF, []byte("k"), []byte("v"), nil))
		require.NoError(t, eg.engine.FlushCF(ctx, defaultCF))
		_, err := eg.engine.Stats(ctx)
		require.NoError(t, err)
	})
}

func TestInstance_DeleteRange(t *testing.T) {
	forEachEngine(t, func(t *testing.T, eg *testEg) {
		ctx := context.TODO()
		keys := [][]byte{[]byte("/k1/a"), []byte("/k1/b"), []byte("/k1/c"), []byte("/k10"), []byte("/k1012"), []byte("/k11")}
		for _, key := range keys {
			require.NoError(t, eg.engine.SetRaw(ctx, defaultCF, key, []byte("1"), nil))
		}

		batch := eg.engine.NewWriteBatch()
		start := []byte("/k1/")
		batch.DeleteRange(defaultCF, start, PrefixEnd(start))
		require.NoError(t, eg.engine.Write(ctx, batch, nil))

		for _, key := range [][]byte{[]byte("/k1/a"), []byte("/k1/b"), []byte("/k1/c")} {
			_, err := eg.engine.Get(ctx, defaultCF, key, nil)
			require.Equal(t, ErrNotFound, err)
		}
		for _, key := range [][]byte{[]byte("/k10"), []byte("/k1012"), []byte("/k11")} {
			value, err := eg.engine.Get(ctx, defaultCF, key, nil)
			require.NoError(t, err)
			require.Equal(t, []byte("1"), value.Value())
			value.Close()
		}
	})
}

func TestPrefixEnd(t *testing.T) {
	require.Equal(t, []byte("/k10"), PrefixEnd([]byte("/k1/")))
	require.Equal(t, []byte{0x02}, PrefixEnd([]byte{0x01, 0xff}))
	require.Nil(t, PrefixEnd([]byte{0xff, 0xff}))
	require.Nil(t, PrefixEnd(nil))
}
