// Copyright 2023 The CubeFS Authors.
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

package catalog

import (
	"encoding/binary"
	"fmt"

	"github.com/cubefs/fsmeta/common/kvstore"
)

const (
	dataCF     = kvstore.CF("data")
	lockCF     = kvstore.CF("lock")
	journalCF  = kvstore.CF("journal")
	conflictCF = kvstore.CF("conflict")
	metaCF     = kvstore.CF("meta")
)

// ColumnFamilies lists every column family a shard writes to, the raft log
// column excluded.
var ColumnFamilies = []kvstore.CF{dataCF, lockCF, journalCF, conflictCF, metaCF}

var (
	inodeInfix     = []byte{'i'}
	direntInfix    = []byte{'d'}
	reverseInfix   = []byte{'p'}
	xattrInfix     = []byte{'x'}
	tombstoneInfix = []byte{'t'}
	lockInfix      = []byte{'l'}
	journalInfix   = []byte{'j'}
	conflictInfix  = []byte{'c'}
	metaInfix      = []byte{'m'}
)

// meta keys
const (
	metaApplied   = "applied"
	metaInoSeq    = "inoseq"
	metaJFirst    = "jfirst"
	metaJLast     = "jlast"
	metaConflicts = "cseq"
	metaFence     = "fence"

	metaCursorPrefix  = "cursor/"
	metaInboundPrefix = "inbound/"
	metaSplitPrefix   = "split/"
	metaIntentPrefix  = "intent/"
	metaPendingPrefix = "pending/"
	metaTxnPrefix     = "txn/"
	metaCidPrefix     = "cid/"
)

// shardKeys encodes the keys of one shard. Every key starts with the
// big endian shard id so that shards sharing one store never overlap.
type shardKeys struct {
	shardID uint32
}

func (k shardKeys) prefix() []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, k.shardID)
	return b
}

func (k shardKeys) with(infix []byte, size int) []byte {
	b := make([]byte, 0, 4+len(infix)+size)
	b = binary.BigEndian.AppendUint32(b, k.shardID)
	return append(b, infix...)
}

func (k shardKeys) inodePrefix() []byte { return k.with(inodeInfix, 0) }

func (k shardKeys) inodeKey(ino uint64) []byte {
	return binary.BigEndian.AppendUint64(k.with(inodeInfix, 8), ino)
}

func (k shardKeys) decodeInodeKey(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[5:])
}

func (k shardKeys) direntPrefix(parent uint64) []byte {
	return binary.BigEndian.AppendUint64(k.with(direntInfix, 8), parent)
}

func (k shardKeys) direntKey(parent uint64, name string) []byte {
	return append(k.direntPrefix(parent), name...)
}

func (k shardKeys) allDirentPrefix() []byte { return k.with(direntInfix, 0) }

func (k shardKeys) reversePrefix(child uint64) []byte {
	return binary.BigEndian.AppendUint64(k.with(reverseInfix, 16), child)
}

func (k shardKeys) reverseKey(child, parent uint64, name string) []byte {
	b := binary.BigEndian.AppendUint64(k.reversePrefix(child), parent)
	return append(b, name...)
}

func (k shardKeys) decodeReverseKey(key []byte) (child, parent uint64, name string) {
	key = key[5:]
	return binary.BigEndian.Uint64(key), binary.BigEndian.Uint64(key[8:]), string(key[16:])
}

func (k shardKeys) xattrPrefix(ino uint64) []byte {
	return binary.BigEndian.AppendUint64(k.with(xattrInfix, 8), ino)
}

func (k shardKeys) xattrKey(ino uint64, name string) []byte {
	return append(k.xattrPrefix(ino), name...)
}

func (k shardKeys) tombstonePrefix() []byte { return k.with(tombstoneInfix, 0) }

func (k shardKeys) tombstoneKey(recordKey string) []byte {
	return append(k.with(tombstoneInfix, len(recordKey)), recordKey...)
}

func (k shardKeys) lockPrefix() []byte { return k.with(lockInfix, 0) }

func (k shardKeys) lockKey(ino uint64) []byte {
	return binary.BigEndian.AppendUint64(k.with(lockInfix, 8), ino)
}

func (k shardKeys) journalPrefix() []byte { return k.with(journalInfix, 0) }

func (k shardKeys) journalKey(seq uint64) []byte {
	return binary.BigEndian.AppendUint64(k.with(journalInfix, 8), seq)
}

func (k shardKeys) conflictPrefix() []byte { return k.with(conflictInfix, 0) }

func (k shardKeys) conflictKey(seq uint64) []byte {
	return binary.BigEndian.AppendUint64(k.with(conflictInfix, 8), seq)
}

func (k shardKeys) metaPrefix(name string) []byte {
	return append(k.with(metaInfix, len(name)), name...)
}

func (k shardKeys) metaKey(name string) []byte { return k.metaPrefix(name) }

func (k shardKeys) decodeMetaKey(key []byte) string {
	return string(key[5:])
}

func cursorName(site uint32) string  { return fmt.Sprintf("%s%d", metaCursorPrefix, site) }
func inboundName(site uint32) string { return fmt.Sprintf("%s%d", metaInboundPrefix, site) }
func splitName(dir uint64) string    { return fmt.Sprintf("%s%016x", metaSplitPrefix, dir) }
func intentName(txn string) string   { return metaIntentPrefix + txn }
func txnName(txn string) string      { return metaTxnPrefix + txn }
func cidName(id string) string       { return metaCidPrefix + id }

// pendingName marks a source entry held by a cross shard rename.
func pendingName(parent uint64, name string) string {
	return fmt.Sprintf("%s%016x/%s", metaPendingPrefix, parent, name)
}

func encodeUint64(v uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, v)
}

func decodeUint64(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
