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

// Package conflict decides between a local record and a change received
// from another site.
package conflict

import (
	"encoding/binary"

	"github.com/cubefs/fsmeta/proto"
	"github.com/google/uuid"
)

// namespace of conflict ids, a fixed random uuid
var namespace = uuid.MustParse("6f1c3b0e-5a52-4d7e-9a35-1c0f6a8e2b17")

type Action int

const (
	// ApplyRemote means the remote change causally follows the local record.
	ApplyRemote Action = iota + 1
	// KeepLocal means the remote change is already reflected locally.
	KeepLocal
	// Resolved means the two are concurrent and Winner was picked.
	Resolved
)

func (a Action) String() string {
	switch a {
	case ApplyRemote:
		return "apply_remote"
	case KeepLocal:
		return "keep_local"
	case Resolved:
		return "resolved"
	default:
		return "unknown"
	}
}

type Decision struct {
	Action   Action
	Ordering proto.Ordering
	Winner   proto.ConflictWinner
}

// RemoteWins reports whether the remote state must be stored.
func (d Decision) RemoteWins() bool {
	return d.Winner == proto.WinnerRemote
}

// Resolve compares the version vectors of local and remote. Causally
// ordered changes never conflict. Concurrent changes are decided by
// last writer wins on the logical timestamp with ties broken in favour of
// the higher site id, so the result does not depend on which side calls it.
func Resolve(local, remote *proto.Change) Decision {
	ord := remote.Vector().Compare(local.Vector())
	switch ord {
	case proto.After:
		return Decision{Action: ApplyRemote, Ordering: ord, Winner: proto.WinnerRemote}
	case proto.Before, proto.Identical:
		return Decision{Action: KeepLocal, Ordering: ord, Winner: proto.WinnerLocal}
	}

	d := Decision{Action: Resolved, Ordering: ord, Winner: proto.WinnerLocal}
	if Newer(remote.Version(), local.Version()) {
		d.Winner = proto.WinnerRemote
	}
	return d
}

// Newer reports whether a wins against b under last writer wins.
func Newer(a, b proto.Version) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp > b.Timestamp
	}
	if a.Site != b.Site {
		return a.Site > b.Site
	}
	return a.Seq > b.Seq
}

// ID derives the identifier of the conflict between two versions of key.
// Both sites of a concurrent pair compute the same id.
func ID(key string, a, b proto.Version) string {
	if Newer(a, b) {
		a, b = b, a
	}
	data := make([]byte, 0, len(key)+2*24)
	data = append(data, key...)
	data = appendVersion(data, a)
	data = appendVersion(data, b)
	return uuid.NewSHA1(namespace, data).String()
}

func appendVersion(b []byte, v proto.Version) []byte {
	b = binary.BigEndian.AppendUint64(b, v.Seq)
	b = binary.BigEndian.AppendUint32(b, v.Site)
	return binary.BigEndian.AppendUint64(b, uint64(v.Timestamp))
}

// Record builds the conflict log entry of a resolved decision.
func Record(shard, site, peer uint32, local, remote *proto.Change, d Decision, now int64) proto.ConflictRecord {
	return proto.ConflictRecord{
		ID:         ID(local.Key(), local.Version(), remote.Version()),
		Shard:      shard,
		Key:        local.Key(),
		Site:       site,
		PeerSite:   peer,
		Local:      *local,
		Remote:     *remote,
		Winner:     d.Winner,
		RecordedAt: now,
	}
}
