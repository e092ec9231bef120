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

package raft

import (
	"errors"

	"google.golang.org/protobuf/encoding/protowire"
)

var errMalformed = errors.New("raft: malformed message")

func appendUvarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// walk calls fn for every field of b. Varint fields carry v, bytes fields carry data.
func walk(b []byte, fn func(num protowire.Number, v uint64, data []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errMalformed
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return errMalformed
			}
			b = b[n:]
			if err := fn(num, v, nil); err != nil {
				return err
			}
		case protowire.BytesType:
			data, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return errMalformed
			}
			b = b[n:]
			if err := fn(num, 0, data); err != nil {
				return err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return errMalformed
			}
			b = b[n:]
		}
	}
	return nil
}

func (p *ProposalData) Marshal() ([]byte, error) {
	var b []byte
	b = appendBytes(b, 1, p.Module)
	b = appendUvarint(b, 2, uint64(p.Op))
	b = appendBytes(b, 3, p.Data)
	b = appendUvarint(b, 4, p.notifyID)
	return b, nil
}

func (p *ProposalData) Unmarshal(b []byte) error {
	*p = ProposalData{}
	return walk(b, func(num protowire.Number, v uint64, data []byte) error {
		switch num {
		case 1:
			p.Module = append([]byte(nil), data...)
		case 2:
			p.Op = uint32(v)
		case 3:
			p.Data = append([]byte(nil), data...)
		case 4:
			p.notifyID = v
		}
		return nil
	})
}

func (m *Member) Marshal() ([]byte, error) {
	var b []byte
	b = appendUvarint(b, 1, m.NodeID)
	b = appendBytes(b, 2, []byte(m.Host))
	if m.Learner {
		b = appendUvarint(b, 3, 1)
	}
	b = appendUvarint(b, 4, uint64(m.Type))
	return b, nil
}

func (m *Member) Unmarshal(b []byte) error {
	*m = Member{}
	return walk(b, func(num protowire.Number, v uint64, data []byte) error {
		switch num {
		case 1:
			m.NodeID = v
		case 2:
			m.Host = string(data)
		case 3:
			m.Learner = v != 0
		case 4:
			m.Type = MemberChangeType(v)
		}
		return nil
	})
}

func (r *RaftMessageRequest) Marshal() ([]byte, error) {
	var b []byte
	b = appendUvarint(b, 1, r.GroupID)
	b = appendUvarint(b, 2, r.From)
	b = appendUvarint(b, 3, r.To)
	msg, err := r.Message.Marshal()
	if err != nil {
		return nil, err
	}
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	b = protowire.AppendBytes(b, msg)
	return b, nil
}

func (r *RaftMessageRequest) Unmarshal(b []byte) error {
	*r = RaftMessageRequest{}
	return walk(b, func(num protowire.Number, v uint64, data []byte) error {
		switch num {
		case 1:
			r.GroupID = v
		case 2:
			r.From = v
		case 3:
			r.To = v
		case 4:
			return r.Message.Unmarshal(data)
		}
		return nil
	})
}

func (b *RaftMessageRequestBatch) Marshal() ([]byte, error) {
	var out []byte
	for i := range b.Requests {
		req, err := b.Requests[i].Marshal()
		if err != nil {
			return nil, err
		}
		out = protowire.AppendTag(out, 1, protowire.BytesType)
		out = protowire.AppendBytes(out, req)
	}
	return out, nil
}

func (b *RaftMessageRequestBatch) Unmarshal(data []byte) error {
	b.Requests = b.Requests[:0]
	return walk(data, func(num protowire.Number, v uint64, data []byte) error {
		if num != 1 {
			return nil
		}
		req := RaftMessageRequest{}
		if err := req.Unmarshal(data); err != nil {
			return err
		}
		b.Requests = append(b.Requests, req)
		return nil
	})
}
