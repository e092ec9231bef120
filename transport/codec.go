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

package transport

import (
	"fmt"
)

const codecName = "fsmeta"

type message interface {
	Marshal() ([]byte, error)
	Unmarshal(data []byte) error
}

// codec lets grpc carry the hand encoded messages of proto and raft.
type codec struct{}

func (codec) Marshal(v interface{}) ([]byte, error) {
	m, ok := v.(message)
	if !ok {
		return nil, fmt.Errorf("transport: %T is not a message", v)
	}
	return m.Marshal()
}

func (codec) Unmarshal(data []byte, v interface{}) error {
	m, ok := v.(message)
	if !ok {
		return fmt.Errorf("transport: %T is not a message", v)
	}
	return m.Unmarshal(data)
}

func (codec) Name() string { return codecName }

// empty is the reply of calls that only report an error.
type empty struct{}

func (*empty) Marshal() ([]byte, error)    { return nil, nil }
func (*empty) Unmarshal(data []byte) error { return nil }
