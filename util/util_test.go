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

package util

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenTmpPath(t *testing.T) {
	path, err := GenTmpPath()
	require.NoError(t, err)
	require.NotEqual(t, "", path)
}

func TestSetDefault(t *testing.T) {
	a := 0
	SetDefault(&a, 8)
	require.Equal(t, 8, a)

	b := int64(-1)
	SetDefault(&b, 100)
	require.Equal(t, int64(100), b)

	c := uint32(3)
	SetDefault(&c, 5)
	require.Equal(t, uint32(3), c)
}

func TestGetLocalIp(t *testing.T) {
	ip, err := GetLocalIp()
	if err != nil {
		t.Skip("no non-loopback interface")
	}
	require.NotEqual(t, "", ip)
}
