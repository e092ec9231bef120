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

package errors

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorClass(t *testing.T) {
	require.True(t, IsRetryable(ErrNoLeader))
	require.True(t, IsRetryable(NotLeader(3)))
	require.True(t, IsRetryable(fmt.Errorf("propose: %w", context.DeadlineExceeded)))
	require.False(t, IsRetryable(ErrExist))
	require.False(t, IsRetryable(nil))

	require.True(t, IsInvariant(Reason(ErrInvariant, "duplicate dirent %d/%s", 1, "a")))
	require.True(t, IsOperator(ErrFenced))
	require.False(t, IsOperator(ErrNotFound))
}

func TestErrorWire(t *testing.T) {
	err := NotLeader(7)
	info := ToInfo(err)
	require.Equal(t, uint32(CodeNotLeader), info.Code)
	require.Equal(t, uint64(7), info.Leader)

	back := FromInfo(info)
	require.True(t, Is(back, ErrNotLeader))
	require.Equal(t, uint64(7), LeaderHint(back))

	back = FromInfo(ToInfo(ErrNotEmpty))
	require.True(t, Is(back, ErrNotEmpty))
	require.Equal(t, ErrNotEmpty.Error(), back.Error())

	back = FromInfo(ToInfo(Reason(ErrFenced, "site 2 is fenced")))
	require.True(t, Is(back, ErrFenced))
	require.Contains(t, back.Error(), "site 2 is fenced")

	require.Nil(t, FromInfo(nil))
	require.Nil(t, ToInfo(nil))
	require.Equal(t, uint32(CodeTimeout), Code(context.DeadlineExceeded))
}
