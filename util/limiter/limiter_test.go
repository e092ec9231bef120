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

package limiter

import (
	"context"
	"testing"
	"time"

	apierrors "github.com/cubefs/fsmeta/errors"
	"github.com/stretchr/testify/require"
)

func TestLimiterConcurrency(t *testing.T) {
	l := NewLimiter(LimitConfig{ReadConcurrency: 1, WriteConcurrency: 2})

	require.NoError(t, l.AcquireRead())
	require.ErrorIs(t, l.AcquireRead(), apierrors.ErrBackpressure)
	l.SetReadConcurrency(2)
	require.NoError(t, l.AcquireRead())
	require.Equal(t, 2, l.Status().ReadRunning)
	l.ReleaseRead()
	l.ReleaseRead()
	require.Equal(t, 0, l.Status().ReadRunning)

	require.NoError(t, l.AcquireWrite())
	require.NoError(t, l.AcquireWrite())
	require.ErrorIs(t, l.AcquireWrite(), apierrors.ErrBackpressure)
	l.ReleaseWrite()
	l.ReleaseWrite()
	require.Equal(t, 2, l.GetConfig().WriteConcurrency)
}

func TestLimiterUnlimited(t *testing.T) {
	l := NewLimiter(LimitConfig{})
	for i := 0; i < 100; i++ {
		require.NoError(t, l.AcquireRead())
		require.NoError(t, l.AcquireWrite())
	}
	require.NoError(t, l.WaitReplication(context.Background(), 1<<30))
}

func TestLimiterReplicationRate(t *testing.T) {
	l := NewLimiter(LimitConfig{ReplicationMBPS: 1})

	// the first burst is free, the next megabyte waits about one second
	start := time.Now()
	require.NoError(t, l.WaitReplication(context.Background(), 2*mb))
	require.Greater(t, time.Since(start), 500*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.Error(t, l.WaitReplication(ctx, 2*mb))

	l.SetReplicationMBPS(4)
	require.Equal(t, 4, l.GetConfig().ReplicationMBPS)
}
