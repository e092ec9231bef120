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
	apierrors "github.com/cubefs/fsmeta/errors"
)

var (
	ErrGroupNotFound     = apierrors.Reason(apierrors.ErrShardNotFound, "raft group not found")
	ErrGroupExist        = apierrors.Reason(apierrors.ErrInvalidArgument, "raft group already exists")
	ErrRaftGroupStopped  = apierrors.Reason(apierrors.ErrUnavailable, "raft group has been stopped")
	ErrLeadershipChanged = apierrors.Reason(apierrors.ErrTimeout, "leadership changed before commit, outcome unknown")
	ErrQueueFull         = apierrors.Reason(apierrors.ErrUnavailable, "raft message queue is full")
)
