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

// Package limiter bounds the proposals and reads a node serves at once and
// the bandwidth its replication agents send to other sites.
package limiter

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	apierrors "github.com/cubefs/fsmeta/errors"
	"golang.org/x/time/rate"
)

const mb = 1 << 20

type (
	Limiter interface {
		AcquireRead() error
		ReleaseRead()
		AcquireWrite() error
		ReleaseWrite()
		// WaitReplication blocks until n bytes may be sent to another site.
		WaitReplication(ctx context.Context, n int) error
		SetReadConcurrency(value uint32)
		SetWriteConcurrency(value uint32)
		SetReplicationMBPS(mbps int)
		GetConfig() LimitConfig
		Status() Status
	}
	CountLimit interface {
		Running() int
		Acquire() error
		Release()
		SetLimit(limit uint32)
	}
	LimitConfig struct {
		ReadConcurrency  int `json:"read_concurrency"`
		WriteConcurrency int `json:"write_concurrency"`
		ReplicationMBPS  int `json:"replication_mbps"`
	}
	Status struct {
		Config          LimitConfig `json:"config"`
		ReadRunning     int         `json:"read_running"`
		WriteRunning    int         `json:"write_running"`
		ReplicationWait int         `json:"replication_wait_ms"`
	}
	limiter struct {
		lock            sync.RWMutex
		config          LimitConfig
		readCountLimit  CountLimit
		writeCountLimit CountLimit
		rateReplication *rate.Limiter
	}
)

// NewLimiter returns a limiter; zero values leave a dimension unlimited.
func NewLimiter(cfg LimitConfig) Limiter {
	lim := &limiter{config: cfg}
	if cfg.ReadConcurrency > 0 {
		lim.readCountLimit = NewCountLimit(cfg.ReadConcurrency)
	}
	if cfg.WriteConcurrency > 0 {
		lim.writeCountLimit = NewCountLimit(cfg.WriteConcurrency)
	}
	if cfg.ReplicationMBPS > 0 {
		lim.rateReplication = rate.NewLimiter(rate.Limit(cfg.ReplicationMBPS*mb), cfg.ReplicationMBPS*mb)
	}
	return lim
}

func (lim *limiter) counts() (CountLimit, CountLimit) {
	lim.lock.RLock()
	defer lim.lock.RUnlock()
	return lim.readCountLimit, lim.writeCountLimit
}

func (lim *limiter) AcquireRead() error {
	if r, _ := lim.counts(); r != nil {
		return r.Acquire()
	}
	return nil
}

func (lim *limiter) ReleaseRead() {
	if r, _ := lim.counts(); r != nil {
		r.Release()
	}
}

func (lim *limiter) AcquireWrite() error {
	if _, w := lim.counts(); w != nil {
		return w.Acquire()
	}
	return nil
}

func (lim *limiter) ReleaseWrite() {
	if _, w := lim.counts(); w != nil {
		w.Release()
	}
}

func (lim *limiter) WaitReplication(ctx context.Context, n int) error {
	lim.lock.RLock()
	r := lim.rateReplication
	lim.lock.RUnlock()
	if r == nil {
		return nil
	}
	// batches larger than the burst are charged in burst sized parts
	for n > 0 {
		part := n
		if burst := r.Burst(); part > burst {
			part = burst
		}
		if err := r.WaitN(ctx, part); err != nil {
			return err
		}
		n -= part
	}
	return nil
}

func (lim *limiter) SetReadConcurrency(value uint32) {
	lim.lock.Lock()
	defer lim.lock.Unlock()
	if lim.readCountLimit == nil {
		lim.readCountLimit = NewCountLimit(int(value))
	} else {
		lim.readCountLimit.SetLimit(value)
	}
	lim.config.ReadConcurrency = int(value)
}

func (lim *limiter) SetWriteConcurrency(value uint32) {
	lim.lock.Lock()
	defer lim.lock.Unlock()
	if lim.writeCountLimit == nil {
		lim.writeCountLimit = NewCountLimit(int(value))
	} else {
		lim.writeCountLimit.SetLimit(value)
	}
	lim.config.WriteConcurrency = int(value)
}

func (lim *limiter) SetReplicationMBPS(mbps int) {
	lim.lock.Lock()
	defer lim.lock.Unlock()
	if lim.rateReplication == nil {
		lim.rateReplication = rate.NewLimiter(rate.Limit(mbps*mb), mbps*mb)
	} else {
		lim.rateReplication.SetLimit(rate.Limit(mbps * mb))
		lim.rateReplication.SetBurst(mbps * mb)
	}
	lim.config.ReplicationMBPS = mbps
}

func (lim *limiter) GetConfig() LimitConfig {
	lim.lock.RLock()
	defer lim.lock.RUnlock()
	return lim.config
}

func (lim *limiter) Status() Status {
	lim.lock.RLock()
	defer lim.lock.RUnlock()
	st := Status{Config: lim.config}
	if lim.readCountLimit != nil {
		st.ReadRunning = lim.readCountLimit.Running()
	}
	if lim.writeCountLimit != nil {
		st.WriteRunning = lim.writeCountLimit.Running()
	}
	st.ReplicationWait = rateWait(lim.rateReplication)
	return st
}

func rateWait(r *rate.Limiter) int {
	if r == nil {
		return 0
	}
	now := time.Now()
	reserve := r.ReserveN(now, int(r.Limit())/2)
	duration := reserve.DelayFrom(now)
	reserve.Cancel()
	return int(duration.Milliseconds())
}

const minusOne = ^uint32(0)

type countLimit struct {
	limit   uint32
	current uint32
}

// NewCountLimit returns limiter with concurrent n
func NewCountLimit(n int) CountLimit {
	return &countLimit{limit: uint32(n)}
}

func (l *countLimit) Running() int {
	return int(atomic.LoadUint32(&l.current))
}

func (l *countLimit) Acquire() error {
	if atomic.AddUint32(&l.current, 1) > atomic.LoadUint32(&l.limit) {
		atomic.AddUint32(&l.current, minusOne)
		return apierrors.ErrBackpressure
	}
	return nil
}

func (l *countLimit) Release() {
	atomic.AddUint32(&l.current, minusOne)
}

func (l *countLimit) SetLimit(limit uint32) {
	atomic.StoreUint32(&l.limit, limit)
}
