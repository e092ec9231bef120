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

package replication

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/cubefs/cubefs/blobstore/common/trace"
	apierrors "github.com/cubefs/fsmeta/errors"
	"github.com/cubefs/fsmeta/metrics"
	"github.com/cubefs/fsmeta/proto"
	"github.com/cubefs/fsmeta/util"
	"github.com/cubefs/fsmeta/util/limiter"
)

const highWaterPercent = 80

type AgentConfig struct {
	// BatchSize is the most journal records one batch carries.
	BatchSize int `json:"batch_size"`
	// FlushIntervalMs is how long a batch shorter than BatchSize waits
	// for more records.
	FlushIntervalMs int64 `json:"flush_interval_ms"`
	PollIntervalMs  int64 `json:"poll_interval_ms"`
	// Window bounds the batches in flight. Reading stops at 80% of it.
	Window             int                `json:"window"`
	SendTimeoutMs      int64              `json:"send_timeout_ms"`
	RetryIntervalMs    int64              `json:"retry_interval_ms"`
	MaxRetryIntervalMs int64              `json:"max_retry_interval_ms"`
	Backpressure       BackpressureConfig `json:"backpressure"`
}

func (cfg *AgentConfig) setDefaults() {
	util.SetDefault(&cfg.BatchSize, 1000)
	util.SetDefault(&cfg.FlushIntervalMs, 100)
	util.SetDefault(&cfg.PollIntervalMs, 20)
	util.SetDefault(&cfg.Window, 8)
	util.SetDefault(&cfg.SendTimeoutMs, 10*1000)
	util.SetDefault(&cfg.RetryIntervalMs, 100)
	util.SetDefault(&cfg.MaxRetryIntervalMs, 5*1000)
	cfg.Backpressure.setDefaults()
}

type (
	// Source is the local shard an agent tails.
	Source interface {
		ID() uint32
		IsLeader() bool
		Propose(ctx context.Context, op *proto.Op) (*proto.OpResult, error)
		ReadJournal(ctx context.Context, from uint64, limit int) ([]proto.JournalRecord, error)
		ReplStatus(ctx context.Context) (*proto.ReplStatus, error)
	}
	// Sink delivers batches to the peer site.
	Sink interface {
		Replicate(ctx context.Context, batch *proto.ReplicateBatch) (*proto.ReplicateAck, error)
	}
)

// AgentStatus is the progress of one agent.
type AgentStatus struct {
	Shard    uint32 `json:"shard"`
	Site     uint32 `json:"site"`
	Cursor   uint64 `json:"cursor"`
	Last     uint64 `json:"journal_last"`
	Inflight int    `json:"inflight"`
	Level    string `json:"level"`
	Errors   int    `json:"errors"`
}

type flight struct {
	batch   *proto.ReplicateBatch
	records uint64
	ack     *proto.ReplicateAck
	err     error
	done    chan struct{}
}

// Agent ships the journal of one local shard to one peer site. Records
// are read from the persisted cursor on, sent in order with several
// batches in flight, and the cursor moves only over acknowledged records,
// so a restarted agent resends what was not acknowledged and the peer
// drops what it already applied.
type Agent struct {
	cfg     *AgentConfig
	site    uint32
	peer    uint32
	src     Source
	sink    Sink
	limiter limiter.Limiter
	bp      *Backpressure

	cursor   uint64
	last     uint64
	inflight int32
	now      func() time.Time
}

func NewAgent(cfg *AgentConfig, site, peer uint32, src Source, sink Sink, lim limiter.Limiter) *Agent {
	cfg.setDefaults()
	if lim == nil {
		lim = limiter.NewLimiter(limiter.LimitConfig{})
	}
	return &Agent{
		cfg:     cfg,
		site:    site,
		peer:    peer,
		src:     src,
		sink:    sink,
		limiter: lim,
		bp:      NewBackpressure(&cfg.Backpressure),
		now:     time.Now,
	}
}

func (a *Agent) Backpressure() *Backpressure { return a.bp }

func (a *Agent) Status() AgentStatus {
	level := a.bp.Level()
	return AgentStatus{
		Shard:    a.src.ID(),
		Site:     a.peer,
		Cursor:   atomic.LoadUint64(&a.cursor),
		Last:     atomic.LoadUint64(&a.last),
		Inflight: int(atomic.LoadInt32(&a.inflight)),
		Level:    level.String(),
		Errors:   a.bp.Errors(),
	}
}

func (a *Agent) highWater() int {
	n := a.cfg.Window * highWaterPercent / 100
	if n < 1 {
		n = 1
	}
	return n
}

// Run ships records until ctx is done or the shard loses leadership.
func (a *Agent) Run(ctx context.Context) error {
	span := trace.SpanFromContextSafe(ctx)
	status, err := a.src.ReplStatus(ctx)
	if err != nil {
		return err
	}
	if !enrolled(status, a.peer) {
		if err = a.advance(ctx, 0); err != nil {
			return err
		}
	}
	atomic.StoreUint64(&a.cursor, status.Cursor(a.peer))
	span.Infof("replication of shard[%d] to site[%d] starts after %d", a.src.ID(), a.peer, a.cursor)

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = time.Duration(a.cfg.RetryIntervalMs) * time.Millisecond
	retry.MaxInterval = time.Duration(a.cfg.MaxRetryIntervalMs) * time.Millisecond
	retry.MaxElapsedTime = 0

	var inflight []*flight
	defer func() {
		for _, f := range inflight {
			<-f.done
		}
		atomic.StoreInt32(&a.inflight, 0)
	}()

	next := a.cursor + 1
	poll := time.Duration(a.cfg.PollIntervalMs) * time.Millisecond
	for {
		if !a.src.IsLeader() {
			return apierrors.ErrNotLeader
		}
		for len(inflight) < a.highWater() && a.canSend(len(inflight)) {
			batch, records, err := a.nextBatch(ctx, next)
			if err != nil {
				return err
			}
			if batch == nil {
				break
			}
			if err = sleep(ctx, a.bp.Level().Delay()); err != nil {
				return err
			}
			data, err := batch.Marshal()
			if err != nil {
				return err
			}
			if err = a.limiter.WaitReplication(ctx, len(data)); err != nil {
				return err
			}
			inflight = append(inflight, a.send(ctx, batch, records))
			next = batch.To + 1
			a.setInflight(inflight)
		}

		if len(inflight) == 0 {
			if err = sleep(ctx, poll); err != nil {
				return err
			}
			continue
		}

		head := inflight[0]
		select {
		case <-head.done:
		case <-ctx.Done():
			return ctx.Err()
		}
		inflight = inflight[1:]
		a.setInflight(inflight)
		if head.err == nil {
			a.bp.RecordSuccess()
			retry.Reset()
			metrics.ReplicationBatches.WithLabelValues(strconv.Itoa(int(a.peer)), "ok").Inc()
			if err = a.advance(ctx, head.ack.Applied); err != nil {
				return err
			}
			continue
		}

		// later batches cannot apply before this one, collect what the
		// peer acknowledged and resend from there
		a.bp.RecordError()
		metrics.ReplicationBatches.WithLabelValues(strconv.Itoa(int(a.peer)), "error").Inc()
		span.Warnf("replicate shard[%d] [%d, %d] to site[%d] failed: %s",
			a.src.ID(), head.batch.From, head.batch.To, a.peer, head.err)
		applied := acknowledged(head)
		for _, f := range inflight {
			<-f.done
			if seq := acknowledged(f); seq > applied {
				applied = seq
			}
		}
		inflight = inflight[:0]
		a.setInflight(inflight)
		if applied > atomic.LoadUint64(&a.cursor) {
			if err = a.advance(ctx, applied); err != nil {
				return err
			}
		}
		next = atomic.LoadUint64(&a.cursor) + 1
		if apierrors.IsInvariant(head.err) {
			return head.err
		}
		if err = sleep(ctx, retry.NextBackOff()); err != nil {
			return err
		}
	}
}

// canSend reports whether one more batch may go out. A halt caused by
// errors still lets a single trial batch through after the retry delay.
func (a *Agent) canSend(inflight int) bool {
	if a.bp.Level() != LevelHalt {
		return true
	}
	return inflight == 0 && !a.bp.Forced()
}

// nextBatch reads the records after next. A short batch is held back until
// its oldest record waited FlushIntervalMs.
func (a *Agent) nextBatch(ctx context.Context, next uint64) (*proto.ReplicateBatch, uint64, error) {
	status, err := a.src.ReplStatus(ctx)
	if err != nil {
		return nil, 0, err
	}
	atomic.StoreUint64(&a.last, status.JournalLast)
	if status.JournalLast < next {
		return nil, 0, nil
	}
	if status.JournalFirst > next {
		return nil, 0, apierrors.Reason(apierrors.ErrInvariant,
			"journal of shard %d starts at %d, site %d needs %d", a.src.ID(), status.JournalFirst, a.peer, next)
	}
	token := proto.FenceToken{Site: a.site}
	if status.Fence != nil {
		var ok bool
		if token, ok = status.Fence.Token(a.site); !ok {
			// fenced off, nothing is shipped until the site is enrolled again
			return nil, 0, nil
		}
	}

	records, err := a.src.ReadJournal(ctx, next, a.cfg.BatchSize)
	if err != nil || len(records) == 0 {
		return nil, 0, err
	}
	if records[0].Seq != next {
		return nil, 0, apierrors.Reason(apierrors.ErrInvariant,
			"journal of shard %d has %d after %d", a.src.ID(), records[0].Seq, next-1)
	}
	flushAt := time.Unix(0, records[0].Timestamp).Add(time.Duration(a.cfg.FlushIntervalMs) * time.Millisecond)
	if len(records) < a.cfg.BatchSize && a.now().Before(flushAt) {
		return nil, 0, nil
	}

	last := records[len(records)-1].Seq
	return &proto.ReplicateBatch{
		SourceSite: a.site,
		TargetSite: a.peer,
		Shard:      a.src.ID(),
		From:       next,
		To:         last,
		Token:      token,
		Changes:    Compact(records),
	}, uint64(len(records)), nil
}

func (a *Agent) send(ctx context.Context, batch *proto.ReplicateBatch, records uint64) *flight {
	f := &flight{batch: batch, records: records, done: make(chan struct{})}
	go func() {
		defer close(f.done)
		sctx, cancel := context.WithTimeout(ctx, time.Duration(a.cfg.SendTimeoutMs)*time.Millisecond)
		defer cancel()
		f.ack, f.err = a.sink.Replicate(sctx, batch)
		if f.ack == nil {
			f.ack = &proto.ReplicateAck{}
		}
	}()
	return f
}

func (a *Agent) setInflight(inflight []*flight) {
	depth := uint64(0)
	for _, f := range inflight {
		depth += f.records
	}
	a.bp.SetQueueDepth(depth)
	atomic.StoreInt32(&a.inflight, int32(len(inflight)))
	metrics.BackpressureLevel.WithLabelValues(strconv.Itoa(int(a.peer))).Set(float64(a.bp.Level()))
}

// advance persists the cursor through the shard log.
func (a *Agent) advance(ctx context.Context, seq uint64) error {
	op, err := proto.NewOp(proto.OpAdvanceCursor, &proto.CursorOp{Site: a.peer, Seq: seq})
	if err != nil {
		return err
	}
	ret, err := a.src.Propose(ctx, op)
	if err != nil {
		return err
	}
	atomic.StoreUint64(&a.cursor, ret.Applied)
	return nil
}

// acknowledged returns the inbound sequence a reply carries. Successful
// replies and out of order rejections both report it.
func acknowledged(f *flight) uint64 {
	if f.err == nil || apierrors.Is(f.err, apierrors.ErrOutOfOrder) {
		return f.ack.Applied
	}
	return 0
}

func enrolled(status *proto.ReplStatus, site uint32) bool {
	for _, c := range status.Cursors {
		if c.Site == site {
			return true
		}
	}
	return false
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
