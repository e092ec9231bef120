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
	"sync"
	"time"

	"github.com/cubefs/fsmeta/util"
)

type Level int

const (
	LevelNone Level = iota
	LevelMild
	LevelModerate
	LevelSevere
	LevelHalt
)

var levelNames = [...]string{"none", "mild", "moderate", "severe", "halt"}

func (l Level) String() string {
	if l < LevelNone || l > LevelHalt {
		return "unknown"
	}
	return levelNames[l]
}

// Delay is the pause before each batch sent at this level. Nothing is
// sent at LevelHalt.
func (l Level) Delay() time.Duration {
	switch l {
	case LevelMild:
		return 5 * time.Millisecond
	case LevelModerate:
		return 50 * time.Millisecond
	case LevelSevere:
		return 500 * time.Millisecond
	}
	return 0
}

type BackpressureConfig struct {
	// queue depths are changes sent and not yet acknowledged
	MildQueueDepth     uint64 `json:"mild_queue_depth"`
	ModerateQueueDepth uint64 `json:"moderate_queue_depth"`
	SevereQueueDepth   uint64 `json:"severe_queue_depth"`
	HaltQueueDepth     uint64 `json:"halt_queue_depth"`
	ModerateErrors     int    `json:"moderate_errors"`
	SevereErrors       int    `json:"severe_errors"`
	HaltErrors         int    `json:"halt_errors"`
}

func (cfg *BackpressureConfig) setDefaults() {
	util.SetDefault(&cfg.MildQueueDepth, 1000)
	util.SetDefault(&cfg.ModerateQueueDepth, 10000)
	util.SetDefault(&cfg.SevereQueueDepth, 100000)
	util.SetDefault(&cfg.HaltQueueDepth, 1000000)
	util.SetDefault(&cfg.ModerateErrors, 3)
	util.SetDefault(&cfg.SevereErrors, 10)
	util.SetDefault(&cfg.HaltErrors, 20)
}

// Backpressure derives the sending level of one agent from its queue
// depth and its consecutive send errors, the higher of the two wins.
type Backpressure struct {
	cfg *BackpressureConfig

	lock       sync.Mutex
	queueDepth uint64
	errors     int
	forceHalt  bool
}

func NewBackpressure(cfg *BackpressureConfig) *Backpressure {
	cfg.setDefaults()
	return &Backpressure{cfg: cfg}
}

func (b *Backpressure) SetQueueDepth(depth uint64) {
	b.lock.Lock()
	b.queueDepth = depth
	b.lock.Unlock()
}

func (b *Backpressure) RecordSuccess() {
	b.lock.Lock()
	b.errors = 0
	b.lock.Unlock()
}

func (b *Backpressure) RecordError() {
	b.lock.Lock()
	b.errors++
	b.lock.Unlock()
}

// ForceHalt stops sending until ClearHalt.
func (b *Backpressure) ForceHalt() {
	b.lock.Lock()
	b.forceHalt = true
	b.lock.Unlock()
}

func (b *Backpressure) ClearHalt() {
	b.lock.Lock()
	b.forceHalt = false
	b.lock.Unlock()
}

func (b *Backpressure) Forced() bool {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.forceHalt
}

func (b *Backpressure) Errors() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.errors
}

func (b *Backpressure) Level() Level {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.forceHalt {
		return LevelHalt
	}

	queue := LevelNone
	switch {
	case b.queueDepth >= b.cfg.HaltQueueDepth:
		queue = LevelHalt
	case b.queueDepth >= b.cfg.SevereQueueDepth:
		queue = LevelSevere
	case b.queueDepth >= b.cfg.ModerateQueueDepth:
		queue = LevelModerate
	case b.queueDepth >= b.cfg.MildQueueDepth:
		queue = LevelMild
	}

	errs := LevelNone
	switch {
	case b.errors >= b.cfg.HaltErrors:
		errs = LevelHalt
	case b.errors >= b.cfg.SevereErrors:
		errs = LevelSevere
	case b.errors >= b.cfg.ModerateErrors:
		errs = LevelModerate
	}

	if queue > errs {
		return queue
	}
	return errs
}
