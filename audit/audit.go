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

// Package audit writes operator facing events (conflicts, fencing and shard
// isolation) as json lines into a rotating file.
package audit

import (
	"io"

	"github.com/cubefs/fsmeta/proto"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	defaultMaxSizeMB  = 128
	defaultMaxBackups = 10
)

type Config struct {
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
	Compress   bool   `json:"compress"`
}

type Logger struct {
	z      *zap.Logger
	closer io.Closer
}

// New returns a logger writing to cfg.Path. An empty path disables auditing.
func New(cfg *Config) *Logger {
	if cfg == nil || cfg.Path == "" {
		return Nop()
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = defaultMaxSizeMB
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = defaultMaxBackups
	}
	w := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	return newLogger(zapcore.AddSync(w), w)
}

func newLogger(ws zapcore.WriteSyncer, closer io.Closer) *Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), ws, zap.InfoLevel)
	return &Logger{z: zap.New(core), closer: closer}
}

func Nop() *Logger {
	return &Logger{z: zap.NewNop()}
}

// Conflict records a resolved concurrent write.
func (l *Logger) Conflict(rec *proto.ConflictRecord) {
	local, remote := rec.Local.Version(), rec.Remote.Version()
	l.z.Info("conflict",
		zap.String("id", rec.ID),
		zap.Uint32("shard", rec.Shard),
		zap.String("key", rec.Key),
		zap.Uint32("site", rec.Site),
		zap.Uint32("peer_site", rec.PeerSite),
		zap.String("local_version", local.String()),
		zap.String("remote_version", remote.String()),
		zap.String("local_vector", rec.Local.Vector().String()),
		zap.String("remote_vector", rec.Remote.Vector().String()),
		zap.Stringer("winner", rec.Winner),
	)
}

// Fence records a change of the fencing state.
func (l *Logger) Fence(action string, site uint32, state *proto.FenceState, reason string) {
	l.z.Warn("fence",
		zap.String("action", action),
		zap.Uint32("site", site),
		zap.Uint64("epoch", state.Epoch),
		zap.Uint32("owner", state.Owner),
		zap.String("reason", reason),
	)
}

// Isolation records a shard stopped after an invariant violation.
func (l *Logger) Isolation(shard uint32, node uint64, err error) {
	l.z.Error("shard isolated",
		zap.Uint32("shard", shard),
		zap.Uint64("node", node),
		zap.Error(err),
	)
}

// Failover records an automatic ownership change decided by the health prober.
func (l *Logger) Failover(from, to uint32, unreachableFor string) {
	l.z.Warn("failover",
		zap.Uint32("from", from),
		zap.Uint32("to", to),
		zap.String("unreachable_for", unreachableFor),
	)
}

func (l *Logger) Close() error {
	_ = l.z.Sync()
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}
