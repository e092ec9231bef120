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

package server

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/profile"
	"github.com/cubefs/cubefs/blobstore/common/rpc"
	"github.com/cubefs/cubefs/blobstore/common/rpc/auditlog"
	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/log"
	apierrors "github.com/cubefs/fsmeta/errors"
	"github.com/cubefs/fsmeta/metrics"
	"github.com/cubefs/fsmeta/proto"
	"github.com/cubefs/fsmeta/raft"
	"github.com/cubefs/fsmeta/shardserver/catalog"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	defaultShutdownTimeoutS      = 10
	defaultReadRequestTimeoutS   = 30
	defaultWriteResponseTimeoutS = 30
	// fsck walks every shard of the site.
	defaultFsckTimeoutS = 600

	defaultConflictListLimit = 100
)

type (
	ShardStat struct {
		Shard  uint32     `json:"shard"`
		Leader bool       `json:"leader"`
		Raft   *raft.Stat `json:"raft,omitempty"`
		Error  string     `json:"error,omitempty"`
	}
	ErrorResponse struct {
		Code  uint32 `json:"code"`
		Error string `json:"error"`
	}
	FsckResponse struct {
		Reports  []*proto.FsckReport `json:"reports"`
		Repaired uint64              `json:"repaired"`
	}
	GCResponse struct {
		Reclaimed uint64 `json:"reclaimed"`
	}

	SiteArgs struct {
		Site   uint32 `json:"site"`
		Reason string `json:"reason,omitempty"`
	}
	ConflictArgs struct {
		Shard  uint32 `json:"shard"`
		Marker string `json:"marker,omitempty"`
		Limit  uint32 `json:"limit,omitempty"`
	}
	FsckArgs struct {
		Repair bool `json:"repair,omitempty"`
	}
	LimitArgs struct {
		Read            uint32 `json:"read,omitempty"`
		Write           uint32 `json:"write,omitempty"`
		ReplicationMBPS int    `json:"replication_mbps,omitempty"`
	}
)

// HttpServer serves the operator api of a node.
type HttpServer struct {
	httpServer *http.Server
	auditLog   auditlog.LogCloser

	*Server
}

func NewHttpServer(server *Server) *HttpServer {
	return &HttpServer{Server: server}
}

func (h *HttpServer) Serve(addr string) error {
	handler, err := h.Handler(addr)
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  defaultReadRequestTimeoutS * time.Second,
		WriteTimeout: defaultWriteResponseTimeoutS * time.Second,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server exits:", err)
		}
	}()
	h.httpServer = httpServer

	log.Info("http server is running at:", addr)
	return nil
}

func (h *HttpServer) Stop() {
	if h.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeoutS*time.Second)
		defer cancel()
		h.httpServer.Shutdown(ctx)
	}
	if h.auditLog != nil {
		h.auditLog.Close()
	}
}

// Handler wraps the api routes with the profile handler and, when an
// audit log dir is configured, the request audit log.
func (h *HttpServer) Handler(addr string) (http.Handler, error) {
	phs := []rpc.ProgressHandler{profile.NewProfileHandler(addr)}
	if h.cfg.AdminAuditLog.LogDir != "" {
		ph, logFile, err := auditlog.Open("fsmeta", &h.cfg.AdminAuditLog)
		if err != nil {
			return nil, apierrors.Reason(apierrors.ErrInvalidConfig, "open admin audit log: %s", err)
		}
		h.auditLog = logFile
		phs = append(phs, ph)
	}
	return rpc.MiddlewareHandlerWith(h.newHandler(), phs...), nil
}

func (h *HttpServer) newHandler() *rpc.Router {
	r := rpc.New()
	r.Handle(http.MethodGet, "/stats", h.Stats)
	r.Handle(http.MethodGet, "/replication/status", h.ReplicationStatus)
	r.Handle(http.MethodPost, "/replication/pause", h.PauseReplication, rpc.OptArgsQuery())
	r.Handle(http.MethodPost, "/replication/resume", h.ResumeReplication, rpc.OptArgsQuery())
	r.Handle(http.MethodGet, "/conflicts", h.Conflicts, rpc.OptArgsQuery())
	r.Handle(http.MethodGet, "/fence", h.Fence)
	r.Handle(http.MethodPost, "/fence/enroll", h.Enroll, rpc.OptArgsQuery())
	r.Handle(http.MethodPost, "/fence/issue", h.IssueFence, rpc.OptArgsQuery())
	r.Handle(http.MethodPost, "/fsck", h.Fsck, rpc.OptArgsQuery())
	r.Handle(http.MethodPost, "/journal/gc", h.JournalGC)
	r.Handle(http.MethodGet, "/limit", h.GetLimit)
	r.Handle(http.MethodPost, "/limit", h.SetLimit, rpc.OptArgsQuery())

	metricsHandler := promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})
	r.Handle(http.MethodGet, "/metrics", func(c *rpc.Context) {
		metricsHandler.ServeHTTP(c.Writer, c.Request)
	})
	return r
}

func respondError(c *rpc.Context, err error) {
	c.RespondStatusData(apierrors.HTTPStatus(err), ErrorResponse{Code: apierrors.Code(err), Error: err.Error()})
}

func (h *HttpServer) Stats(c *rpc.Context) {
	var stats []ShardStat
	h.shardServer.RangeShard(func(s catalog.Shard) bool {
		st := ShardStat{Shard: s.ID(), Leader: s.IsLeader()}
		stat, err := s.Stat()
		if err != nil {
			st.Error = err.Error()
		} else {
			st.Raft = stat
		}
		stats = append(stats, st)
		return true
	})
	sort.Slice(stats, func(i, j int) bool { return stats[i].Shard < stats[j].Shard })
	c.RespondJSON(stats)
}

func (h *HttpServer) ReplicationStatus(c *rpc.Context) {
	c.RespondJSON(h.replication.Status())
}

func (h *HttpServer) PauseReplication(c *rpc.Context) {
	args := new(SiteArgs)
	if err := c.ParseArgs(args); err != nil {
		respondError(c, apierrors.Reason(apierrors.ErrInvalidArgument, "%s", err))
		return
	}
	if err := h.replication.Pause(args.Site); err != nil {
		respondError(c, err)
		return
	}
	log.Warnf("replication to site[%d] paused by operator", args.Site)
	c.RespondStatus(http.StatusOK)
}

func (h *HttpServer) ResumeReplication(c *rpc.Context) {
	args := new(SiteArgs)
	if err := c.ParseArgs(args); err != nil {
		respondError(c, apierrors.Reason(apierrors.ErrInvalidArgument, "%s", err))
		return
	}
	if err := h.replication.Resume(args.Site); err != nil {
		respondError(c, err)
		return
	}
	log.Infof("replication to site[%d] resumed by operator", args.Site)
	c.RespondStatus(http.StatusOK)
}

func (h *HttpServer) Conflicts(c *rpc.Context) {
	args := new(ConflictArgs)
	if err := c.ParseArgs(args); err != nil {
		respondError(c, apierrors.Reason(apierrors.ErrInvalidArgument, "%s", err))
		return
	}
	if args.Limit == 0 {
		args.Limit = defaultConflictListLimit
	}
	resp, err := h.client.Router().Read(c.Request.Context(), &proto.ReadRequest{
		Shard:  args.Shard,
		Type:   proto.ReadListConflicts,
		Marker: args.Marker,
		Limit:  args.Limit,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.RespondJSON(resp.Conflicts)
}

func (h *HttpServer) Fence(c *rpc.Context) {
	state, err := h.authority.State(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.RespondJSON(state)
}

func (h *HttpServer) Enroll(c *rpc.Context) {
	args := new(SiteArgs)
	if err := c.ParseArgs(args); err != nil {
		respondError(c, apierrors.Reason(apierrors.ErrInvalidArgument, "%s", err))
		return
	}
	state, err := h.EnrollSite(c.Request.Context(), args.Site)
	if err != nil {
		respondError(c, err)
		return
	}
	c.RespondJSON(state)
}

func (h *HttpServer) IssueFence(c *rpc.Context) {
	args := new(SiteArgs)
	if err := c.ParseArgs(args); err != nil {
		respondError(c, apierrors.Reason(apierrors.ErrInvalidArgument, "%s", err))
		return
	}
	if args.Reason == "" {
		args.Reason = "operator"
	}
	state, err := h.authority.IssueFence(c.Request.Context(), args.Site, args.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.RespondJSON(state)
}

func (h *HttpServer) Fsck(c *rpc.Context) {
	args := new(FsckArgs)
	if err := c.ParseArgs(args); err != nil {
		respondError(c, apierrors.Reason(apierrors.ErrInvalidArgument, "%s", err))
		return
	}
	span, ctx := trace.StartSpanFromContext(c.Request.Context(), "fsck")
	ctx, cancel := context.WithTimeout(ctx, defaultFsckTimeoutS*time.Second)
	defer cancel()

	reports, err := h.client.Check(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	ret := FsckResponse{Reports: reports}
	if args.Repair {
		if ret.Repaired, err = h.client.Repair(ctx, reports); err != nil {
			span.Warnf("repair stopped after %d fixes: %s", ret.Repaired, err)
			respondError(c, err)
			return
		}
	}
	c.RespondJSON(ret)
}

func (h *HttpServer) JournalGC(c *rpc.Context) {
	n, err := h.retention.RunOnce(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.RespondJSON(GCResponse{Reclaimed: n})
}

func (h *HttpServer) GetLimit(c *rpc.Context) {
	c.RespondJSON(h.limiter.Status())
}

func (h *HttpServer) SetLimit(c *rpc.Context) {
	args := new(LimitArgs)
	if err := c.ParseArgs(args); err != nil {
		respondError(c, apierrors.Reason(apierrors.ErrInvalidArgument, "%s", err))
		return
	}
	if args.Read > 0 {
		h.limiter.SetReadConcurrency(args.Read)
	}
	if args.Write > 0 {
		h.limiter.SetWriteConcurrency(args.Write)
	}
	if args.ReplicationMBPS > 0 {
		h.limiter.SetReplicationMBPS(args.ReplicationMBPS)
	}
	c.RespondJSON(h.limiter.Status())
}
