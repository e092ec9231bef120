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

// Package health watches the other sites over a WAN gossip ring and fails
// ownership over when the owning site stays unreachable.
package health

import (
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/log"
	apierrors "github.com/cubefs/fsmeta/errors"
	"github.com/hashicorp/memberlist"
)

const memberPrefix = "site-"

type ProberConfig struct {
	BindAddr string `json:"bind_addr"`
	BindPort int    `json:"bind_port"`
	// Seeds are gossip addresses of the other sites.
	Seeds           []string `json:"seeds"`
	ProbeIntervalMs int64    `json:"probe_interval_ms"`
	ProbeTimeoutMs  int64    `json:"probe_timeout_ms"`
	// Verbose keeps the gossip library's own log lines.
	Verbose bool `json:"verbose"`
}

// Detector keeps, for every site, since when it has been unreachable.
type Detector struct {
	lock sync.Mutex
	seen map[uint32]bool
	down map[uint32]time.Time
}

func NewDetector() *Detector {
	return &Detector{seen: make(map[uint32]bool), down: make(map[uint32]time.Time)}
}

func (d *Detector) Up(site uint32) {
	d.lock.Lock()
	d.seen[site] = true
	delete(d.down, site)
	d.lock.Unlock()
}

// Down marks site unreachable from now on. A site already down keeps the
// time it went down.
func (d *Detector) Down(site uint32, now time.Time) {
	d.lock.Lock()
	if _, ok := d.down[site]; !ok {
		d.down[site] = now
	}
	d.lock.Unlock()
}

// UnreachableFor returns how long site has been unreachable. A site never
// seen counts as unreachable since the detector started watching it.
func (d *Detector) UnreachableFor(site uint32, now time.Time) time.Duration {
	d.lock.Lock()
	defer d.lock.Unlock()
	since, ok := d.down[site]
	if !ok {
		if d.seen[site] {
			return 0
		}
		d.down[site] = now
		return 0
	}
	return now.Sub(since)
}

// Reachable returns the sites currently up in ascending order.
func (d *Detector) Reachable() []uint32 {
	d.lock.Lock()
	defer d.lock.Unlock()
	ret := make([]uint32, 0, len(d.seen))
	for site := range d.seen {
		if _, down := d.down[site]; !down {
			ret = append(ret, site)
		}
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i] < ret[j] })
	return ret
}

// Prober joins the gossip ring of sites under the name of the local site
// and feeds membership changes into a Detector.
type Prober struct {
	site     uint32
	detector *Detector
	list     *memberlist.Memberlist
}

func NewProber(cfg *ProberConfig, site uint32) (*Prober, error) {
	p := &Prober{site: site, detector: NewDetector()}
	p.detector.Up(site)

	mlConfig := memberlist.DefaultWANConfig()
	mlConfig.Name = memberPrefix + strconv.Itoa(int(site))
	mlConfig.BindAddr = cfg.BindAddr
	mlConfig.BindPort = cfg.BindPort
	mlConfig.AdvertisePort = cfg.BindPort
	if cfg.ProbeIntervalMs > 0 {
		mlConfig.ProbeInterval = time.Duration(cfg.ProbeIntervalMs) * time.Millisecond
	}
	if cfg.ProbeTimeoutMs > 0 {
		mlConfig.ProbeTimeout = time.Duration(cfg.ProbeTimeoutMs) * time.Millisecond
	}
	mlConfig.Events = p
	if !cfg.Verbose {
		mlConfig.LogOutput = io.Discard
	}

	list, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, errors.Info(err, "create gossip member", mlConfig.Name)
	}
	p.list = list
	if len(cfg.Seeds) > 0 {
		if _, err = list.Join(cfg.Seeds); err != nil {
			log.Warnf("join gossip seeds %v failed: %s", cfg.Seeds, err)
		}
	}
	return p, nil
}

func (p *Prober) Detector() *Detector { return p.detector }

// Addr is the gossip address other sites join.
func (p *Prober) Addr() string {
	n := p.list.LocalNode()
	return n.Addr.String() + ":" + strconv.Itoa(int(n.Port))
}

func (p *Prober) Join(seeds []string) error {
	if _, err := p.list.Join(seeds); err != nil {
		return apierrors.Reason(apierrors.ErrUnavailable, "join %v: %s", seeds, err)
	}
	return nil
}

func siteOf(n *memberlist.Node) (uint32, bool) {
	if !strings.HasPrefix(n.Name, memberPrefix) {
		return 0, false
	}
	id, err := strconv.ParseUint(strings.TrimPrefix(n.Name, memberPrefix), 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(id), true
}

func (p *Prober) NotifyJoin(n *memberlist.Node) {
	if site, ok := siteOf(n); ok {
		log.Infof("site[%d] reachable at %s", site, n.Address())
		p.detector.Up(site)
	}
}

func (p *Prober) NotifyLeave(n *memberlist.Node) {
	if site, ok := siteOf(n); ok && site != p.site {
		log.Warnf("site[%d] unreachable", site)
		p.detector.Down(site, time.Now())
	}
}

func (p *Prober) NotifyUpdate(n *memberlist.Node) {}

// Leave announces the local site is going away and stops gossiping.
func (p *Prober) Leave(timeout time.Duration) error {
	if err := p.list.Leave(timeout); err != nil {
		return err
	}
	return p.list.Shutdown()
}

func (p *Prober) Close() error {
	return p.list.Shutdown()
}
