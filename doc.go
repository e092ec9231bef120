/*
 *
 * Copyright 2023 CubeFS authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

/*

# fsmeta: multi-site metadata of a scale-out file store

## Goals

1, strong consistency inside a site, every namespace change commits through raft

2, local speed writes at every site, other sites catch up asynchronously

3, deterministic reconciliation of writes made on both sides of a partition

## Data Model

* Inode, ino --> kind, owner, mode, size, times, nlink, content ref, version

* Dirent, <parent ino, name> --> child ino, names of a parent are ordered

* Xattr, <ino, name> --> value

* Lock, ino --> holder, mode, lease expiry

* Journal, per shard sequence --> change, the unit other sites replay

* Cursor, per remote site --> last acknowledged journal sequence

* Fence, epoch + owner + active epoch of every enrolled site

## Architecture

A site runs a set of nodes, each hosting raft replicas of some shards:

* Router, ino or <parent, name> --> shard, shard --> replicas by a hash ring

* Shard, one raft group applying ops into a rocksdb column family set

* Replication, one agent per led shard and remote site tails the journal

* Fence, the epoch authority, fence copies are synced into every shard

* Health, gossip between sites, moves ownership when the owner is gone

Every node provides endpoints via gRPC (shards, raft, replication) and a
RESTful operator API.

### Replication

multi-raft inside a site, journal shipping between sites

### Storage

a node has a single rocksdb instance, shards share its column families

### Conflicts

version vectors order changes causally, concurrent ones go to the later
timestamp with the higher site id breaking ties, every decision is recorded


## Building Blocks

* etcd raft
* Rocksdb
* gRPC
* memberlist
* consul
* Prometheus

*/

package fsmeta
