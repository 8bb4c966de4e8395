/*
 * MIT License
 *
 * Copyright (c) 2020 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

// Package selective picks one (or several) weighted nodes out of a
// fixed set using one of six policies: random, serial, round-robin,
// ketama, rendezvous or jump-hash. Ketama and rendezvous pick by a
// caller-supplied key so repeated picks for the same key land on the
// same node as long as the node set is unchanged (spec §4.B).
package selective

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"math"
	"math/rand/v2"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// Policy selects the node-picking algorithm.
type Policy int

const (
	Random Policy = iota
	Serial
	RoundRobin
	Ketama
	Rendezvous
	JumpHash
)

// ParsePolicy accepts the same aliases as the policy this package is
// grounded on ("rr"/"round_robin", "jump"/"jump_hash", ...).
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(s) {
	case "random":
		return Random, nil
	case "serial", "sequence":
		return Serial, nil
	case "roundrobin", "rr", "round_robin":
		return RoundRobin, nil
	case "ketama":
		return Ketama, nil
	case "rendezvous":
		return Rendezvous, nil
	case "jump", "jumphash", "jump_hash":
		return JumpHash, nil
	default:
		return 0, errors.New("selective: unknown pick policy " + s)
	}
}

// Item is a node eligible for selection. HashBytes feeds the ketama
// ring seed and the rendezvous per-node hash; it must be stable for
// the lifetime of the node (e.g. its address or name).
type Item interface {
	Weight() float64
	HashBytes() []byte
}

type ringPoint struct {
	idx  int
	hash uint32
}

// Vec is an immutable, built-once collection of weighted nodes
// supporting every Policy. Construct with Build; a Vec is safe for
// concurrent use (round-robin state is the only mutable field and is
// updated atomically).
type Vec[T Item] struct {
	weighted bool
	nodes    []T
	rrID     atomic.Uint64
	ring     []ringPoint
}

// ErrEmpty is returned by Build when given no nodes.
var ErrEmpty = errors.New("selective: empty node set")

const ketamaPointsPerWeight = 160

// Build sorts nodes by descending weight (ties keep insertion order),
// detects whether the set is weighted, and builds the ketama ring
// ahead of time so Ketama picks never allocate.
func Build[T Item](nodes []T) (*Vec[T], error) {
	if len(nodes) == 0 {
		return nil, ErrEmpty
	}

	sorted := make([]T, len(nodes))
	copy(sorted, nodes)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Weight() > sorted[j].Weight()
	})

	weighted := false
	w0 := sorted[0].Weight()
	for _, n := range sorted {
		if n.Weight() != w0 {
			weighted = true
			break
		}
	}

	return &Vec[T]{
		weighted: weighted,
		nodes:    sorted,
		ring:     buildKetamaRing(sorted),
	}, nil
}

func weightUnits(w float64) uint32 {
	u := uint32(math.Ceil(w))
	if u == 0 {
		return 1
	}
	return u
}

// buildKetamaRing mirrors the chained-CRC32 ring construction: each
// node contributes weight*160 points, each point's hash derived from
// the node's seed bytes chained with the previous point's hash.
func buildKetamaRing[T Item](nodes []T) []ringPoint {
	ring := make([]ringPoint, 0, len(nodes)*ketamaPointsPerWeight)
	for i, n := range nodes {
		seed := n.HashBytes()
		points := weightUnits(n.Weight()) * ketamaPointsPerWeight

		buf := make([]byte, len(seed)+4)
		copy(buf, seed)
		var prev uint32
		for p := uint32(0); p < points; p++ {
			binary.LittleEndian.PutUint32(buf[len(seed):], prev)
			h := crc32.ChecksumIEEE(buf)
			ring = append(ring, ringPoint{idx: i, hash: h})
			prev = h
		}
	}
	sort.Slice(ring, func(i, j int) bool { return ring[i].hash < ring[j].hash })
	ring = dedupRing(ring)
	return ring
}

func dedupRing(ring []ringPoint) []ringPoint {
	if len(ring) == 0 {
		return ring
	}
	out := ring[:1]
	for _, p := range ring[1:] {
		if p.hash != out[len(out)-1].hash {
			out = append(out, p)
		}
	}
	return out
}

// PickRandom returns one node, weighted by Weight() when the set is
// not uniform.
func (v *Vec[T]) PickRandom() T {
	if len(v.nodes) == 1 {
		return v.nodes[0]
	}
	if !v.weighted {
		return v.nodes[rand.IntN(len(v.nodes))]
	}
	return v.nodes[weightedRandomIndex(v.nodes)]
}

func weightedRandomIndex[T Item](nodes []T) int {
	var total float64
	for _, n := range nodes {
		total += n.Weight()
	}
	target := rand.Float64() * total
	var acc float64
	for i, n := range nodes {
		acc += n.Weight()
		if target < acc {
			return i
		}
	}
	return len(nodes) - 1
}

// PickSerial always returns the highest-weight node.
func (v *Vec[T]) PickSerial() T { return v.nodes[0] }

// PickRoundRobin returns the node at the atomic cursor's current
// position and advances the cursor, wrapping at the end of the set.
func (v *Vec[T]) PickRoundRobin() T {
	if len(v.nodes) == 1 {
		return v.nodes[0]
	}
	for {
		id := v.rrID.Load()
		next := id + 1
		if next >= uint64(len(v.nodes)) {
			next = 0
		}
		if v.rrID.CompareAndSwap(id, next) {
			return v.nodes[id]
		}
	}
}

// PickKetama returns the node owning the first ring point whose hash
// is >= crc32(key); it wraps to the ring's first point past the end.
func (v *Vec[T]) PickKetama(key []byte) T {
	if len(v.nodes) == 1 {
		return v.nodes[0]
	}
	h := crc32.ChecksumIEEE(key)
	i := sort.Search(len(v.ring), func(i int) bool { return v.ring[i].hash >= h })
	if i >= len(v.ring) {
		i = 0
	}
	return v.nodes[v.ring[i].idx]
}

func rendezvousHash(key, item []byte) uint64 {
	d := xxhash.New()
	_, _ = d.Write(key)
	_, _ = d.Write(item)
	return d.Sum64()
}

// PickRendezvous returns the node with the highest rendezvous score
// for key; weighted sets use ln(hash/maxUint64)/weight, matching the
// teacher's weighted-rendezvous derivation.
func (v *Vec[T]) PickRendezvous(key []byte) T {
	if len(v.nodes) == 1 {
		return v.nodes[0]
	}
	node := v.nodes[0]
	if v.weighted {
		best := math.Inf(-1)
		for _, n := range v.nodes {
			h := float64(rendezvousHash(key, n.HashBytes()))
			score := math.Log(h/float64(math.MaxUint64)) / n.Weight()
			if score > best {
				best = score
				node = n
			}
		}
		return node
	}
	var best uint64
	for _, n := range v.nodes {
		h := rendezvousHash(key, n.HashBytes())
		if h > best {
			best = h
			node = n
		}
	}
	return node
}

const jumpMultiplier = 2862933555777941757

// PickJump implements Jump Consistent Hash (Lamping & Veach): no
// weight support, matching the teacher's pick_jump.
func (v *Vec[T]) PickJump(key []byte) T {
	n := len(v.nodes)
	if n == 1 {
		return v.nodes[0]
	}
	h := xxhash.Sum64(key)
	var b, j int64 = -1, 0
	for j < int64(n) {
		b = j
		h = h*jumpMultiplier + 1
		j = int64(float64(b+1) * (float64(int64(1)<<31) / float64((h>>33)+1)))
	}
	return v.nodes[b]
}

// Pick dispatches to the policy-specific picker. key is ignored by
// Random/Serial/RoundRobin.
func (v *Vec[T]) Pick(p Policy, key []byte) T {
	switch p {
	case Serial:
		return v.PickSerial()
	case RoundRobin:
		return v.PickRoundRobin()
	case Ketama:
		return v.PickKetama(key)
	case Rendezvous:
		return v.PickRendezvous(key)
	case JumpHash:
		return v.PickJump(key)
	default:
		return v.PickRandom()
	}
}

func clampN(n, max int) int {
	if n <= 0 {
		return 0
	}
	if n > max {
		return max
	}
	return n
}

// PickRandomN returns up to n distinct nodes chosen without
// replacement, weighted by Weight() when the set is not uniform
// (spec §4.B: Random's n-item variant is the one policy that must not
// repeat a node, unlike its single-pick form).
func (v *Vec[T]) PickRandomN(n int) []T {
	n = clampN(n, len(v.nodes))
	if n == 0 {
		return nil
	}
	if !v.weighted {
		perm := rand.Perm(len(v.nodes))
		out := make([]T, n)
		for i := 0; i < n; i++ {
			out[i] = v.nodes[perm[i]]
		}
		return out
	}
	return weightedRandomN(v.nodes, n)
}

// weightedRandomN draws n distinct nodes without replacement using
// the Efraimidis-Spirakis weighted reservoir key u^(1/weight), sorted
// descending.
func weightedRandomN[T Item](nodes []T, n int) []T {
	type keyed struct {
		node T
		key  float64
	}
	keys := make([]keyed, len(nodes))
	for i, nd := range nodes {
		w := nd.Weight()
		if w <= 0 {
			w = 1e-9
		}
		keys[i] = keyed{node: nd, key: math.Pow(rand.Float64(), 1/w)}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].key > keys[j].key })
	out := make([]T, n)
	for i := 0; i < n; i++ {
		out[i] = keys[i].node
	}
	return out
}

// PickSerialN returns the n highest-weight nodes, in descending-weight
// order.
func (v *Vec[T]) PickSerialN(n int) []T {
	n = clampN(n, len(v.nodes))
	out := make([]T, n)
	copy(out, v.nodes[:n])
	return out
}

// PickRoundRobinN returns the next n nodes off the round-robin
// cursor; since the cursor visits every node once per full cycle, the
// n results are distinct whenever n <= Len().
func (v *Vec[T]) PickRoundRobinN(n int) []T {
	n = clampN(n, len(v.nodes))
	out := make([]T, n)
	for i := 0; i < n; i++ {
		out[i] = v.PickRoundRobin()
	}
	return out
}

// PickRendezvousN returns the n nodes with the highest rendezvous
// score for key, descending, using the same weighted/unweighted score
// as PickRendezvous.
func (v *Vec[T]) PickRendezvousN(key []byte, n int) []T {
	n = clampN(n, len(v.nodes))
	type scored struct {
		node  T
		score float64
	}
	scores := make([]scored, len(v.nodes))
	for i, nd := range v.nodes {
		h := float64(rendezvousHash(key, nd.HashBytes()))
		if v.weighted {
			scores[i] = scored{node: nd, score: math.Log(h/float64(math.MaxUint64)) / nd.Weight()}
		} else {
			scores[i] = scored{node: nd, score: h}
		}
	}
	sort.Slice(scores, func(i, j int) bool { return scores[i].score > scores[j].score })
	out := make([]T, n)
	for i := 0; i < n; i++ {
		out[i] = scores[i].node
	}
	return out
}

// PickN dispatches to the policy-specific multi-pick. Ketama and
// JumpHash are single-target consistent-hash policies; spec §4.B
// defines no n-item variant for them, so PickN falls back to their
// single pick wrapped in a one-element slice.
func (v *Vec[T]) PickN(p Policy, key []byte, n int) []T {
	switch p {
	case Serial:
		return v.PickSerialN(n)
	case RoundRobin:
		return v.PickRoundRobinN(n)
	case Rendezvous:
		return v.PickRendezvousN(key, n)
	case Random:
		return v.PickRandomN(n)
	default:
		return []T{v.Pick(p, key)}
	}
}

// Len reports the number of nodes in the set.
func (v *Vec[T]) Len() int { return len(v.nodes) }

// Nodes returns the (sorted-by-weight) node slice; callers must not
// mutate it.
func (v *Vec[T]) Nodes() []T { return v.nodes }
