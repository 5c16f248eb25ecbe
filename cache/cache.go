package cache

import (
	"container/list"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/miekg/dns"
	"github.com/xlh001/oxide-wdns/util"
)

// Options configure a Cache.
type Options struct {
	// Size is the maximum number of entries.
	Size int
	// MinTTL and MaxTTL bound the TTL of positive answers.
	MinTTL time.Duration
	MaxTTL time.Duration
	// NegativeTTL is the fixed TTL of NXDOMAIN, NODATA and failure answers.
	// Zero disables negative caching.
	NegativeTTL time.Duration
	Clock       clockwork.Clock
}

// Answer is a cache hit.
type Answer struct {
	Msg      *dns.Msg
	Group    string
	Negative bool
	TTL      time.Duration
}

type entry struct {
	key  Key
	hash uint64

	msg *dns.Msg
	ede *dns.EDNS0_EDE

	stored   time.Time
	ttl      time.Duration
	negative bool
	group    string

	// guarded by the shard lock
	tick uint64
	elem *list.Element
}

// Cache is a sharded response cache. Every shard keeps its own recency
// list; a cache-wide access counter orders entries across shards so the
// evicted entry is always the least recently used one overall.
type Cache struct {
	shards [shardCount]*shard

	size   int
	minTTL time.Duration
	maxTTL time.Duration
	negTTL time.Duration
	clock  clockwork.Clock

	tick      atomic.Uint64
	count     atomic.Int64
	negatives atomic.Int64

	evictMu sync.Mutex
}

// New returns an empty cache.
func New(opts Options) *Cache {
	if opts.Size < 1 {
		opts.Size = 1
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	c := &Cache{
		size:   opts.Size,
		minTTL: opts.MinTTL,
		maxTTL: opts.MaxTTL,
		negTTL: opts.NegativeTTL,
		clock:  opts.Clock,
	}

	for i := range c.shards {
		c.shards[i] = newShard()
	}

	return c
}

func (c *Cache) shard(hash uint64) *shard {
	return c.shards[hash%shardCount]
}

// Get returns a copy of the live answer stored under key with its TTLs
// rewritten to the remaining lifetime. Expired entries are dropped.
func (c *Cache) Get(key Key) (*Answer, bool) {
	h := key.Hash()
	s := c.shard(h)

	s.mu.Lock()
	e, ok := s.items[h]
	if !ok || e.key != key {
		s.mu.Unlock()
		cacheMisses.Inc()
		return nil, false
	}

	remaining := e.ttl - c.clock.Since(e.stored)
	if remaining <= 0 {
		s.remove(e)
		s.mu.Unlock()
		c.forget(e)
		cacheMisses.Inc()
		return nil, false
	}

	s.lru.MoveToFront(e.elem)
	e.tick = c.tick.Add(1)
	s.mu.Unlock()

	cacheHits.Inc()

	return &Answer{
		Msg:      e.reply(remaining),
		Group:    e.group,
		Negative: e.negative,
		TTL:      remaining,
	}, true
}

// Put stores msg under key. Positive answers live for their smallest
// record TTL bounded to [MinTTL, MaxTTL]; negative answers for
// NegativeTTL. It reports whether the answer was cached.
func (c *Cache) Put(key Key, msg *dns.Msg, group string) bool {
	if msg == nil {
		return false
	}

	typ := util.ClassifyResponse(msg)
	if typ == util.TypeNotCacheable {
		return false
	}

	now := c.clock.Now()

	var ttl time.Duration
	negative := typ.IsNegative()
	if negative {
		ttl = c.negTTL
	} else {
		minTTL, _ := util.MinRecordTTL(msg, now)
		if minTTL == 0 && signed(msg) {
			// signatures already expired
			return false
		}
		ttl = util.ClampTTL(minTTL, c.minTTL, c.maxTTL)
	}

	if ttl <= 0 {
		return false
	}

	c.insert(newEntry(key, msg, now, ttl, negative, group))

	return true
}

// Remove deletes the entry stored under key.
func (c *Cache) Remove(key Key) {
	h := key.Hash()
	s := c.shard(h)

	s.mu.Lock()
	e, ok := s.items[h]
	if ok && e.key == key {
		s.remove(e)
	} else {
		ok = false
	}
	s.mu.Unlock()

	if ok {
		c.forget(e)
	}
}

// Len returns the number of stored entries, expired ones included.
func (c *Cache) Len() int {
	return int(c.count.Load())
}

// Purge drops every entry.
func (c *Cache) Purge() {
	for _, s := range c.shards {
		s.mu.Lock()
		for _, e := range s.items {
			s.remove(e)
			c.forget(e)
		}
		s.mu.Unlock()
	}
	c.updateGauge()
}

func (c *Cache) insert(e *entry) {
	s := c.shard(e.hash)

	s.mu.Lock()
	old, replaced := s.items[e.hash]
	if replaced {
		s.remove(old)
	}
	e.tick = c.tick.Add(1)
	e.elem = s.lru.PushFront(e)
	s.items[e.hash] = e
	s.mu.Unlock()

	if replaced {
		c.forget(old)
	}
	c.count.Add(1)
	if e.negative {
		c.negatives.Add(1)
	}

	c.evict()
	c.updateGauge()
}

// forget updates the counters after e left its shard.
func (c *Cache) forget(e *entry) {
	c.count.Add(-1)
	if e.negative {
		c.negatives.Add(-1)
	}
}

func (c *Cache) evict() {
	c.evictMu.Lock()
	defer c.evictMu.Unlock()

	for c.count.Load() > int64(c.size) {
		if !c.evictOldest() {
			return
		}
	}
}

// evictOldest removes the entry with the smallest access tick across all
// shard tails. It returns false when the cache is empty.
func (c *Cache) evictOldest() bool {
	var (
		victim *entry
		vtick  uint64
		vshard *shard
	)

	for _, s := range c.shards {
		s.mu.Lock()
		e, tick := s.oldest()
		s.mu.Unlock()

		if e != nil && (victim == nil || tick < vtick) {
			victim, vtick, vshard = e, tick, s
		}
	}

	if victim == nil {
		return false
	}

	vshard.mu.Lock()
	// touched or replaced since the scan; the caller rescans
	if victim.elem == nil || victim.tick != vtick {
		vshard.mu.Unlock()
		return true
	}
	vshard.remove(victim)
	vshard.mu.Unlock()

	c.forget(victim)
	cacheEvictions.Inc()

	return true
}

func (c *Cache) updateGauge() {
	neg := c.negatives.Load()
	cacheSize.WithLabelValues("positive").Set(float64(c.count.Load() - neg))
	cacheSize.WithLabelValues("negative").Set(float64(neg))
}

type rankedEntry struct {
	e    *entry
	tick uint64
}

// entries returns all stored entries, most recently used first.
func (c *Cache) entries() []*entry {
	ranked := make([]rankedEntry, 0, c.Len())

	for _, s := range c.shards {
		s.mu.Lock()
		for el := s.lru.Front(); el != nil; el = el.Next() {
			e := el.Value.(*entry)
			ranked = append(ranked, rankedEntry{e: e, tick: e.tick})
		}
		s.mu.Unlock()
	}

	sort.Slice(ranked, func(i, j int) bool { return ranked[i].tick > ranked[j].tick })

	out := make([]*entry, len(ranked))
	for i, r := range ranked {
		out[i] = r.e
	}
	return out
}

func newEntry(key Key, msg *dns.Msg, stored time.Time, ttl time.Duration, negative bool, group string) *entry {
	e := &entry{
		key:      key,
		hash:     key.Hash(),
		stored:   stored,
		ttl:      ttl,
		negative: negative,
		group:    group,
	}

	cp := new(dns.Msg)
	cp.MsgHdr = msg.MsgHdr
	cp.Compress = msg.Compress
	cp.Question = msg.Question
	cp.Answer = msg.Answer
	cp.Ns = msg.Ns

	if len(msg.Extra) > 0 {
		extra := make([]dns.RR, 0, len(msg.Extra))
		for _, rr := range msg.Extra {
			if opt, ok := rr.(*dns.OPT); ok {
				for _, option := range opt.Option {
					if ede, ok := option.(*dns.EDNS0_EDE); ok {
						e.ede = &dns.EDNS0_EDE{InfoCode: ede.InfoCode, ExtraText: ede.ExtraText}
						break
					}
				}
				continue
			}
			extra = append(extra, rr)
		}
		cp.Extra = extra
	}

	// detach from the caller's records
	e.msg = cp.Copy()

	return e
}

// reply builds a response copy with every TTL set to remaining.
func (e *entry) reply(remaining time.Duration) *dns.Msg {
	resp := e.msg.Copy()
	resp.Authoritative = false

	ttl := uint32(remaining / time.Second)
	for _, rr := range resp.Answer {
		rr.Header().Ttl = ttl
	}
	for _, rr := range resp.Ns {
		rr.Header().Ttl = ttl
	}
	for _, rr := range resp.Extra {
		rr.Header().Ttl = ttl
	}

	if e.ede != nil {
		resp.SetEdns0(dns.DefaultMsgSize, false)
		util.SetEDE(resp, e.ede.InfoCode, e.ede.ExtraText)
	}

	return resp
}

func signed(msg *dns.Msg) bool {
	for _, section := range [][]dns.RR{msg.Answer, msg.Ns} {
		for _, rr := range section {
			if rr.Header().Rrtype == dns.TypeRRSIG {
				return true
			}
		}
	}
	return false
}
