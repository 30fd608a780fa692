package store

import (
	"context"
	"path"
	"strconv"
	"strings"
	"sync"

	"cosmossdk.io/log"
	"github.com/google/btree"
	"github.com/huandu/skiplist"
)

const (
	dirDegree     = 32 // key directory btree degree
	subBufferSize = 1024
)

type keyKind uint8

const (
	kindZSet keyKind = iota + 1
	kindHash
	kindSet
	kindList
	kindString
)

// zsetKey orders sorted set entries by score, with lexicographic member
// order breaking score ties.
type zsetKey struct {
	score  float64
	member string
}

type zsetOrder struct{}

func (zsetOrder) Compare(lhs, rhs interface{}) int {
	l, r := lhs.(zsetKey), rhs.(zsetKey)
	switch {
	case l.score < r.score:
		return -1
	case l.score > r.score:
		return 1
	}
	return strings.Compare(l.member, r.member)
}

func (zsetOrder) CalcScore(key interface{}) float64 {
	return key.(zsetKey).score
}

type memZSet struct {
	list   *skiplist.SkipList
	scores map[string]float64 // member -> current score
}

func newMemZSet() *memZSet {
	return &memZSet{
		list:   skiplist.New(zsetOrder{}),
		scores: make(map[string]float64),
	}
}

// keyItem is a key directory entry.
type keyItem string

func (a keyItem) Less(b btree.Item) bool { return a < b.(keyItem) }

type memSubscriber struct {
	patterns []string
	ch       chan Message
}

func (s *memSubscriber) matches(channel string) bool {
	for _, p := range s.patterns {
		if ok, _ := path.Match(p, channel); ok {
			return true
		}
	}
	return false
}

// Memory is the in-process Store used by tests and single-node runs. One
// mutex guards all keyspace structures, which makes Update genuinely atomic
// with respect to every other operation, so ErrConflict never occurs here.
// Publish never blocks: a subscriber whose buffer is full loses its oldest
// queued message first.
type Memory struct {
	mu     sync.RWMutex
	kinds  map[string]keyKind
	zsets  map[string]*memZSet
	hashes map[string]map[string]string
	sets   map[string]map[string]struct{}
	lists  map[string][]string
	strs   map[string]string
	dir    *btree.BTree

	subMu  sync.RWMutex
	subs   map[*memSubscriber]struct{}
	closed bool

	logger log.Logger
}

// NewMemory creates an empty in-process store.
func NewMemory(logger log.Logger) *Memory {
	return &Memory{
		kinds:  make(map[string]keyKind),
		zsets:  make(map[string]*memZSet),
		hashes: make(map[string]map[string]string),
		sets:   make(map[string]map[string]struct{}),
		lists:  make(map[string][]string),
		strs:   make(map[string]string),
		dir:    btree.New(dirDegree),
		subs:   make(map[*memSubscriber]struct{}),
		logger: logger.With("module", "store"),
	}
}

// kindOK reports whether the key is absent or already holds the wanted kind.
// Callers must hold mu.
func (m *Memory) kindOK(key string, want keyKind) error {
	k, ok := m.kinds[key]
	if !ok || k == want {
		return nil
	}
	return ErrWrongType.Wrap(key)
}

func (m *Memory) track(key string, kind keyKind) {
	if _, ok := m.kinds[key]; !ok {
		m.dir.ReplaceOrInsert(keyItem(key))
	}
	m.kinds[key] = kind
}

func (m *Memory) forget(key string) {
	kind, ok := m.kinds[key]
	if !ok {
		return
	}
	switch kind {
	case kindZSet:
		delete(m.zsets, key)
	case kindHash:
		delete(m.hashes, key)
	case kindSet:
		delete(m.sets, key)
	case kindList:
		delete(m.lists, key)
	case kindString:
		delete(m.strs, key)
	}
	delete(m.kinds, key)
	m.dir.Delete(keyItem(key))
}

func (m *Memory) ZAdd(ctx context.Context, key string, score float64, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.kindOK(key, kindZSet); err != nil {
		return err
	}
	zs, ok := m.zsets[key]
	if !ok {
		zs = newMemZSet()
		m.zsets[key] = zs
		m.track(key, kindZSet)
	}
	if old, ok := zs.scores[member]; ok {
		zs.list.Remove(zsetKey{old, member})
	}
	zs.scores[member] = score
	zs.list.Set(zsetKey{score, member}, member)
	return nil
}

func (m *Memory) ZRange(ctx context.Context, key string, start, stop int64, rev bool) ([]ZEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.kindOK(key, kindZSet); err != nil {
		return nil, err
	}
	zs, ok := m.zsets[key]
	if !ok {
		return nil, nil
	}
	lo, hi, ok := normalizeRange(start, stop, int64(zs.list.Len()))
	if !ok {
		return nil, nil
	}
	out := make([]ZEntry, 0, hi-lo+1)
	elem := zs.list.Front()
	if rev {
		elem = zs.list.Back()
	}
	for i := int64(0); elem != nil && i <= hi; i++ {
		if i >= lo {
			k := elem.Key().(zsetKey)
			out = append(out, ZEntry{Member: k.member, Score: k.score})
		}
		if rev {
			elem = elem.Prev()
		} else {
			elem = elem.Next()
		}
	}
	return out, nil
}

func (m *Memory) ZRem(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.kindOK(key, kindZSet); err != nil {
		return err
	}
	zs, ok := m.zsets[key]
	if !ok {
		return nil
	}
	for _, member := range members {
		score, ok := zs.scores[member]
		if !ok {
			continue
		}
		zs.list.Remove(zsetKey{score, member})
		delete(zs.scores, member)
	}
	if len(zs.scores) == 0 {
		m.forget(key)
	}
	return nil
}

func (m *Memory) ZCard(ctx context.Context, key string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.kindOK(key, kindZSet); err != nil {
		return 0, err
	}
	zs, ok := m.zsets[key]
	if !ok {
		return 0, nil
	}
	return int64(len(zs.scores)), nil
}

func (m *Memory) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.kindOK(key, kindHash); err != nil {
		return err
	}
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string, len(fields))
		m.hashes[key] = h
		m.track(key, kindHash)
	}
	for f, v := range fields {
		h[f] = v
	}
	return nil
}

func (m *Memory) HGet(ctx context.Context, key, field string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.kindOK(key, kindHash); err != nil {
		return "", err
	}
	v, ok := m.hashes[key][field]
	if !ok {
		return "", ErrNotFound.Wrap(key)
	}
	return v, nil
}

func (m *Memory) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.kindOK(key, kindHash); err != nil {
		return nil, err
	}
	h := m.hashes[key]
	out := make(map[string]string, len(h))
	for f, v := range h {
		out[f] = v
	}
	return out, nil
}

func (m *Memory) HDel(ctx context.Context, key string, fields ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.kindOK(key, kindHash); err != nil {
		return err
	}
	h, ok := m.hashes[key]
	if !ok {
		return nil
	}
	for _, f := range fields {
		delete(h, f)
	}
	if len(h) == 0 {
		m.forget(key)
	}
	return nil
}

func (m *Memory) Update(ctx context.Context, key string, fn UpdateFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.kindOK(key, kindHash); err != nil {
		return err
	}
	cur := make(map[string]string, len(m.hashes[key]))
	for f, v := range m.hashes[key] {
		cur[f] = v
	}
	out, err := fn(cur)
	if err != nil {
		return err
	}
	if len(out) == 0 {
		return nil
	}
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string, len(out))
		m.hashes[key] = h
		m.track(key, kindHash)
	}
	for f, v := range out {
		h[f] = v
	}
	return nil
}

func (m *Memory) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.kindOK(key, kindSet); err != nil {
		return err
	}
	s, ok := m.sets[key]
	if !ok {
		s = make(map[string]struct{}, len(members))
		m.sets[key] = s
		m.track(key, kindSet)
	}
	for _, member := range members {
		s[member] = struct{}{}
	}
	return nil
}

func (m *Memory) SRem(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.kindOK(key, kindSet); err != nil {
		return err
	}
	s, ok := m.sets[key]
	if !ok {
		return nil
	}
	for _, member := range members {
		delete(s, member)
	}
	if len(s) == 0 {
		m.forget(key)
	}
	return nil
}

func (m *Memory) SMembers(ctx context.Context, key string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.kindOK(key, kindSet); err != nil {
		return nil, err
	}
	s := m.sets[key]
	out := make([]string, 0, len(s))
	for member := range s {
		out = append(out, member)
	}
	return out, nil
}

func (m *Memory) LPush(ctx context.Context, key string, values ...string) error {
	if len(values) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.kindOK(key, kindList); err != nil {
		return err
	}
	l, ok := m.lists[key]
	if !ok {
		m.track(key, kindList)
	}
	// LPush(a, b) yields [b, a, ...existing].
	for _, v := range values {
		l = append([]string{v}, l...)
	}
	m.lists[key] = l
	return nil
}

func (m *Memory) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.kindOK(key, kindList); err != nil {
		return nil, err
	}
	l := m.lists[key]
	lo, hi, ok := normalizeRange(start, stop, int64(len(l)))
	if !ok {
		return nil, nil
	}
	out := make([]string, hi-lo+1)
	copy(out, l[lo:hi+1])
	return out, nil
}

func (m *Memory) LTrim(ctx context.Context, key string, start, stop int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.kindOK(key, kindList); err != nil {
		return err
	}
	l, ok := m.lists[key]
	if !ok {
		return nil
	}
	lo, hi, rangeOK := normalizeRange(start, stop, int64(len(l)))
	if !rangeOK {
		m.forget(key)
		return nil
	}
	m.lists[key] = append([]string(nil), l[lo:hi+1]...)
	return nil
}

func (m *Memory) Get(ctx context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.kindOK(key, kindString); err != nil {
		return "", err
	}
	v, ok := m.strs[key]
	if !ok {
		return "", ErrNotFound.Wrap(key)
	}
	return v, nil
}

func (m *Memory) Set(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.kindOK(key, kindString); err != nil {
		return err
	}
	if _, ok := m.strs[key]; !ok {
		m.track(key, kindString)
	}
	m.strs[key] = value
	return nil
}

func (m *Memory) Incr(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.kindOK(key, kindString); err != nil {
		return 0, err
	}
	cur := m.strs[key]
	n := int64(0)
	if cur != "" {
		parsed, err := strconv.ParseInt(cur, 10, 64)
		if err != nil {
			return 0, ErrWrongType.Wrap(key)
		}
		n = parsed
	}
	n++
	if _, ok := m.strs[key]; !ok {
		m.track(key, kindString)
	}
	m.strs[key] = strconv.FormatInt(n, 10)
	return n, nil
}

func (m *Memory) Del(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		m.forget(key)
	}
	return nil
}

func (m *Memory) Keys(ctx context.Context, pattern string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	m.dir.Ascend(func(item btree.Item) bool {
		key := string(item.(keyItem))
		if ok, _ := path.Match(pattern, key); ok {
			out = append(out, key)
		}
		return true
	})
	return out, nil
}

func (m *Memory) Publish(ctx context.Context, channel string, payload []byte) error {
	body := make([]byte, len(payload))
	copy(body, payload)
	msg := Message{Channel: channel, Payload: body}

	m.subMu.RLock()
	defer m.subMu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	for sub := range m.subs {
		if !sub.matches(channel) {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			// Full buffer: shed the oldest message and try once more.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- msg:
			default:
			}
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, patterns ...string) (<-chan Message, error) {
	m.subMu.Lock()
	if m.closed {
		m.subMu.Unlock()
		return nil, ErrClosed
	}
	sub := &memSubscriber{
		patterns: patterns,
		ch:       make(chan Message, subBufferSize),
	}
	m.subs[sub] = struct{}{}
	m.subMu.Unlock()

	go func() {
		<-ctx.Done()
		m.subMu.Lock()
		if _, ok := m.subs[sub]; ok {
			delete(m.subs, sub)
			close(sub.ch)
		}
		m.subMu.Unlock()
	}()
	return sub.ch, nil
}

func (m *Memory) Ping(ctx context.Context) error {
	return nil
}

func (m *Memory) Close() error {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for sub := range m.subs {
		delete(m.subs, sub)
		close(sub.ch)
	}
	return nil
}

// normalizeRange resolves redis-style inclusive start/stop indexes (negative
// values count from the end) against a collection of length n.
func normalizeRange(start, stop, n int64) (int64, int64, bool) {
	if n == 0 {
		return 0, 0, false
	}
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return 0, 0, false
	}
	return start, stop, true
}

var _ Store = (*Memory)(nil)
