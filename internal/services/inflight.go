package services

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrDuplicateInFlight 同一 key 的动作仍在执行中（或还在 TTL 窗口内）。
// 同一轮信号重复触发同一笔下单/合并时返回，调用方直接跳过即可。
var ErrDuplicateInFlight = errors.New("duplicate in-flight")

// InFlightDeduper 短窗口确定性去重。
// 用精确 map 而不是位图：误判会吞掉一笔真实下单，代价远高于几个分片锁。
// 过期项在访问到所在分片时顺手清理，不开后台 goroutine。
type InFlightDeduper struct {
	ttl    time.Duration
	shards []dedupShard
}

type dedupShard struct {
	mu sync.Mutex
	m  map[string]time.Time // key -> 过期时间
}

// NewInFlightDeduper 创建去重器。ttl 覆盖一次信号处理到下单返回的窗口，
// 典型取 1~5 秒；非正值落到 2 秒。
func NewInFlightDeduper(ttl time.Duration, shardCount int) *InFlightDeduper {
	if ttl <= 0 {
		ttl = 2 * time.Second
	}
	if shardCount <= 0 {
		shardCount = 32
	}
	shards := make([]dedupShard, shardCount)
	for i := range shards {
		shards[i].m = make(map[string]time.Time)
	}
	return &InFlightDeduper{ttl: ttl, shards: shards}
}

// TryAcquire 占用 key。窗口内重复返回 ErrDuplicateInFlight。
// 空 key 和 nil 接收者都视为不去重（直接放行）。
func (d *InFlightDeduper) TryAcquire(key string) error {
	if d == nil || key == "" {
		return nil
	}
	now := time.Now()
	sh := d.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	for k, exp := range sh.m {
		if !exp.After(now) {
			delete(sh.m, k)
		}
	}
	if exp, ok := sh.m[key]; ok && exp.After(now) {
		return ErrDuplicateInFlight
	}
	sh.m[key] = now.Add(d.ttl)
	return nil
}

// Release 提前释放 key，让失败的动作立刻可以重来。
// 成功的动作不调用 Release，由 TTL 自然过期挡住同信号的重复触发。
func (d *InFlightDeduper) Release(key string) {
	if d == nil || key == "" {
		return
	}
	sh := d.shard(key)
	sh.mu.Lock()
	delete(sh.m, key)
	sh.mu.Unlock()
}

func (d *InFlightDeduper) shard(key string) *dedupShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &d.shards[int(h.Sum32())%len(d.shards)]
}
