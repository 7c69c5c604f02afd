package cache

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
)

func loader(calls *int32) LoadFunc[string] {
	return func(key string) (string, error) {
		atomic.AddInt32(calls, 1)
		return "v-" + key, nil
	}
}

func TestTier_AcquireHitAndMiss(t *testing.T) {
	tier := NewTier[string]("test", 4, nil)
	var calls int32

	v, err := tier.Acquire("a", loader(&calls))
	if err != nil || v != "v-a" {
		t.Fatalf("首次获取失败: %q %v", v, err)
	}
	v, err = tier.Acquire("a", loader(&calls))
	if err != nil || v != "v-a" {
		t.Fatalf("二次获取失败: %q %v", v, err)
	}
	if calls != 1 {
		t.Fatalf("命中时不应重复加载, 加载次数 %d", calls)
	}
	if tier.Refs("a") != 2 {
		t.Fatalf("引用计数应为 2, 实际 %d", tier.Refs("a"))
	}
	tier.Release("a")
	tier.Release("a")
	if _, ok := tier.Peek("a"); !ok {
		t.Fatal("仍在 LRU 中的条目不应被丢弃")
	}
}

func TestTier_EvictionRespectsRefs(t *testing.T) {
	tier := NewTier[string]("test", 2, nil)
	var (
		calls     int32
		discarded []string
	)
	tier.OnDiscard(func(key string, _ string) { discarded = append(discarded, key) })

	// a 被持有, b/c 不持有
	if _, err := tier.Acquire("a", loader(&calls)); err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{"b", "c"} {
		if _, err := tier.Acquire(k, loader(&calls)); err != nil {
			t.Fatal(err)
		}
		tier.Release(k)
	}

	// 容量为 2, 加入 c 时 a 被淘汰, 但仍被引用
	if _, ok := tier.Peek("a"); !ok {
		t.Fatal("被引用的条目即使被淘汰也应驻留")
	}
	if len(discarded) != 0 {
		t.Fatalf("不应有条目被丢弃: %v", discarded)
	}
	if tier.Len() != 3 {
		t.Fatalf("驻留条目应为 3, 实际 %d", tier.Len())
	}

	tier.Release("a")
	if _, ok := tier.Peek("a"); ok {
		t.Fatal("被淘汰且引用归零的条目应被丢弃")
	}
	if len(discarded) != 1 || discarded[0] != "a" {
		t.Fatalf("丢弃记录不符: %v", discarded)
	}

	// 被淘汰但仍存活的条目再次命中时重新进入 LRU
	if _, err := tier.Acquire("b", loader(&calls)); err != nil {
		t.Fatal(err)
	}
	tier.Release("b")
	if calls != 3 {
		t.Fatalf("加载次数应为 3, 实际 %d", calls)
	}
}

func TestTier_ReleasePanics(t *testing.T) {
	tier := NewTier[string]("test", 2, nil)
	tier.Put("x", "v")
	tier.Release("x")

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("引用计数为负应 panic")
		}
		if err, ok := r.(error); !ok || !errors.IsAssertionFailure(err) {
			t.Fatalf("应为断言错误, 实际 %v", r)
		}
	}()
	tier.Release("x")
}

func TestTier_LoadErrorNotCached(t *testing.T) {
	tier := NewTier[string]("test", 2, nil)
	boom := errors.New("boom")
	if _, err := tier.Acquire("k", func(string) (string, error) { return "", boom }); !errors.Is(err, boom) {
		t.Fatalf("应返回加载错误, 实际 %v", err)
	}
	if tier.Len() != 0 {
		t.Fatal("加载失败的条目不应驻留")
	}
	var calls int32
	if v, err := tier.Acquire("k", loader(&calls)); err != nil || v != "v-k" {
		t.Fatalf("失败后应能重新加载: %q %v", v, err)
	}
}

func TestTier_ConcurrentAcquireSingleLoad(t *testing.T) {
	tier := NewTier[string]("test", 8, nil)
	var calls int32
	release := make(chan struct{})
	slow := func(key string) (string, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "v-" + key, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := tier.Acquire("shared", slow)
			if err != nil || v != "v-shared" {
				t.Errorf("并发获取结果不符: %q %v", v, err)
			}
		}()
	}
	// 加载期间 tier 锁未被持有, 其他 key 可以正常访问
	done := make(chan struct{})
	go func() {
		var other int32
		if _, err := tier.Acquire("other", loader(&other)); err != nil {
			t.Error(err)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("加载期间 tier 被阻塞")
	}

	close(release)
	wg.Wait()
	if calls != 1 {
		t.Fatalf("并发未命中应只加载一次, 实际 %d", calls)
	}
	if tier.Refs("shared") != 32 {
		t.Fatalf("引用计数应为 32, 实际 %d", tier.Refs("shared"))
	}
}

func TestTier_Resize(t *testing.T) {
	tier := NewTier[string]("test", 8, nil)
	for i := 0; i < 8; i++ {
		tier.Put(fmt.Sprint(i), "v")
		tier.Release(fmt.Sprint(i))
	}
	if n := tier.Resize(3); n != 5 {
		t.Fatalf("应淘汰 5 个条目, 实际 %d", n)
	}
	if tier.Len() != 3 || tier.Capacity() != 3 {
		t.Fatalf("调整后 len=%d cap=%d", tier.Len(), tier.Capacity())
	}
}

func TestPending(t *testing.T) {
	p := NewPending()
	p.Add("leaf", 3)
	p.Add("leaf", 3)
	p.Add("leaf", 4)
	if p.Count("leaf", 3) != 2 || !p.Busy("leaf") || p.Busy("other") {
		t.Fatal("pending 计数不符")
	}

	waited := make(chan struct{})
	go func() {
		p.Wait("leaf")
		close(waited)
	}()
	p.Done("leaf", 3)
	p.Done("leaf", 4)
	select {
	case <-waited:
		t.Fatal("仍有迁移中的记录时 Wait 不应返回")
	case <-time.After(20 * time.Millisecond):
	}
	p.Done("leaf", 3)
	select {
	case <-waited:
	case <-time.After(2 * time.Second):
		t.Fatal("迁移完成后 Wait 应返回")
	}

	defer func() {
		if recover() == nil {
			t.Fatal("未知位置的 Done 应 panic")
		}
	}()
	p.Done("leaf", 3)
}

func TestManager_Resize(t *testing.T) {
	m := NewManager[string, int](Capacities{Trees: 1, Internal: 2, Leaves: 3}, nil)
	if m.Nodes(true) != m.Leaves || m.Nodes(false) != m.Internal {
		t.Fatal("Nodes 选择的缓存级别不符")
	}
	m.Leaves.Put("l", 1)
	m.Resize(Capacities{Trees: 4, Internal: 5, Leaves: 6})
	if got := m.Capacities(); got != (Capacities{Trees: 4, Internal: 5, Leaves: 6}) {
		t.Fatalf("容量不符: %+v", got)
	}
	if busy := m.Close(); busy != 1 {
		t.Fatalf("仍被引用的条目应为 1, 实际 %d", busy)
	}
}
