package latch

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRWLatch_States(t *testing.T) {
	var l RWLatch
	if s := l.State(); !s.Idle() || s.String() != "idle" {
		t.Fatalf("初始状态应为 idle, 实际 %s", s)
	}
	l.RLock()
	l.RLock()
	if s := l.State(); s.Readers != 2 || s.String() != "read-held(2)" {
		t.Fatalf("期望 read-held(2), 实际 %s", s)
	}
	if l.TryLock() {
		t.Fatal("读锁持有期间不应拿到写锁")
	}
	l.RUnlock()
	l.RUnlock()
	if !l.TryLock() {
		t.Fatal("空闲时应能拿到写锁")
	}
	if s := l.State(); !s.Writer || s.String() != "write-held" {
		t.Fatalf("期望 write-held, 实际 %s", s)
	}
	if l.TryRLock() {
		t.Fatal("写锁持有期间不应拿到读锁")
	}
	l.Unlock()
	if !l.State().Idle() {
		t.Fatal("释放后应回到 idle")
	}
}

func TestRWLatch_PriorityBlocksNewReaders(t *testing.T) {
	var l RWLatch
	l.RLock()

	acquired := make(chan struct{})
	go func() {
		l.LockPriority()
		close(acquired)
	}()

	// 等待优先级写者进入等待状态
	deadline := time.Now().Add(2 * time.Second)
	for l.State().Priority == 0 {
		if time.Now().After(deadline) {
			t.Fatal("优先级写者未进入等待")
		}
		time.Sleep(time.Millisecond)
	}
	if l.TryRLock() {
		t.Fatal("存在等待中的优先级写者时新读者应被阻止")
	}

	l.RUnlock()
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("读者释放后优先级写者应获得锁")
	}
	if s := l.State(); !s.Writer || s.Priority != 0 {
		t.Fatalf("期望 write-held 且无等待者, 实际 %s", s)
	}
	l.Unlock()
}

func TestRWLatch_UnlockUnheldPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("释放未持有的写锁应 panic")
		}
	}()
	var l RWLatch
	l.Unlock()
}

func TestRWLatch_WritersExclusive(t *testing.T) {
	var (
		l       RWLatch
		inside  int32
		counter int
		wg      sync.WaitGroup
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if (i+j)%3 == 0 {
					l.RLock()
					if atomic.LoadInt32(&inside) != 0 {
						t.Error("读者与写者同时进入")
					}
					l.RUnlock()
					continue
				}
				l.Acquire(Write, i%2 == 0)
				if atomic.AddInt32(&inside, 1) != 1 {
					t.Error("两个写者同时进入")
				}
				counter++
				atomic.AddInt32(&inside, -1)
				l.Release(Write)
			}
		}(i)
	}
	wg.Wait()
	if !l.State().Idle() {
		t.Fatalf("结束后应为 idle, 实际 %s", l.State())
	}
	if counter == 0 {
		t.Fatal("写者未执行")
	}
}

func TestLockAll_AllOrNothing(t *testing.T) {
	var a, b, c RWLatch
	b.RLock()

	done := make(chan struct{})
	go func() {
		LockAll(&a, &b, nil, &c, &a)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	// b 被读者持有时集合不应部分获得
	select {
	case <-done:
		t.Fatal("集合中有成员被占用时不应完成加锁")
	default:
	}

	b.RUnlock()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("LockAll 未完成")
	}
	for name, l := range map[string]*RWLatch{"a": &a, "b": &b, "c": &c} {
		if !l.State().Writer {
			t.Fatalf("%s 应处于写锁状态", name)
		}
	}
	UnlockAll(&a, &b, &c)
	if !a.State().Idle() || !b.State().Idle() || !c.State().Idle() {
		t.Fatal("UnlockAll 后应全部空闲")
	}
}

func TestLockAll_ConcurrentSetsNoDeadlock(t *testing.T) {
	ls := make([]RWLatch, 4)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			x, y := &ls[i%4], &ls[(i+1)%4]
			for j := 0; j < 100; j++ {
				LockAll(x, y)
				UnlockAll(x, y)
			}
		}(i)
	}
	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(10 * time.Second):
		t.Fatal("并发 LockAll 发生死锁")
	}
}

func TestOwnerLatch_FirstAndLast(t *testing.T) {
	var (
		o           OwnerLatch
		first, last int
	)
	onFirst := func() { first++ }
	onLast := func() { last++ }

	o.Acquire(onFirst)
	o.Acquire(onFirst)
	if first != 1 || o.Owners() != 2 {
		t.Fatalf("first 应只执行一次, first=%d owners=%d", first, o.Owners())
	}
	o.Release(onLast)
	if last != 0 {
		t.Fatal("仍有持有者时不应执行 last")
	}
	o.Release(onLast)
	if last != 1 || o.Owners() != 0 {
		t.Fatalf("最后一个离开者应执行 last, last=%d owners=%d", last, o.Owners())
	}

	defer func() {
		if recover() == nil {
			t.Fatal("owner 计数下溢应 panic")
		}
	}()
	o.Release(nil)
}
