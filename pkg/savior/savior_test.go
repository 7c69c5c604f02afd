package savior

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
)

type flushRecord struct {
	path   string
	action Action
	sync   bool
	node   any
}

type fakeBackend struct {
	mu      sync.Mutex
	held    map[string]int
	flushed []flushRecord
	fail    map[string]error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{held: make(map[string]int), fail: make(map[string]error)}
}

func (b *fakeBackend) Hold(t *Task) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.held[t.Path]++
}

func (b *fakeBackend) Flush(t *Task, sync bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushed = append(b.flushed, flushRecord{path: t.Path, action: t.Action, sync: sync, node: t.Node})
	return b.fail[t.Path]
}

func (b *fakeBackend) Done(t *Task) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.held[t.Path]--
}

func (b *fakeBackend) records(path string) []flushRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []flushRecord
	for _, r := range b.flushed {
		if r.path == path {
			out = append(out, r)
		}
	}
	return out
}

func (b *fakeBackend) holds(path string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.held[path]
}

func TestSavior_CoalescesAndDebounces(t *testing.T) {
	b := newFakeBackend()
	s := New(b, Config{Interval: 50 * time.Millisecond, QueueSize: 100}, nil)
	defer s.Close()

	for i := 0; i < 10; i++ {
		s.Put("leaf-1", KindLeaf, i)
	}
	if b.holds("leaf-1") != 1 {
		t.Fatalf("同一路径只应固定一次, 实际 %d", b.holds("leaf-1"))
	}
	if len(b.records("leaf-1")) != 0 {
		t.Fatal("去抖间隔内不应落盘")
	}

	if err := s.Wait("leaf-1"); err != nil {
		t.Fatalf("等待落盘失败: %v", err)
	}
	recs := b.records("leaf-1")
	if len(recs) != 1 {
		t.Fatalf("多次修改应合并为一次写入, 实际 %d", len(recs))
	}
	if recs[0].node != 9 || recs[0].sync {
		t.Fatalf("应写入最新节点且为异步: %+v", recs[0])
	}
	if b.holds("leaf-1") != 0 {
		t.Fatal("任务完成后应释放固定")
	}
	if s.Pending() != 0 {
		t.Fatalf("不应有待处理任务, 实际 %d", s.Pending())
	}
}

func TestSavior_RemoveOverridesSave(t *testing.T) {
	b := newFakeBackend()
	s := New(b, Config{Interval: time.Hour, QueueSize: 100}, nil)

	s.Put("leaf-2", KindLeaf, nil)
	s.Remove("leaf-2", KindLeaf, nil)
	if err := s.FlushAll(); err != nil {
		t.Fatal(err)
	}
	recs := b.records("leaf-2")
	if len(recs) != 1 || recs[0].action != ActionRemove {
		t.Fatalf("删除应覆盖待执行的保存: %+v", recs)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestSavior_QueueSizeWakesEarly(t *testing.T) {
	b := newFakeBackend()
	s := New(b, Config{Interval: time.Hour, QueueSize: 4}, nil)
	defer s.Close()

	for i := 0; i < 4; i++ {
		s.Put(fmt.Sprintf("leaf-%d", i), KindLeaf, nil)
	}
	done := make(chan error)
	go func() { done <- s.Wait("leaf-3") }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("队列满时应立即唤醒写回")
	}
}

func TestSavior_InternalSavedByCaller(t *testing.T) {
	b := newFakeBackend()
	s := New(b, Config{Interval: 10 * time.Millisecond, QueueSize: 100}, nil)
	defer s.Close()

	s.Put("inner", KindInternal, nil)
	time.Sleep(50 * time.Millisecond)
	if len(b.records("inner")) != 0 {
		t.Fatal("内部节点不应由后台循环写入")
	}
	if err := s.Save("inner", true); err != nil {
		t.Fatal(err)
	}
	recs := b.records("inner")
	if len(recs) != 1 || !recs[0].sync {
		t.Fatalf("内部节点应由调用者同步写入: %+v", recs)
	}
	// 任务已被消费, 再次保存是空操作
	if err := s.Save("inner", true); err != nil || len(b.records("inner")) != 1 {
		t.Fatal("重复保存不应再次写入")
	}
}

func TestSavior_ErrorsReported(t *testing.T) {
	b := newFakeBackend()
	boom := errors.New("disk full")
	b.fail["bad"] = boom
	s := New(b, Config{Interval: time.Hour, QueueSize: 100}, nil)

	s.Put("bad", KindLeaf, nil)
	s.Put("good", KindBase, nil)
	err := s.FlushAll()
	if !errors.Is(err, boom) {
		t.Fatalf("FlushAll 应返回写入错误, 实际 %v", err)
	}
	if err := s.Wait("bad"); !errors.Is(err, boom) {
		t.Fatalf("Wait 应返回最近一次错误, 实际 %v", err)
	}
	if err := s.Wait("good"); err != nil {
		t.Fatalf("成功的任务不应有错误: %v", err)
	}
	if b.holds("bad") != 0 {
		t.Fatal("失败的任务也应释放固定")
	}

	delete(b.fail, "bad")
	s.Put("bad", KindLeaf, nil)
	if err := s.Close(); err != nil {
		t.Fatalf("Close 应落盘剩余任务: %v", err)
	}
	if err := s.Wait("bad"); err != nil {
		t.Fatalf("重试成功后错误应被清除: %v", err)
	}
}

func TestSavior_ConcurrentPuts(t *testing.T) {
	b := newFakeBackend()
	s := New(b, Config{Interval: time.Millisecond, QueueSize: 8}, nil)

	var wg sync.WaitGroup
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				s.Put(fmt.Sprintf("leaf-%d", (w*100+i)%37), KindLeaf, i)
			}
		}(w)
	}
	wg.Wait()
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 37; i++ {
		path := fmt.Sprintf("leaf-%d", i)
		if len(b.records(path)) == 0 {
			t.Fatalf("%s 未被写入", path)
		}
		if b.holds(path) != 0 {
			t.Fatalf("%s 的固定未释放", path)
		}
	}
	if s.Pending() != 0 {
		t.Fatal("关闭后不应有待处理任务")
	}
}

func TestSavior_SetInterval(t *testing.T) {
	s := New(newFakeBackend(), Config{}, nil)
	defer s.Close()
	if s.Interval() != DefaultConfig.Interval {
		t.Fatalf("默认间隔不符: %s", s.Interval())
	}
	if err := s.SetInterval(0); err == nil {
		t.Fatal("非正间隔应报错")
	}
	if err := s.SetInterval(time.Second); err != nil || s.Interval() != time.Second {
		t.Fatal("间隔更新失败")
	}
}

// gatedBackend 第一次 Flush 阻塞直到 release 关闭, 记录完成顺序.
type gatedBackend struct {
	*fakeBackend
	entered chan struct{}
	release chan struct{}
	once    sync.Once

	orderMu sync.Mutex
	order   []any
}

func (b *gatedBackend) Flush(t *Task, sync bool) error {
	first := false
	b.once.Do(func() { first = true })
	if first {
		close(b.entered)
		<-b.release
	}
	b.orderMu.Lock()
	b.order = append(b.order, t.Node)
	b.orderMu.Unlock()
	return nil
}

func TestSavior_SamePathFlushesInOrder(t *testing.T) {
	b := &gatedBackend{
		fakeBackend: newFakeBackend(),
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	s := New(b, Config{Interval: time.Hour, QueueSize: 100}, nil)
	defer s.Close()

	s.Put("base", KindBase, "v1")
	firstDone := make(chan error, 1)
	go func() { firstDone <- s.Save("base", false) }()
	<-b.entered

	s.Put("base", KindBase, "v2")
	secondDone := make(chan error, 1)
	go func() { secondDone <- s.Save("base", false) }()

	select {
	case <-secondDone:
		t.Fatal("同一路径的第二次写回应等待第一次完成")
	case <-time.After(50 * time.Millisecond):
	}
	close(b.release)
	if err := <-firstDone; err != nil {
		t.Fatal(err)
	}
	if err := <-secondDone; err != nil {
		t.Fatal(err)
	}

	b.orderMu.Lock()
	defer b.orderMu.Unlock()
	if len(b.order) != 2 || b.order[0] != "v1" || b.order[1] != "v2" {
		t.Fatalf("写回完成顺序应为 [v1 v2], 实际 %v", b.order)
	}
	if b.holds("base") != 0 {
		t.Fatalf("任务完成后应释放固定, 实际 %d", b.holds("base"))
	}
}
