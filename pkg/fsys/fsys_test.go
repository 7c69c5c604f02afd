package fsys

import (
	"io"
	"sync"
	"testing"
	"time"
)

func TestOSFS_CreateMoveRemove(t *testing.T) {
	fs, err := NewOSFS(t.TempDir())
	if err != nil {
		t.Fatalf("创建文件系统失败: %v", err)
	}

	f, err := fs.Create()
	if err != nil {
		t.Fatalf("创建临时文件失败: %v", err)
	}
	if _, err := f.WriteString("hello"); err != nil {
		t.Fatalf("写入失败: %v", err)
	}
	if err := f.Sync(); err != nil {
		t.Fatalf("sync 失败: %v", err)
	}
	tmp := f.Name()
	if err := f.Close(); err != nil {
		t.Fatalf("关闭失败: %v", err)
	}

	if err := fs.Move(tmp, "node"); err != nil {
		t.Fatalf("移动失败: %v", err)
	}
	if fs.Exists(tmp) || !fs.Exists("node") {
		t.Fatal("移动后源文件应消失, 目标文件应存在")
	}

	r, err := fs.Open("node")
	if err != nil {
		t.Fatalf("打开失败: %v", err)
	}
	data, err := io.ReadAll(r)
	r.Close()
	if err != nil || string(data) != "hello" {
		t.Fatalf("读取内容不符: %q, %v", data, err)
	}

	if err := fs.Remove("node"); err != nil {
		t.Fatalf("删除失败: %v", err)
	}
	if err := fs.Remove("node"); err != nil {
		t.Fatalf("删除不存在的文件不应报错: %v", err)
	}
	if _, err := fs.Open("node"); err == nil {
		t.Fatal("打开已删除的文件应失败")
	}
	if fs.InUse() != 0 {
		t.Fatalf("失败的打开不应占用配额, 占用 %d", fs.InUse())
	}
}

func TestOSFS_RandomFilenameUnique(t *testing.T) {
	fs, err := NewOSFS(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		name := fs.RandomFilename()
		if seen[name] {
			t.Fatalf("文件名重复: %s", name)
		}
		seen[name] = true
	}
}

func TestOSFS_OpenFileLimit(t *testing.T) {
	fs, err := NewOSFS(t.TempDir(), WithOpenFileLimit(2))
	if err != nil {
		t.Fatal(err)
	}
	a, err := fs.Create()
	if err != nil {
		t.Fatal(err)
	}
	b, err := fs.Create()
	if err != nil {
		t.Fatal(err)
	}
	if fs.InUse() != 2 {
		t.Fatalf("期望占用 2, 实际 %d", fs.InUse())
	}

	opened := make(chan File)
	go func() {
		c, err := fs.Create()
		if err != nil {
			t.Error(err)
		}
		opened <- c
	}()

	select {
	case <-opened:
		t.Fatal("超过上限时打开应阻塞")
	case <-time.After(50 * time.Millisecond):
	}

	a.Close()
	select {
	case c := <-opened:
		c.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("关闭文件后阻塞的打开应继续")
	}
	b.Close()
	// 重复关闭不应重复归还配额
	b.Close()
	if fs.InUse() != 0 {
		t.Fatalf("全部关闭后占用应为 0, 实际 %d", fs.InUse())
	}
}

func TestOSFS_LockSerializes(t *testing.T) {
	fs, err := NewOSFS(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		holders int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				unlock := fs.Lock("same")
				mu.Lock()
				holders++
				if holders != 1 {
					t.Error("同一文件锁被同时持有")
				}
				mu.Unlock()
				mu.Lock()
				holders--
				mu.Unlock()
				unlock()
			}
		}()
	}
	wg.Wait()

	// 不同文件互不影响
	u1 := fs.Lock("a")
	u2 := fs.Lock("b")
	u2()
	u1()
	if len(fs.locks) != 0 {
		t.Fatalf("锁表应被清空, 剩余 %d", len(fs.locks))
	}
}
