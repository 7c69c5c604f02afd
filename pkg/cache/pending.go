package cache

import (
	"sync"

	"github.com/cockroachdb/errors"
)

// Pending 记录正在结构调整中转移归属的叶子记录: path -> {offset -> count}.
// 在分裂之前已经定位到某个叶子的访问者可以据此发现记录正在迁移, 并等待迁移完成.
type Pending struct {
	mu   sync.Mutex
	cond *sync.Cond
	m    map[string]map[int]int
}

func NewPending() *Pending {
	p := &Pending{m: make(map[string]map[int]int)}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *Pending) Add(path string, offset int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	offs, ok := p.m[path]
	if !ok {
		offs = make(map[int]int)
		p.m[path] = offs
	}
	offs[offset]++
}

func (p *Pending) Done(path string, offset int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	offs := p.m[path]
	if offs[offset] <= 0 {
		panic(errors.AssertionFailedf("cache: pending done for unknown position %s@%d", path, offset))
	}
	offs[offset]--
	if offs[offset] == 0 {
		delete(offs, offset)
	}
	if len(offs) == 0 {
		delete(p.m, path)
	}
	p.cond.Broadcast()
}

func (p *Pending) Count(path string, offset int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.m[path][offset]
}

// Busy 该叶子是否有记录正在迁移
func (p *Pending) Busy(path string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m[path]) > 0
}

// Wait 阻塞直到该叶子没有迁移中的记录.
func (p *Pending) Wait(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.m[path]) > 0 {
		p.cond.Wait()
	}
}
