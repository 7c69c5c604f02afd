// Package latch 节点级锁: travel / change(带优先级) / owner(计数) / record.
package latch

import (
	"fmt"
	"sync"

	"github.com/cockroachdb/errors"
)

// Mode 锁模式
type Mode uint8

const (
	None Mode = iota
	Read
	Write
)

func (m Mode) String() string {
	switch m {
	case None:
		return "none"
	case Read:
		return "read"
	case Write:
		return "write"
	}
	return fmt.Sprintf("mode(%d)", uint8(m))
}

// State RWLatch 状态机的快照
type State struct {
	Readers  int
	Writer   bool
	Priority int // 等待中的结构性写者数量
}

func (s State) Idle() bool { return s.Readers == 0 && !s.Writer }

func (s State) String() string {
	switch {
	case s.Writer && s.Priority > 0:
		return "write-held+pending-priority"
	case s.Writer:
		return "write-held"
	case s.Readers > 0:
		return fmt.Sprintf("read-held(%d)", s.Readers)
	}
	return "idle"
}

// RWLatch 读写锁, 状态机: Idle -> ReadHeld(n) / WriteHeld, 由一个 mutex + cond 保护.
// 优先级写者在等待期间阻止新的读者进入.
// 零值可用.
type RWLatch struct {
	mu       sync.Mutex
	cond     sync.Cond
	readers  int
	writer   bool
	priority int
}

func (l *RWLatch) lock() {
	l.mu.Lock()
	if l.cond.L == nil {
		l.cond.L = &l.mu
	}
}

func (l *RWLatch) RLock() {
	l.lock()
	for l.writer || l.priority > 0 {
		l.cond.Wait()
	}
	l.readers++
	l.mu.Unlock()
}

func (l *RWLatch) TryRLock() bool {
	l.lock()
	defer l.mu.Unlock()
	if l.writer || l.priority > 0 {
		return false
	}
	l.readers++
	return true
}

func (l *RWLatch) RUnlock() {
	l.lock()
	defer l.mu.Unlock()
	if l.readers <= 0 {
		panic(errors.AssertionFailedf("latch: read unlock of latch in state %s", l.stateLocked()))
	}
	l.readers--
	if l.readers == 0 {
		l.cond.Broadcast()
	}
}

// Lock 普通写者, 不设置优先级.
func (l *RWLatch) Lock() {
	l.lock()
	for l.writer || l.readers > 0 {
		l.cond.Wait()
	}
	l.writer = true
	l.mu.Unlock()
}

// LockPriority 结构性写者: 等待期间新的读者被挡在外面.
func (l *RWLatch) LockPriority() {
	l.lock()
	l.priority++
	for l.writer || l.readers > 0 {
		l.cond.Wait()
	}
	l.priority--
	l.writer = true
	l.mu.Unlock()
}

func (l *RWLatch) TryLock() bool {
	l.lock()
	defer l.mu.Unlock()
	if l.writer || l.readers > 0 {
		return false
	}
	l.writer = true
	return true
}

func (l *RWLatch) Unlock() {
	l.lock()
	defer l.mu.Unlock()
	if !l.writer {
		panic(errors.AssertionFailedf("latch: write unlock of latch in state %s", l.stateLocked()))
	}
	l.writer = false
	l.cond.Broadcast()
}

// Acquire 按模式加锁; priority 只对写模式有效.
func (l *RWLatch) Acquire(m Mode, priority bool) {
	switch m {
	case Read:
		l.RLock()
	case Write:
		if priority {
			l.LockPriority()
		} else {
			l.Lock()
		}
	}
}

func (l *RWLatch) TryAcquire(m Mode) bool {
	switch m {
	case Read:
		return l.TryRLock()
	case Write:
		return l.TryLock()
	}
	return true
}

func (l *RWLatch) Release(m Mode) {
	switch m {
	case Read:
		l.RUnlock()
	case Write:
		l.Unlock()
	}
}

func (l *RWLatch) State() State {
	l.lock()
	defer l.mu.Unlock()
	return l.stateLocked()
}

func (l *RWLatch) stateLocked() State {
	return State{Readers: l.readers, Writer: l.writer, Priority: l.priority}
}

// LockAll 以原子集合的方式为所有 latch 加写锁(全有或全无).
// 任一失败则释放已获得的部分, 阻塞等待失败的那一个, 然后重试其余.
// nil 与重复项被忽略.
func LockAll(ls ...*RWLatch) {
	set := dedup(ls)
	blocked := -1
	for {
		if blocked >= 0 {
			set[blocked].LockPriority()
		}
		failed := -1
		got := make([]*RWLatch, 0, len(set))
		for i, l := range set {
			if i == blocked {
				continue
			}
			if !l.TryLock() {
				failed = i
				break
			}
			got = append(got, l)
		}
		if failed < 0 {
			return
		}
		for _, l := range got {
			l.Unlock()
		}
		if blocked >= 0 {
			set[blocked].Unlock()
		}
		blocked = failed
	}
}

// UnlockAll 释放 LockAll 获得的写锁.
func UnlockAll(ls ...*RWLatch) {
	for _, l := range dedup(ls) {
		l.Unlock()
	}
}

func dedup(ls []*RWLatch) []*RWLatch {
	out := make([]*RWLatch, 0, len(ls))
	for _, l := range ls {
		if l == nil {
			continue
		}
		dup := false
		for _, o := range out {
			if o == l {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, l)
		}
	}
	return out
}

// OwnerLatch 计数锁: 第一个持有者执行 first, 最后一个离开者执行 last.
type OwnerLatch struct {
	mu     sync.Mutex
	owners int
}

func (o *OwnerLatch) Acquire(first func()) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.owners == 0 && first != nil {
		first()
	}
	o.owners++
	return o.owners
}

func (o *OwnerLatch) Release(last func()) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.owners <= 0 {
		panic(errors.AssertionFailedf("latch: owner release with %d owners", o.owners))
	}
	o.owners--
	if o.owners == 0 && last != nil {
		last()
	}
	return o.owners
}

func (o *OwnerLatch) Owners() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.owners
}

// Bundle 每个节点持有的锁组合.
type Bundle struct {
	Travel RWLatch
	Change RWLatch
	Owner  OwnerLatch
}
