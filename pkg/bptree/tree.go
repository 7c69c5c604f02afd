// Package bptree 通用 B+ 树引擎. 引擎只操作内存中的节点内容,
// 加载、加锁与持久化全部通过 Hooks 回调完成.
package bptree

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/imReese/NexusTree/pkg/latch"
)

// MinFactor 允许的最小分支因子
const MinFactor = 3

// Tree 树句柄. 根指针由 rootLatch 保护: 可能修改根的写者在下降期间持有写锁.
type Tree struct {
	Path   string
	Factor int
	Type   KeyType

	hooks Hooks
	count atomic.Int64

	rootLatch latch.RWLatch
	rootMu    sync.Mutex // 保护快照读取
	rootPath  string
	rootLeaf  bool
}

func NewTree(path string, factor int, typ KeyType, hooks Hooks) (*Tree, error) {
	if factor < MinFactor {
		return nil, errors.Newf("branch factor %d below minimum %d", factor, MinFactor)
	}
	if !typ.Valid() {
		return nil, errors.Newf("invalid key type %d", typ)
	}
	return &Tree{Path: path, Factor: factor, Type: typ, hooks: hooks, rootLeaf: true}, nil
}

// Restore 用 base 记录中的内容初始化句柄.
func (t *Tree) Restore(count int64, root string, rootLeaf bool) {
	t.count.Store(count)
	t.rootMu.Lock()
	t.rootPath, t.rootLeaf = root, rootLeaf
	t.rootMu.Unlock()
}

func (t *Tree) Count() int64 { return t.count.Load() }

// Root 根节点路径快照, 空树返回空串.
func (t *Tree) Root() (string, bool) {
	t.rootMu.Lock()
	defer t.rootMu.Unlock()
	return t.rootPath, t.rootLeaf
}

// setRoot 调用者必须持有 rootLatch 写锁.
func (t *Tree) setRoot(path string, leaf bool) {
	t.rootMu.Lock()
	t.rootPath, t.rootLeaf = path, leaf
	t.rootMu.Unlock()
}

func (t *Tree) minLeaf() int     { return (t.Factor + 1) / 2 }
func (t *Tree) minChildren() int { return (t.Factor + 1) / 2 }

// childIndex 第一个大于 key 的分隔键的下标, 即 key 所在子树.
func (t *Tree) childIndex(b *Block, key []byte) int {
	return sort.Search(len(b.Keys), func(i int) bool {
		return t.Type.Compare(b.Keys[i], key) > 0
	})
}

// search 第一个不小于 key 的记录下标.
func (t *Tree) search(recs []*Record, key []byte) (int, bool) {
	i := sort.Search(len(recs), func(i int) bool {
		return t.Type.Compare(recs[i].key, key) >= 0
	})
	return i, i < len(recs) && t.Type.Compare(recs[i].key, key) == 0
}

func childPos(b *Block, path string) int {
	for i, c := range b.Children {
		if c == path {
			return i
		}
	}
	panic(errors.AssertionFailedf("bptree: %s is not a child of %s", path, b.Path))
}

// drop 释放视图持有的全部锁.
func (t *Tree) drop(n *Node) {
	if n == nil {
		return
	}
	if n.Change != latch.None {
		t.hooks.Release(n, n.Change)
	}
	if n.Travel != latch.None {
		t.hooks.Leave(n, n.Travel)
	}
}

// lockPath 写者自根向下持有的节点栈.
type lockPath struct {
	t        *Tree
	nodes    []*Node
	extra    []*Node // 兄弟、新建节点等
	rootHeld bool
}

func (p *lockPath) push(n *Node) { p.nodes = append(p.nodes, n) }

func (p *lockPath) hold(n *Node) {
	if n != nil {
		p.extra = append(p.extra, n)
	}
}

// releaseAncestors 当前节点安全时释放它之上的所有节点与根锁.
func (p *lockPath) releaseAncestors() {
	last := len(p.nodes) - 1
	for i := last - 1; i >= 0; i-- {
		p.t.drop(p.nodes[i])
	}
	p.nodes = p.nodes[last:]
	if p.rootHeld {
		p.t.rootLatch.Unlock()
		p.rootHeld = false
	}
}

func (p *lockPath) indexOf(n *Node) int {
	for i, m := range p.nodes {
		if m == n {
			return i
		}
	}
	return -1
}

// isRoot 栈底节点只有在仍持有根锁时才是根.
func (p *lockPath) isRoot(n *Node) bool {
	return p.rootHeld && p.indexOf(n) == 0
}

func (p *lockPath) parent(n *Node) *Node {
	i := p.indexOf(n)
	if i <= 0 {
		panic(errors.AssertionFailedf("bptree: parent of %s not held", n.Path))
	}
	return p.nodes[i-1]
}

func (p *lockPath) unwind() {
	for i := len(p.extra) - 1; i >= 0; i-- {
		p.t.drop(p.extra[i])
	}
	for i := len(p.nodes) - 1; i >= 0; i-- {
		p.t.drop(p.nodes[i])
	}
	p.extra, p.nodes = nil, nil
	if p.rootHeld {
		p.t.rootLatch.Unlock()
		p.rootHeld = false
	}
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}

func insertAt[T any](s []T, i int, v T) []T {
	s = append(s, v)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

func removeAt[T any](s []T, i int) []T {
	copy(s[i:], s[i+1:])
	var zero T
	s[len(s)-1] = zero
	return s[:len(s)-1]
}
