package bptree

import (
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/imReese/NexusTree/pkg/latch"
)

// Record 叶子中的一条记录. key 不可变; 更新值时用新记录替换旧记录.
type Record struct {
	key   []byte
	value *Blob

	owner    atomic.Pointer[string] // 所在叶子路径, 空串表示已脱离树
	reserved atomic.Int32
	Latch    latch.RWLatch
}

func NewRecord(key []byte, value *Blob) *Record {
	return &Record{key: key, value: value}
}

func (r *Record) Key() []byte { return r.key }

func (r *Record) Blob() *Blob { return r.value }

func (r *Record) Value() ([]byte, error) { return r.value.Bytes() }

func (r *Record) Owner() string {
	if p := r.owner.Load(); p != nil {
		return *p
	}
	return ""
}

func (r *Record) SetOwner(path string) {
	r.owner.Store(&path)
}

// Reserve 增加保留计数, 返回新值.
func (r *Record) Reserve() int32 { return r.reserved.Add(1) }

func (r *Record) Unreserve() int32 {
	n := r.reserved.Add(-1)
	if n < 0 {
		panic(errors.AssertionFailedf("bptree: record %q released more than reserved", r.key))
	}
	return n
}

func (r *Record) Reserved() int32 { return r.reserved.Load() }

// Guard 以写模式尝试锁定记录并执行 fn(false), 期间记录不能被新的迭代器保留.
// 记录已被保留或正被另一处锁定时执行 fn(true).
func (r *Record) Guard(fn func(held bool) error) error {
	if !r.Latch.TryLock() {
		return fn(true)
	}
	defer r.Latch.Unlock()
	return fn(false)
}

// Block 节点的规范内容, 以路径为键存放在缓存中.
// 内部节点内容由 travel 锁保护, 叶子记录与兄弟指针由 change 锁保护.
type Block struct {
	Path string
	Leaf bool

	// 内部节点
	Keys      [][]byte
	Children  []string
	ChildLeaf bool

	// 叶子
	Records []*Record
	Prev    string
	Next    string

	Latches latch.Bundle
	Removed atomic.Bool
	// Moving 结构调整中登记到 pending 索引的偏移, 由 change 锁保护
	Moving []int
}

func NewBlock(path string, leaf bool) *Block {
	return &Block{Path: path, Leaf: leaf}
}

// Len 叶子返回记录数, 内部节点返回子节点数.
func (b *Block) Len() int {
	if b.Leaf {
		return len(b.Records)
	}
	return len(b.Children)
}

// Node 遍历时使用的临时视图. 未绑定 Block 时为 ghost.
// Travel/Change 记录该视图当前持有的锁模式, 由 Hooks 实现维护.
type Node struct {
	Path   string
	Leaf   bool
	Travel latch.Mode
	Change latch.Mode

	blk *Block
}

func Ghost(path string, leaf bool) *Node {
	return &Node{Path: path, Leaf: leaf}
}

func (n *Node) Bind(b *Block) {
	n.blk = b
	n.Path = b.Path
}

func (n *Node) Unbind() { n.blk = nil }

func (n *Node) Block() *Block { return n.blk }

func (n *Node) IsGhost() bool { return n.blk == nil }

// Held 视图是否还持有任何锁
func (n *Node) Held() bool { return n.Travel != latch.None || n.Change != latch.None }

func (n *Node) b() *Block {
	if n.blk == nil {
		panic(errors.AssertionFailedf("bptree: access to ghost node %s", n.Path))
	}
	return n.blk
}
