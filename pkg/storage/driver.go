package storage

import (
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/imReese/NexusTree/pkg/bptree"
	"github.com/imReese/NexusTree/pkg/cache"
	"github.com/imReese/NexusTree/pkg/latch"
	"github.com/imReese/NexusTree/pkg/metrics"
	"github.com/imReese/NexusTree/pkg/savior"
)

// driver 一棵树的持久化驱动, 实现 bptree.Hooks.
//
// 视图生命周期: attach(缓存引用 + owner) -> travel/change 锁 -> detach.
// 视图不再持有任何锁时 detach, 最后一个 owner 离开时把大值退回为文件引用.
type driver struct {
	s    *Store
	tree *Tree
}

var _ bptree.Hooks = (*driver)(nil)

func kindOf(leaf bool) string {
	if leaf {
		return "leaf"
	}
	return "internal"
}

func (d *driver) tier(leaf bool) *cache.Tier[*bptree.Block] {
	return d.s.cache.Nodes(leaf)
}

// attach 把 ghost 视图绑定到规范内容上, 必要时从磁盘加载.
func (d *driver) attach(n *bptree.Node) error {
	if !n.IsGhost() {
		return nil
	}
	blk, err := d.tier(n.Leaf).Acquire(n.Path, func(path string) (*bptree.Block, error) {
		return d.s.readNode(path, n.Leaf)
	})
	if err != nil {
		return err
	}
	blk.Latches.Owner.Acquire(func() {
		metrics.Materializations.WithLabelValues(kindOf(blk.Leaf)).Inc()
	})
	n.Bind(blk)
	return nil
}

func (d *driver) detach(n *bptree.Node) {
	blk := n.Block()
	if blk == nil {
		return
	}
	n.Unbind()
	blk.Latches.Owner.Release(func() { d.teardown(blk) })
	d.tier(blk.Leaf).Release(blk.Path)
}

// teardown 最后一个视图离开: 未被保留的大值释放内存副本.
// 拿不到 change 读锁说明有人正在使用该叶子, 跳过即可.
func (d *driver) teardown(blk *bptree.Block) {
	if !blk.Leaf || !blk.Latches.Change.TryRLock() {
		return
	}
	defer blk.Latches.Change.RUnlock()
	for _, r := range blk.Records {
		if r.Blob().Len() <= d.s.opts.SmallValueSize {
			continue
		}
		_ = r.Guard(func(held bool) error {
			if !held {
				r.Blob().Unpin()
			}
			return nil
		})
	}
}

// drop 释放视图持有的全部锁
func (d *driver) drop(n *bptree.Node) {
	if n.Change != latch.None {
		d.Release(n, n.Change)
	}
	if n.Travel != latch.None {
		d.Leave(n, n.Travel)
	}
}

func (d *driver) Enter(n *bptree.Node, mode latch.Mode) error {
	if err := d.attach(n); err != nil {
		return err
	}
	blk := n.Block()
	blk.Latches.Travel.Acquire(mode, false)
	if blk.Removed.Load() {
		blk.Latches.Travel.Release(mode)
		d.detach(n)
		return errors.Wrapf(bptree.ErrNodeGone, "enter %s", n.Path)
	}
	n.Travel = mode
	return nil
}

func (d *driver) Leave(n *bptree.Node, mode latch.Mode) {
	n.Block().Latches.Travel.Release(mode)
	n.Travel = latch.None
	if n.Change == latch.None {
		d.detach(n)
	}
}

func (d *driver) Insert(n *bptree.Node) error {
	path := d.s.fs.RandomFilename()
	blk := bptree.NewBlock(path, n.Leaf)
	d.tier(n.Leaf).Put(path, blk)
	blk.Latches.Owner.Acquire(func() {
		metrics.Materializations.WithLabelValues(kindOf(n.Leaf)).Inc()
	})
	blk.Latches.Travel.Lock()
	n.Bind(blk)
	n.Travel = latch.Write
	if n.Leaf {
		d.s.savior.Put(path, savior.KindLeaf, blk)
	}
	d.s.logger.Debug("node created", zap.String("tree", d.tree.path), zap.String("path", path), zap.Bool("leaf", n.Leaf))
	return nil
}

func (d *driver) Remove(n *bptree.Node) error {
	blk := n.Block()
	blk.Removed.Store(true)
	if blk.Leaf {
		d.s.savior.Remove(blk.Path, savior.KindLeaf, blk)
		return nil
	}
	d.s.savior.Remove(blk.Path, savior.KindInternal, blk)
	return d.s.savior.Save(blk.Path, true)
}

func (d *driver) Dirty(n *bptree.Node) error {
	blk := n.Block()
	d.s.savior.Put(blk.Path, savior.KindInternal, blk)
	return d.s.savior.Save(blk.Path, true)
}

func (d *driver) Reserve(n *bptree.Node, mode latch.Mode) {
	blk := n.Block()
	blk.Latches.Change.Acquire(mode, mode == latch.Write)
	n.Change = mode
}

func (d *driver) Release(n *bptree.Node, mode latch.Mode) {
	blk := n.Block()
	if mode == latch.Write {
		for _, off := range blk.Moving {
			d.s.cache.Pending.Done(blk.Path, off)
		}
		blk.Moving = nil
		if blk.Leaf && !blk.Removed.Load() {
			d.s.savior.Put(blk.Path, savior.KindLeaf, blk)
		}
	}
	blk.Latches.Change.Release(mode)
	n.Change = latch.None
	if n.Travel == latch.None {
		d.detach(n)
	}
}

func (d *driver) dirtyLeaf(n *bptree.Node) {
	if blk := n.Block(); !blk.Removed.Load() {
		d.s.savior.Put(blk.Path, savior.KindLeaf, blk)
	}
}

func (d *driver) LeafInsert(n *bptree.Node, r *bptree.Record) error {
	d.dirtyLeaf(n)
	return nil
}

// LeafDelete 被迭代器保留的记录脱离叶子后仍需可读, 先把值读入内存.
func (d *driver) LeafDelete(n *bptree.Node, r *bptree.Record) error {
	err := r.Guard(func(held bool) error {
		if held {
			return r.Blob().Pin()
		}
		return nil
	})
	if err != nil {
		return err
	}
	d.dirtyLeaf(n)
	return nil
}

// LeafMove 记录即将迁出 src: 值读入内存, 被保留的记录登记到 pending 索引,
// 直到 src 的 change 写锁释放.
func (d *driver) LeafMove(src *bptree.Node, idx int) error {
	blk := src.Block()
	r := blk.Records[idx]
	if err := r.Blob().Pin(); err != nil {
		return err
	}
	return r.Guard(func(held bool) error {
		if held {
			d.s.cache.Pending.Add(blk.Path, idx)
			blk.Moving = append(blk.Moving, idx)
		}
		return nil
	})
}

// lockSet 以写模式把尚未持有 change 锁的叶子作为一组锁定(全有或全无).
// link 非空时同时加载并锁定该叶子.
func (d *driver) lockSet(link string, nodes ...*bptree.Node) (*bptree.Node, error) {
	var far *bptree.Node
	if link != "" {
		far = bptree.Ghost(link, true)
		if err := d.attach(far); err != nil {
			return nil, err
		}
		nodes = append(nodes, far)
	}
	set := make([]*latch.RWLatch, 0, len(nodes))
	fresh := make([]*bptree.Node, 0, len(nodes))
	for _, n := range nodes {
		if n.Change == latch.None {
			set = append(set, &n.Block().Latches.Change)
			fresh = append(fresh, n)
		}
	}
	latch.LockAll(set...)
	for _, n := range fresh {
		n.Change = latch.Write
	}
	return far, nil
}

func (d *driver) LeafSplit(n, peer *bptree.Node, link string) (*bptree.Node, error) {
	return d.lockSet(link, n, peer)
}

func (d *driver) LeafJoin(n, peer *bptree.Node, link string) (*bptree.Node, error) {
	return d.lockSet(link, n, peer)
}

func (d *driver) LeafShift(src, dst *bptree.Node) error {
	_, err := d.lockSet("", src, dst)
	return err
}

func (d *driver) LeafRef(n *bptree.Node, peer string, side bptree.Side) error {
	blk := n.Block()
	if side == bptree.SidePrev {
		blk.Prev = peer
	} else {
		blk.Next = peer
	}
	d.dirtyLeaf(n)
	return nil
}

func (d *driver) ItemReserve(r *bptree.Record, mode latch.Mode) {
	r.Latch.Acquire(mode, false)
	r.Reserve()
}

func (d *driver) ItemRelease(r *bptree.Record, mode latch.Mode) {
	left := r.Unreserve()
	r.Latch.Release(mode)
	if left == 0 {
		d.s.forget(r)
	}
}

// ItemLocate 记录所在叶子有迁移中的保留记录时, 等迁移结束再读归属,
// 避免进入已经过时甚至被删除的叶子.
func (d *driver) ItemLocate(r *bptree.Record) string {
	path := r.Owner()
	for path != "" && d.s.cache.Pending.Busy(path) {
		d.s.cache.Pending.Wait(path)
		path = r.Owner()
	}
	return path
}

// BeforeMove 先尝试在持有 n 的情况下锁定邻居; 失败则释放 n, 阻塞等待邻居,
// 再检查邻居的反向指针是否仍指向 n.
func (d *driver) BeforeMove(n *bptree.Node, step bptree.Step) (*bptree.Node, error) {
	blk := n.Block()
	link := blk.Next
	if step == bptree.Backward {
		link = blk.Prev
	}
	if link == "" {
		return nil, nil
	}

	next := bptree.Ghost(link, true)
	if err := d.attach(next); err != nil {
		return nil, err
	}
	nb := next.Block()
	if nb.Latches.Travel.TryRLock() {
		if nb.Latches.Change.TryRLock() {
			next.Travel, next.Change = latch.Read, latch.Read
			return next, nil
		}
		nb.Latches.Travel.RUnlock()
	}

	from := n.Path
	d.drop(n)
	nb.Latches.Travel.RLock()
	next.Travel = latch.Read
	d.Reserve(next, latch.Read)

	back := nb.Prev
	if step == bptree.Backward {
		back = nb.Next
	}
	if nb.Removed.Load() || back != from {
		d.drop(next)
		return nil, bptree.ErrRetry
	}
	return next, nil
}

func (d *driver) AfterMove(n *bptree.Node, step bptree.Step) {
	d.drop(n)
}

func (d *driver) SaveBase(t *bptree.Tree) error {
	d.s.savior.Put(t.Path, savior.KindBase, d.tree)
	return nil
}
