package bptree

import (
	"github.com/cockroachdb/errors"

	"github.com/imReese/NexusTree/pkg/latch"
)

type edge int8

const (
	byKey edge = iota
	leftmost
	rightmost
)

// seekLeaf 以读锁逐层下降, 返回持有 travel 读锁与 change 读锁的叶子; 空树返回 nil.
func (t *Tree) seekLeaf(key []byte, e edge) (*Node, error) {
	t.rootLatch.RLock()
	root, rootLeaf := t.Root()
	if root == "" {
		t.rootLatch.RUnlock()
		return nil, nil
	}
	n := Ghost(root, rootLeaf)
	if err := t.hooks.Enter(n, latch.Read); err != nil {
		t.rootLatch.RUnlock()
		return nil, err
	}
	t.rootLatch.RUnlock()

	for !n.Leaf {
		b := n.b()
		var i int
		switch e {
		case leftmost:
			i = 0
		case rightmost:
			i = len(b.Children) - 1
		default:
			i = t.childIndex(b, key)
		}
		c := Ghost(b.Children[i], b.ChildLeaf)
		if err := t.hooks.Enter(c, latch.Read); err != nil {
			t.drop(n)
			return nil, err
		}
		t.drop(n)
		n = c
	}
	t.hooks.Reserve(n, latch.Read)
	return n, nil
}

// settle 从持有的叶子 n 的下标 i 开始沿 step 找到第一条记录并保留它.
// 返回前释放所有叶子锁; 到达边界时返回 nil.
func (t *Tree) settle(n *Node, i int, step Step) (*Record, error) {
	for {
		recs := n.b().Records
		if i >= 0 && i < len(recs) {
			r := recs[i]
			t.hooks.ItemReserve(r, latch.Read)
			t.drop(n)
			return r, nil
		}
		next, err := t.hooks.BeforeMove(n, step)
		if err != nil || next == nil {
			t.drop(n)
			return nil, err
		}
		t.hooks.AfterMove(n, step)
		n = next
		if step == Forward {
			i = 0
		} else {
			i = len(n.b().Records) - 1
		}
	}
}

// locate 找到保留记录当前所在的叶子. 记录已被删除时按键重新定位.
func (t *Tree) locate(r *Record) (*Node, int, bool, error) {
	for attempt := 0; attempt < maxRetry; attempt++ {
		path := t.hooks.ItemLocate(r)
		if path == "" {
			break
		}
		n := Ghost(path, true)
		if err := t.hooks.Enter(n, latch.Read); err != nil {
			if errors.Is(err, ErrNodeGone) {
				continue
			}
			return nil, 0, false, err
		}
		t.hooks.Reserve(n, latch.Read)
		if r.Owner() == path {
			i, found := t.search(n.b().Records, r.key)
			return n, i, found, nil
		}
		t.drop(n)
	}
	n, err := t.seekLeaf(r.key, byKey)
	if err != nil || n == nil {
		return nil, 0, false, err
	}
	i, found := t.search(n.b().Records, r.key)
	return n, i, found, nil
}

// position 定位并返回迭代器; pick 在持有的叶子上给出起始下标与方向.
func (t *Tree) position(key []byte, e edge, pick func(recs []*Record) (int, Step)) (*Iterator, error) {
	for attempt := 0; attempt < maxRetry; attempt++ {
		n, err := t.seekLeaf(key, e)
		if err != nil {
			return nil, err
		}
		if n == nil {
			return &Iterator{t: t}, nil
		}
		i, step := pick(n.b().Records)
		r, err := t.settle(n, i, step)
		if errors.Is(err, ErrRetry) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return &Iterator{t: t, rec: r}, nil
	}
	return nil, errors.Wrapf(ErrRetry, "positioning in %s", t.Path)
}

// Find 精确查找, 键不存在时返回 ErrNotFound.
func (t *Tree) Find(key []byte) (*Iterator, error) {
	n, err := t.seekLeaf(key, byKey)
	if err != nil {
		return nil, err
	}
	if n == nil {
		return nil, ErrNotFound
	}
	recs := n.b().Records
	i, found := t.search(recs, key)
	if !found {
		t.drop(n)
		return nil, ErrNotFound
	}
	r := recs[i]
	t.hooks.ItemReserve(r, latch.Read)
	t.drop(n)
	return &Iterator{t: t, rec: r}, nil
}

// FindBound Lower 返回不大于 key 的最大键, Upper 返回不小于 key 的最小键.
func (t *Tree) FindBound(key []byte, bound Bound) (*Iterator, error) {
	it, err := t.position(key, byKey, func(recs []*Record) (int, Step) {
		i, found := t.search(recs, key)
		if bound == Upper {
			return i, Forward
		}
		if found {
			return i, Backward
		}
		return i - 1, Backward
	})
	if err != nil {
		return nil, err
	}
	if !it.Valid() {
		return nil, ErrNotFound
	}
	return it, nil
}

// Begin 指向第一条记录, 空树返回无效迭代器.
func (t *Tree) Begin() (*Iterator, error) {
	return t.position(nil, leftmost, func([]*Record) (int, Step) { return 0, Forward })
}

// End 指向最后一条记录, 空树返回无效迭代器.
func (t *Tree) End() (*Iterator, error) {
	return t.position(nil, rightmost, func(recs []*Record) (int, Step) { return len(recs) - 1, Backward })
}

// Iterator 以保留的记录为锚点; 两次调用之间不持有任何叶子锁.
type Iterator struct {
	t   *Tree
	rec *Record
}

func (it *Iterator) Valid() bool { return it.rec != nil }

func (it *Iterator) Key() []byte {
	if it.rec == nil {
		return nil
	}
	return it.rec.key
}

func (it *Iterator) Value() ([]byte, error) {
	if it.rec == nil {
		return nil, ErrNotFound
	}
	return it.rec.Value()
}

func (it *Iterator) MoveForward() (bool, error) { return it.move(Forward) }

func (it *Iterator) MoveBack() (bool, error) { return it.move(Backward) }

func (it *Iterator) move(step Step) (bool, error) {
	if it.rec == nil {
		return false, nil
	}
	for attempt := 0; attempt < maxRetry; attempt++ {
		n, i, found, err := it.t.locate(it.rec)
		if err != nil {
			return false, err
		}
		if n == nil {
			it.Close()
			return false, nil
		}
		next := i - 1
		if step == Forward {
			next = i
			if found {
				next = i + 1
			}
		}
		r, err := it.t.settle(n, next, step)
		if errors.Is(err, ErrRetry) {
			continue
		}
		if err != nil {
			return false, err
		}
		old := it.rec
		it.rec = r
		it.t.hooks.ItemRelease(old, latch.Read)
		return r != nil, nil
	}
	return false, errors.Wrapf(ErrRetry, "moving iterator in %s", it.t.Path)
}

// Close 释放对当前记录的保留, 可重复调用.
func (it *Iterator) Close() {
	if it.rec != nil {
		it.t.hooks.ItemRelease(it.rec, latch.Read)
		it.rec = nil
	}
}
