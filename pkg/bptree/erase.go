package bptree

import "github.com/imReese/NexusTree/pkg/latch"

// Erase 删除键, 不存在时返回 ErrNotFound.
func (t *Tree) Erase(key []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}

	p := &lockPath{t: t}
	defer p.unwind()
	t.rootLatch.Lock()
	p.rootHeld = true

	root, rootLeaf := t.Root()
	if root == "" {
		return ErrNotFound
	}
	n := Ghost(root, rootLeaf)
	if err := t.hooks.Enter(n, latch.Write); err != nil {
		return err
	}
	p.push(n)
	if t.eraseSafe(n, true) {
		p.releaseAncestors()
	}
	for !n.Leaf {
		b := n.b()
		c := Ghost(b.Children[t.childIndex(b, key)], b.ChildLeaf)
		if err := t.hooks.Enter(c, latch.Write); err != nil {
			return err
		}
		p.push(c)
		if t.eraseSafe(c, false) {
			p.releaseAncestors()
		}
		n = c
	}

	b := n.b()
	pos, found := t.search(b.Records, key)
	if !found {
		return ErrNotFound
	}
	if err := t.eraseAt(p, n, pos); err != nil {
		return err
	}
	return t.hooks.SaveBase(t)
}

// deleteAt 调用者持有 n 的 change 写锁.
func (t *Tree) deleteAt(n *Node, pos int) error {
	b := n.b()
	rec := b.Records[pos]
	b.Records = removeAt(b.Records, pos)
	rec.SetOwner("")
	if err := t.hooks.LeafDelete(n, rec); err != nil {
		return err
	}
	t.count.Add(-1)
	return nil
}

// eraseSafe 删除一条后不会下溢.
func (t *Tree) eraseSafe(n *Node, root bool) bool {
	size := n.b().Len()
	switch {
	case root && n.Leaf:
		return size > 1
	case root:
		return size > 2
	case n.Leaf:
		return size > t.minLeaf()
	}
	return size > t.minChildren()
}

// siblings 在父节点下为 n 选择合并/借位的兄弟, 以写模式进入.
// 返回 (left, right, 左节点在父节点中的下标). 总是把右节点并入左节点.
func (t *Tree) siblings(p *lockPath, parent, n *Node) (*Node, *Node, int, error) {
	pb := parent.b()
	ci := childPos(pb, n.Path)
	if ci+1 < len(pb.Children) {
		sib := Ghost(pb.Children[ci+1], n.Leaf)
		if err := t.hooks.Enter(sib, latch.Write); err != nil {
			return nil, nil, 0, err
		}
		p.hold(sib)
		return n, sib, ci, nil
	}
	sib := Ghost(pb.Children[ci-1], n.Leaf)
	if err := t.hooks.Enter(sib, latch.Write); err != nil {
		return nil, nil, 0, err
	}
	p.hold(sib)
	return sib, n, ci - 1, nil
}

// eraseAt 删除 n.Records[pos]. 删除后会下溢时先在父节点下选好兄弟,
// 再把参与合并或借位的叶子作为一组锁定, 然后才修改记录.
func (t *Tree) eraseAt(p *lockPath, n *Node, pos int) error {
	b := n.b()
	if p.isRoot(n) {
		t.hooks.Reserve(n, latch.Write)
		if err := t.deleteAt(n, pos); err != nil {
			return err
		}
		if len(b.Records) == 0 {
			if err := t.hooks.Remove(n); err != nil {
				return err
			}
			t.setRoot("", true)
		}
		return nil
	}
	if p.indexOf(n) == 0 || len(b.Records)-1 >= t.minLeaf() {
		t.hooks.Reserve(n, latch.Write)
		return t.deleteAt(n, pos)
	}

	parent := p.parent(n)
	left, right, ci, err := t.siblings(p, parent, n)
	if err != nil {
		return err
	}
	if len(left.b().Records)+len(right.b().Records)-1 <= t.Factor {
		return t.joinLeaves(p, parent, n, pos, left, right, ci)
	}
	return t.shiftLeaves(parent, n, pos, left, right, ci)
}

// joinLeaves 删除后把 right 并入 left, right 原来的右邻居一同锁定.
func (t *Tree) joinLeaves(p *lockPath, parent, n *Node, pos int, left, right *Node, ci int) error {
	link := right.b().Next
	far, err := t.hooks.LeafJoin(left, right, link)
	p.hold(far)
	if err != nil {
		return err
	}
	if err := t.deleteAt(n, pos); err != nil {
		return err
	}

	lb, rb, pb := left.b(), right.b(), parent.b()
	for i := range rb.Records {
		if err := t.hooks.LeafMove(right, i); err != nil {
			return err
		}
	}
	for _, r := range rb.Records {
		r.SetOwner(left.Path)
	}
	lb.Records = append(lb.Records, rb.Records...)
	rb.Records = nil
	if err := t.hooks.LeafRef(left, link, SideNext); err != nil {
		return err
	}
	if far != nil {
		if err := t.hooks.LeafRef(far, left.Path, SidePrev); err != nil {
			return err
		}
	}
	pb.Keys = removeAt(pb.Keys, ci)
	pb.Children = removeAt(pb.Children, ci+1)
	if err := t.hooks.Remove(right); err != nil {
		return err
	}
	return t.rebalanceInternal(p, parent)
}

// shiftLeaves 删除后从兄弟借一条记录, 并更新父节点中的分隔键.
func (t *Tree) shiftLeaves(parent, n *Node, pos int, left, right *Node, ci int) error {
	lb, rb := left.b(), right.b()
	src, dst, idx := right, left, 0
	if n == right {
		src, dst, idx = left, right, len(lb.Records)-1
	}
	if err := t.hooks.LeafShift(src, dst); err != nil {
		return err
	}
	if err := t.deleteAt(n, pos); err != nil {
		return err
	}
	if err := t.hooks.LeafMove(src, idx); err != nil {
		return err
	}

	sb := src.b()
	r := sb.Records[idx]
	sb.Records = removeAt(sb.Records, idx)
	if dst == left {
		// 从右兄弟头部借一条
		lb.Records = append(lb.Records, r)
	} else {
		// 从左兄弟尾部借一条
		rb.Records = insertAt(rb.Records, 0, r)
	}
	r.SetOwner(dst.Path)
	parent.b().Keys[ci] = clone(rb.Records[0].key)
	return t.hooks.Dirty(parent)
}

func (t *Tree) rebalanceInternal(p *lockPath, n *Node) error {
	b := n.b()
	if p.isRoot(n) {
		if len(b.Children) == 1 {
			t.setRoot(b.Children[0], b.ChildLeaf)
			return t.hooks.Remove(n)
		}
		return t.hooks.Dirty(n)
	}
	if p.indexOf(n) == 0 || len(b.Children) >= t.minChildren() {
		return t.hooks.Dirty(n)
	}

	parent := p.parent(n)
	left, right, ci, err := t.siblings(p, parent, n)
	if err != nil {
		return err
	}
	lb, rb, pb := left.b(), right.b(), parent.b()

	if len(lb.Children)+len(rb.Children) <= t.Factor {
		lb.Keys = append(lb.Keys, pb.Keys[ci])
		lb.Keys = append(lb.Keys, rb.Keys...)
		lb.Children = append(lb.Children, rb.Children...)
		rb.Keys, rb.Children = nil, nil
		pb.Keys = removeAt(pb.Keys, ci)
		pb.Children = removeAt(pb.Children, ci+1)
		if err := t.hooks.Dirty(left); err != nil {
			return err
		}
		if err := t.hooks.Remove(right); err != nil {
			return err
		}
		return t.rebalanceInternal(p, parent)
	}

	if n == left {
		lb.Keys = append(lb.Keys, pb.Keys[ci])
		lb.Children = append(lb.Children, rb.Children[0])
		pb.Keys[ci] = rb.Keys[0]
		rb.Keys = removeAt(rb.Keys, 0)
		rb.Children = removeAt(rb.Children, 0)
	} else {
		k, c := len(lb.Keys)-1, len(lb.Children)-1
		rb.Keys = insertAt(rb.Keys, 0, pb.Keys[ci])
		rb.Children = insertAt(rb.Children, 0, lb.Children[c])
		pb.Keys[ci] = lb.Keys[k]
		lb.Keys = lb.Keys[:k]
		lb.Children = lb.Children[:c]
	}
	if err := t.hooks.Dirty(left); err != nil {
		return err
	}
	if err := t.hooks.Dirty(right); err != nil {
		return err
	}
	return t.hooks.Dirty(parent)
}
