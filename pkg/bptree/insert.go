package bptree

import (
	"github.com/cockroachdb/errors"

	"github.com/imReese/NexusTree/pkg/latch"
)

// Insert 插入键值. 键已存在时: update 为 false 保持原值, 为 true 用新记录替换.
// 返回是否新增了键.
func (t *Tree) Insert(key, value []byte, update bool) (bool, error) {
	key, err := t.Type.Canonical(key)
	if err != nil {
		return false, err
	}
	rec := NewRecord(key, NewBlob(clone(value)))

	p := &lockPath{t: t}
	defer p.unwind()
	t.rootLatch.Lock()
	p.rootHeld = true

	root, rootLeaf := t.Root()
	if root == "" {
		return true, t.plant(p, rec)
	}

	n := Ghost(root, rootLeaf)
	if err := t.hooks.Enter(n, latch.Write); err != nil {
		return false, err
	}
	p.push(n)
	if t.insertSafe(n) {
		p.releaseAncestors()
	}
	for !n.Leaf {
		b := n.b()
		c := Ghost(b.Children[t.childIndex(b, key)], b.ChildLeaf)
		if err := t.hooks.Enter(c, latch.Write); err != nil {
			return false, err
		}
		p.push(c)
		if t.insertSafe(c) {
			p.releaseAncestors()
		}
		n = c
	}

	// 持有叶子的 travel 写锁, 记录数组不会被其它写者改动
	b := n.b()
	pos, found := t.search(b.Records, key)
	if found {
		if !update {
			return false, nil
		}
		t.hooks.Reserve(n, latch.Write)
		old := b.Records[pos]
		b.Records[pos] = rec
		rec.SetOwner(n.Path)
		old.SetOwner("")
		if err := t.hooks.LeafDelete(n, old); err != nil {
			return false, err
		}
		return false, t.hooks.LeafInsert(n, rec)
	}

	if len(b.Records) >= t.Factor {
		if err := t.splitLeaf(p, n, pos, rec); err != nil {
			return true, err
		}
		return true, t.hooks.SaveBase(t)
	}
	t.hooks.Reserve(n, latch.Write)
	if err := t.place(n, pos, rec); err != nil {
		return true, err
	}
	return true, t.hooks.SaveBase(t)
}

// place 调用者持有 n 的 change 写锁.
func (t *Tree) place(n *Node, pos int, rec *Record) error {
	b := n.b()
	b.Records = insertAt(b.Records, pos, rec)
	rec.SetOwner(n.Path)
	if err := t.hooks.LeafInsert(n, rec); err != nil {
		return err
	}
	t.count.Add(1)
	return nil
}

// insertSafe 插入一条后不会分裂.
func (t *Tree) insertSafe(n *Node) bool {
	return n.b().Len() < t.Factor
}

// plant 空树上创建第一个叶子作为根.
func (t *Tree) plant(p *lockPath, rec *Record) error {
	leaf := Ghost("", true)
	if err := t.hooks.Insert(leaf); err != nil {
		return err
	}
	p.push(leaf)
	t.hooks.Reserve(leaf, latch.Write)
	if err := t.place(leaf, 0, rec); err != nil {
		return err
	}
	t.setRoot(leaf.Path, true)
	return t.hooks.SaveBase(t)
}

// splitLeaf 在满的叶子 n 的 pos 处插入 rec 并把后一半记录迁往新叶子.
// n, 新叶子与原来的右邻居同时锁定.
func (t *Tree) splitLeaf(p *lockPath, n *Node, pos int, rec *Record) error {
	b := n.b()
	peer := Ghost("", true)
	if err := t.hooks.Insert(peer); err != nil {
		return err
	}
	p.hold(peer)
	link := b.Next
	far, err := t.hooks.LeafSplit(n, peer, link)
	p.hold(far)
	if err != nil {
		return err
	}
	if err := t.place(n, pos, rec); err != nil {
		return err
	}

	from := len(b.Records) / 2
	for i := from; i < len(b.Records); i++ {
		if err := t.hooks.LeafMove(n, i); err != nil {
			return err
		}
	}
	pb := peer.b()
	pb.Records = append([]*Record(nil), b.Records[from:]...)
	b.Records = append([]*Record(nil), b.Records[:from]...)
	for _, r := range pb.Records {
		r.SetOwner(peer.Path)
	}

	if err := t.hooks.LeafRef(peer, n.Path, SidePrev); err != nil {
		return err
	}
	if err := t.hooks.LeafRef(peer, link, SideNext); err != nil {
		return err
	}
	if err := t.hooks.LeafRef(n, peer.Path, SideNext); err != nil {
		return err
	}
	if far != nil {
		if err := t.hooks.LeafRef(far, peer.Path, SidePrev); err != nil {
			return err
		}
	}
	return t.insertIntoParent(p, n, clone(pb.Records[0].key), peer)
}

func (t *Tree) splitInternal(p *lockPath, n *Node) error {
	b := n.b()
	keep := len(b.Children) / 2
	sep := b.Keys[keep-1]

	peer := Ghost("", false)
	if err := t.hooks.Insert(peer); err != nil {
		return err
	}
	p.hold(peer)
	pb := peer.b()
	pb.ChildLeaf = b.ChildLeaf
	pb.Keys = append([][]byte(nil), b.Keys[keep:]...)
	pb.Children = append([]string(nil), b.Children[keep:]...)
	b.Keys = append([][]byte(nil), b.Keys[:keep-1]...)
	b.Children = append([]string(nil), b.Children[:keep]...)

	if err := t.hooks.Dirty(n); err != nil {
		return err
	}
	if err := t.hooks.Dirty(peer); err != nil {
		return err
	}
	return t.insertIntoParent(p, n, sep, peer)
}

func (t *Tree) insertIntoParent(p *lockPath, left *Node, sep []byte, right *Node) error {
	if p.isRoot(left) {
		root := Ghost("", false)
		if err := t.hooks.Insert(root); err != nil {
			return err
		}
		p.hold(root)
		rb := root.b()
		rb.ChildLeaf = left.Leaf
		rb.Keys = [][]byte{sep}
		rb.Children = []string{left.Path, right.Path}
		if err := t.hooks.Dirty(root); err != nil {
			return err
		}
		t.setRoot(root.Path, false)
		return nil
	}
	if p.indexOf(left) <= 0 {
		// 安全节点不应分裂
		panic(errors.AssertionFailedf("bptree: split of %s without held parent", left.Path))
	}

	parent := p.parent(left)
	pb := parent.b()
	i := childPos(pb, left.Path)
	pb.Keys = insertAt(pb.Keys, i, sep)
	pb.Children = insertAt(pb.Children, i+1, right.Path)
	if len(pb.Children) > t.Factor {
		return t.splitInternal(p, parent)
	}
	return t.hooks.Dirty(parent)
}
