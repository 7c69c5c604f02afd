package bptree

import (
	"github.com/cockroachdb/errors"

	"github.com/imReese/NexusTree/pkg/latch"
)

// NodeInfo 节点快照
type NodeInfo struct {
	Path      string
	Leaf      bool
	Keys      [][]byte
	Children  []string
	ChildLeaf bool
	Prev      string
	Next      string
	Lo, Hi    []byte // 由父节点给出的键范围, nil 表示无界
}

// Inspect 按层(BFS)读取树结构. 每次只持有一个节点的读锁, 并发修改下不是一致快照.
func (t *Tree) Inspect() ([][]NodeInfo, error) {
	root, rootLeaf := t.Root()
	if root == "" {
		return nil, nil
	}
	var levels [][]NodeInfo
	cur := []NodeInfo{{Path: root, Leaf: rootLeaf}}
	for len(cur) > 0 {
		var next []NodeInfo
		for i := range cur {
			info := &cur[i]
			if err := t.snapshot(info); err != nil {
				return nil, err
			}
			for ci, c := range info.Children {
				child := NodeInfo{Path: c, Leaf: info.ChildLeaf, Lo: info.Lo, Hi: info.Hi}
				if ci > 0 {
					child.Lo = info.Keys[ci-1]
				}
				if ci < len(info.Keys) {
					child.Hi = info.Keys[ci]
				}
				next = append(next, child)
			}
		}
		levels = append(levels, cur)
		cur = next
	}
	return levels, nil
}

func (t *Tree) snapshot(info *NodeInfo) error {
	n := Ghost(info.Path, info.Leaf)
	if err := t.hooks.Enter(n, latch.Read); err != nil {
		return err
	}
	defer t.drop(n)
	b := n.b()
	info.Leaf = b.Leaf
	if b.Leaf {
		t.hooks.Reserve(n, latch.Read)
		for _, r := range b.Records {
			info.Keys = append(info.Keys, clone(r.key))
		}
		info.Prev, info.Next = b.Prev, b.Next
		return nil
	}
	info.Keys = append([][]byte(nil), b.Keys...)
	info.Children = append([]string(nil), b.Children...)
	info.ChildLeaf = b.ChildLeaf
	return nil
}

// Verify 检查结构不变式: 键有序、子树键范围、叶子同层、叶子链与 prev/next 一致、计数一致.
func (t *Tree) Verify() error {
	levels, err := t.Inspect()
	if err != nil {
		return err
	}
	if len(levels) == 0 {
		if c := t.Count(); c != 0 {
			return errors.Newf("empty tree reports count %d", c)
		}
		return nil
	}
	for depth, level := range levels {
		last := depth == len(levels)-1
		for _, n := range level {
			if n.Leaf != last {
				return errors.Newf("node %s at depth %d: leaf=%t", n.Path, depth, n.Leaf)
			}
			for i := 1; i < len(n.Keys); i++ {
				if t.Type.Compare(n.Keys[i-1], n.Keys[i]) >= 0 {
					return errors.Newf("node %s: keys out of order at %d", n.Path, i)
				}
			}
			if !n.Leaf && len(n.Keys) != len(n.Children)-1 {
				return errors.Newf("node %s: %d keys for %d children", n.Path, len(n.Keys), len(n.Children))
			}
			if n.Leaf {
				for _, k := range n.Keys {
					if n.Lo != nil && t.Type.Compare(k, n.Lo) < 0 {
						return errors.Newf("leaf %s: key %q below bound %q", n.Path, k, n.Lo)
					}
					if n.Hi != nil && t.Type.Compare(k, n.Hi) >= 0 {
						return errors.Newf("leaf %s: key %q not below bound %q", n.Path, k, n.Hi)
					}
				}
			}
		}
	}

	leaves := levels[len(levels)-1]
	var total int64
	for i, l := range leaves {
		total += int64(len(l.Keys))
		wantPrev, wantNext := "", ""
		if i > 0 {
			wantPrev = leaves[i-1].Path
		}
		if i+1 < len(leaves) {
			wantNext = leaves[i+1].Path
		}
		if l.Prev != wantPrev || l.Next != wantNext {
			return errors.Newf("leaf %s: chain (%q, %q), want (%q, %q)", l.Path, l.Prev, l.Next, wantPrev, wantNext)
		}
	}
	if total != t.Count() {
		return errors.Newf("tree holds %d records, count is %d", total, t.Count())
	}
	return nil
}
