package storage

import (
	"bytes"
	"os"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/imReese/NexusTree/pkg/bptree"
	"github.com/imReese/NexusTree/pkg/savior"
)

// backend 写回调度器的 I/O 实现. 登记任务时固定对应的缓存条目, 任务完成后释放,
// 保证脏节点在落盘之前不会被淘汰后又从磁盘读到旧内容.
type backend struct {
	s *Store
}

var _ savior.Backend = backend{}

func (b backend) Hold(t *savior.Task) {
	switch t.Kind {
	case savior.KindBase:
		b.s.cache.Trees.Reserve(t.Path)
	case savior.KindLeaf:
		b.s.cache.Leaves.Reserve(t.Path)
	case savior.KindInternal:
		b.s.cache.Internal.Reserve(t.Path)
	}
}

func (b backend) Done(t *savior.Task) {
	switch t.Kind {
	case savior.KindBase:
		b.s.cache.Trees.Release(t.Path)
	case savior.KindLeaf:
		b.s.cache.Leaves.Release(t.Path)
	case savior.KindInternal:
		b.s.cache.Internal.Release(t.Path)
	}
}

// Flush sync 为 true 时调用者已经持有节点的 travel 写锁.
func (b backend) Flush(t *savior.Task, sync bool) error {
	if t.Action == savior.ActionRemove {
		unlock := b.s.fs.Lock(t.Path)
		defer unlock()
		return b.s.fs.Remove(t.Path)
	}

	switch t.Kind {
	case savior.KindBase:
		tree := t.Node.(*Tree)
		return b.s.writeBase(tree)
	case savior.KindInternal:
		blk := t.Node.(*bptree.Block)
		if !sync {
			blk.Latches.Travel.RLock()
			defer blk.Latches.Travel.RUnlock()
		}
		if blk.Removed.Load() {
			return nil
		}
		var buf bytes.Buffer
		if err := encodeInternal(&buf, blk); err != nil {
			return err
		}
		return b.s.replace(t.Path, buf.Bytes())
	case savior.KindLeaf:
		blk := t.Node.(*bptree.Block)
		blk.Latches.Travel.RLock()
		defer blk.Latches.Travel.RUnlock()
		blk.Latches.Change.RLock()
		defer blk.Latches.Change.RUnlock()
		if blk.Removed.Load() {
			return nil
		}
		return b.s.writeLeaf(blk)
	}
	return errors.AssertionFailedf("storage: unknown task kind %s", t.Kind)
}

func (s *Store) writeBase(t *Tree) error {
	root, rootLeaf := t.bt.Root()
	var buf bytes.Buffer
	if err := encodeBase(&buf, baseRecord{
		Count:    t.bt.Count(),
		Factor:   t.bt.Factor,
		Type:     t.bt.Type,
		Root:     root,
		RootLeaf: rootLeaf,
	}); err != nil {
		return err
	}
	return s.replace(t.path, buf.Bytes())
}

// writeLeaf 调用者持有叶子的读锁. 先把所有值读入内存, 再替换文件,
// 最后把大值重新绑定到新文件中的位置.
func (s *Store) writeLeaf(blk *bptree.Block) error {
	values := make([][]byte, len(blk.Records))
	for i, r := range blk.Records {
		if err := r.Blob().Pin(); err != nil {
			return err
		}
		v, err := r.Blob().Bytes()
		if err != nil {
			return err
		}
		values[i] = v
	}

	var buf bytes.Buffer
	layout, err := encodeLeaf(&buf, blk, values)
	if err != nil {
		return err
	}
	if err := s.replace(blk.Path, buf.Bytes()); err != nil {
		return err
	}
	// 没有视图时不保留内存副本
	keep := blk.Latches.Owner.Owners() > 0
	for i, r := range blk.Records {
		if layout.lengths[i] > s.opts.SmallValueSize {
			ref := s.blobs.ref(blk.Path, layout.offsets[i], layout.lengths[i])
			_ = r.Guard(func(held bool) error {
				r.Blob().Bind(ref, s.blobs, keep || held)
				return nil
			})
		}
	}
	return nil
}

// replace 写入临时文件并同步, 然后在文件锁内替换旧文件.
func (s *Store) replace(path string, data []byte) error {
	f, err := s.fs.Create()
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		s.fs.Remove(tmp)
		return errors.Wrapf(err, "write %s", tmp)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		s.fs.Remove(tmp)
		return errors.Wrapf(err, "sync %s", tmp)
	}
	if err := f.Close(); err != nil {
		s.fs.Remove(tmp)
		return errors.Wrapf(err, "close %s", tmp)
	}

	unlock := s.fs.Lock(path)
	defer unlock()
	if err := s.fs.Remove(path); err != nil {
		s.fs.Remove(tmp)
		return errors.Wrapf(err, "remove old %s", path)
	}
	if err := s.fs.Move(tmp, path); err != nil {
		s.fs.Remove(tmp)
		return errors.Wrapf(err, "move %s to %s", tmp, path)
	}
	return nil
}

// readNode 缓存未命中时从磁盘加载节点. 文件不存在同时标记为 ErrNodeGone,
// 持有旧路径的访问者据此重新定位.
func (s *Store) readNode(path string, leaf bool) (*bptree.Block, error) {
	unlock := s.fs.Lock(path)
	defer unlock()
	f, err := s.fs.Open(path)
	if err != nil {
		gone := os.IsNotExist(err)
		err = bptree.StorageFault(err, "open %s node %s", kindOf(leaf), path)
		if gone {
			err = errors.Mark(err, bptree.ErrNodeGone)
		}
		return nil, err
	}
	defer f.Close()

	var blk *bptree.Block
	if leaf {
		blk, err = decodeLeaf(f, path, s.opts.SmallValueSize, func(off int64, n int) *bptree.Blob {
			return bptree.NewLazyBlob(s.blobs.ref(path, off, n), s.blobs)
		})
	} else {
		blk, err = decodeInternal(f, path)
	}
	if err != nil {
		return nil, bptree.StorageFault(err, "decode %s node %s", kindOf(leaf), path)
	}
	if leaf {
		s.adopt(blk)
	}
	s.logger.Debug("node loaded", zap.String("path", path), zap.Bool("leaf", leaf))
	return blk, nil
}

func (s *Store) readBase(path string) (baseRecord, error) {
	unlock := s.fs.Lock(path)
	defer unlock()
	f, err := s.fs.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return baseRecord{}, errors.Wrapf(bptree.ErrNotFound, "tree %s", path)
		}
		return baseRecord{}, bptree.StorageFault(err, "open tree %s", path)
	}
	defer f.Close()
	b, err := decodeBase(f)
	if err != nil {
		return b, bptree.StorageFault(err, "decode tree %s", path)
	}
	return b, nil
}

// orphan 叶子被丢弃时(在 tier 锁内)记下仍被迭代器保留的记录.
// 丢弃之后到重新加载之前文件不会被改写, 这些记录的值引用仍然有效.
func (s *Store) orphan(path string, blk *bptree.Block) {
	if blk.Removed.Load() {
		return
	}
	// 扫描期间持有 orphanMu, 与 forget 串行
	s.orphanMu.Lock()
	defer s.orphanMu.Unlock()
	var held []*bptree.Record
	for _, r := range blk.Records {
		_ = r.Guard(func(reserved bool) error {
			if reserved {
				held = append(held, r)
			}
			return nil
		})
	}
	if len(held) > 0 {
		s.orphans[path] = held
	}
}

// forget 记录的最后一个保留被释放, 不再需要在重新加载时沿用.
func (s *Store) forget(r *bptree.Record) {
	s.orphanMu.Lock()
	defer s.orphanMu.Unlock()
	if len(s.orphans) == 0 {
		return
	}
	path := r.Owner()
	held := s.orphans[path]
	for i, o := range held {
		if o == r {
			held = append(held[:i], held[i+1:]...)
			break
		}
	}
	if len(held) == 0 {
		delete(s.orphans, path)
		return
	}
	s.orphans[path] = held
}

// adopt 重新加载的叶子沿用仍被保留的旧记录对象, 之后的写回会重新绑定它们的值.
func (s *Store) adopt(blk *bptree.Block) {
	s.orphanMu.Lock()
	held := s.orphans[blk.Path]
	delete(s.orphans, blk.Path)
	s.orphanMu.Unlock()
	if len(held) == 0 {
		return
	}
	index := make(map[string]int, len(blk.Records))
	for i, r := range blk.Records {
		index[string(r.Key())] = i
	}
	for _, r := range held {
		if i, ok := index[string(r.Key())]; ok && r.Reserved() > 0 {
			blk.Records[i] = r
		}
	}
}

// orphaned 仍在等待重新加载的保留记录数.
func (s *Store) orphaned() int {
	s.orphanMu.Lock()
	defer s.orphanMu.Unlock()
	n := 0
	for _, held := range s.orphans {
		n += len(held)
	}
	return n
}
