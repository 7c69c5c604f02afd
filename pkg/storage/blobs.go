package storage

import (
	"io"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/dgraph-io/ristretto/v2"

	"github.com/imReese/NexusTree/pkg/bptree"
	"github.com/imReese/NexusTree/pkg/fsys"
)

// blobStore 按 Ref 读取大值. 读到的内容按 Ref.ID 缓存在 ristretto 中;
// 每次绑定都会分配新的 ID, 文件被替换后旧 ID 不会再命中.
type blobStore struct {
	fs    fsys.FS
	cache *ristretto.Cache[uint64, []byte]
	ids   atomic.Uint64
}

func newBlobStore(fs fsys.FS, maxBytes int64) (*blobStore, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultBlobCacheBytes
	}
	c, err := ristretto.NewCache(&ristretto.Config[uint64, []byte]{
		// 计数器数量约为条目数的 10 倍, 按 4KB 平均值估算
		NumCounters: max(maxBytes/4096*10, 1024),
		MaxCost:     maxBytes,
		BufferItems: 64,
		Metrics:     true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create blob cache")
	}
	return &blobStore{fs: fs, cache: c}, nil
}

func (b *blobStore) nextID() uint64 { return b.ids.Add(1) }

func (b *blobStore) ref(path string, off int64, n int) bptree.Ref {
	return bptree.Ref{Path: path, Offset: off, Length: n, ID: b.nextID()}
}

func (b *blobStore) LoadBlob(ref bptree.Ref) ([]byte, error) {
	if v, ok := b.cache.Get(ref.ID); ok {
		return v, nil
	}

	unlock := b.fs.Lock(ref.Path)
	defer unlock()
	f, err := b.fs.Open(ref.Path)
	if err != nil {
		return nil, bptree.StorageFault(err, "open %s for value", ref.Path)
	}
	defer f.Close()
	buf := make([]byte, ref.Length)
	if n, err := f.ReadAt(buf, ref.Offset); err != nil && !(errors.Is(err, io.EOF) && n == len(buf)) {
		return nil, bptree.StorageFault(err, "read value at %s+%d", ref.Path, ref.Offset)
	}
	b.cache.Set(ref.ID, buf, int64(len(buf)))
	return buf, nil
}

func (b *blobStore) hitRatio() float64 {
	if b.cache.Metrics == nil {
		return 0
	}
	return b.cache.Metrics.Ratio()
}

func (b *blobStore) Close() {
	b.cache.Close()
}
