package bptree

import "sync"

// Ref 值在叶子文件中的位置
type Ref struct {
	Path   string
	Offset int64
	Length int
	ID     uint64 // blob 缓存的键, 每次绑定都不同
}

// Loader 按 Ref 读取值
type Loader interface {
	LoadBlob(ref Ref) ([]byte, error)
}

// Blob 懒加载的值: 要么在内存中, 要么是 (文件, 偏移, 长度) 引用.
// 读到的切片不可修改.
type Blob struct {
	size int

	mu     sync.Mutex
	data   []byte
	lazy   bool
	ref    Ref
	loader Loader
}

func NewBlob(data []byte) *Blob {
	if data == nil {
		data = []byte{}
	}
	return &Blob{size: len(data), data: data}
}

func NewLazyBlob(ref Ref, loader Loader) *Blob {
	return &Blob{size: ref.Length, lazy: true, ref: ref, loader: loader}
}

func (b *Blob) Len() int { return b.size }

func (b *Blob) Bytes() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bytesLocked()
}

func (b *Blob) bytesLocked() ([]byte, error) {
	if b.data != nil || !b.lazy {
		return b.data, nil
	}
	data, err := b.loader.LoadBlob(b.ref)
	if err != nil {
		return nil, err
	}
	b.data = data
	return data, nil
}

// Pin 把值读入内存并丢弃文件引用. 所在文件即将被替换或记录即将迁移时调用.
func (b *Blob) Pin() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.bytesLocked(); err != nil {
		return err
	}
	b.lazy = false
	b.ref = Ref{}
	return nil
}

// Bind 绑定到新的文件位置; keep 为 false 时释放内存中的副本.
func (b *Blob) Bind(ref Ref, loader Loader, keep bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lazy = true
	b.ref = ref
	b.loader = loader
	if !keep {
		b.data = nil
	}
}

// Unpin 对有文件引用的值释放内存副本, 返回是否释放.
func (b *Blob) Unpin() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.lazy || b.data == nil {
		return false
	}
	b.data = nil
	return true
}

func (b *Blob) Ref() (Ref, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ref, b.lazy
}

// Resident 值是否在内存中
func (b *Blob) Resident() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data != nil || !b.lazy
}
