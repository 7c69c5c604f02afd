package bptree

import "github.com/cockroachdb/errors"

var (
	// ErrNotFound 键或树不存在
	ErrNotFound = errors.New("not found")
	// ErrExists 树已存在
	ErrExists = errors.New("already exists")
	// ErrStorageFault 结构上必需的文件无法读取或解析
	ErrStorageFault = errors.New("storage fault")
	ErrEmptyKey     = errors.New("empty key")
	ErrInvalidKey   = errors.New("invalid key")

	// ErrNodeGone 节点已被合并删除, 持有旧路径的访问者需要重新定位.
	ErrNodeGone = errors.New("node gone")
	// ErrRetry 相邻叶子在解析与加锁之间发生了变化.
	ErrRetry = errors.New("retry")
)

// maxRetry before_move / locate 的重试上限
const maxRetry = 64

// StorageFault 把底层错误标记为存储故障.
func StorageFault(err error, format string, args ...interface{}) error {
	return errors.Mark(errors.Wrapf(err, format, args...), ErrStorageFault)
}
