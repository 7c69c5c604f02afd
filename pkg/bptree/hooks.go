package bptree

import "github.com/imReese/NexusTree/pkg/latch"

// Step 迭代方向
type Step int8

const (
	Forward  Step = 1
	Backward Step = -1
)

// Side 叶子兄弟指针
type Side uint8

const (
	SidePrev Side = iota
	SideNext
)

// Bound 边界查找类型
type Bound uint8

const (
	Lower Bound = iota // 小于等于 key 的最大键
	Upper              // 大于等于 key 的最小键
)

// Hooks 引擎在每个需要持久化、加锁或加载的时刻回调的能力接口.
// 引擎只修改内存中的内容数组, 从不直接接触磁盘.
type Hooks interface {
	// Enter 物化 n 并以 mode 获取 travel 锁.
	Enter(n *Node, mode latch.Mode) error
	Leave(n *Node, mode latch.Mode)

	// Insert 新建节点: 分配路径, 物化并以写模式进入.
	Insert(n *Node) error
	// Remove 节点被永久丢弃.
	Remove(n *Node) error
	// Dirty 内部节点内容已修改, 由调用者同步持久化.
	Dirty(n *Node) error

	// Reserve 获取叶子的 change 锁.
	Reserve(n *Node, mode latch.Mode)
	// Release 释放 change 锁; 视图不再持有任何锁时解除物化.
	Release(n *Node, mode latch.Mode)

	LeafInsert(n *Node, r *Record) error
	LeafDelete(n *Node, r *Record) error
	// LeafSplit 以写模式把 n, peer 与 link 叶子的 change 锁作为一组同时获取.
	// 返回锁定的 link 叶子(可能为 nil).
	LeafSplit(n, peer *Node, link string) (*Node, error)
	// LeafJoin peer 将并入 n, 两者与 link 叶子的 change 锁作为一组同时获取.
	LeafJoin(n, peer *Node, link string) (*Node, error)
	// LeafShift src 将向 dst 借出一条记录, 两者的 change 锁作为一组同时获取.
	LeafShift(src, dst *Node) error
	// LeafMove src.Records[idx] 即将迁往另一个叶子, 调用者持有 src 的 change 写锁.
	LeafMove(src *Node, idx int) error
	// LeafRef 设置 n 的兄弟指针并持久化.
	LeafRef(n *Node, peer string, side Side) error

	ItemReserve(r *Record, mode latch.Mode)
	ItemRelease(r *Record, mode latch.Mode)
	// ItemLocate 返回保留记录当前所在叶子的路径, 记录正在迁移时等待迁移完成.
	ItemLocate(r *Record) string

	// BeforeMove 解析并锁定 n 在 step 方向上的相邻叶子, 到达边界时返回 nil.
	// 无法在持有 n 的情况下获得邻居时可先释放 n; 邻居身份改变时返回 ErrRetry.
	BeforeMove(n *Node, step Step) (*Node, error)
	// AfterMove 释放仍被持有的 n.
	AfterMove(n *Node, step Step)

	SaveBase(t *Tree) error
}
