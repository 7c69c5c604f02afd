package bptree

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/cockroachdb/errors"
)

// KeyType 树的键类型标签, 决定键的排序方式, 写入 base 记录.
type KeyType uint8

const (
	KeyBytes KeyType = iota // 按字节序
	KeyInt                  // 十进制整数, 按数值序
)

func ParseKeyType(s string) (KeyType, error) {
	switch s {
	case "", "bytes":
		return KeyBytes, nil
	case "int":
		return KeyInt, nil
	}
	return 0, errors.Newf("unknown key type %q", s)
}

func (k KeyType) String() string {
	switch k {
	case KeyBytes:
		return "bytes"
	case KeyInt:
		return "int"
	}
	return fmt.Sprintf("keytype(%d)", uint8(k))
}

func (k KeyType) Valid() bool { return k <= KeyInt }

func (k KeyType) Validate(key []byte) error {
	_, err := k.Canonical(key)
	return err
}

// Canonical 校验键并返回其存储形式. 整数键统一为不带前导零与正号的十进制,
// 数值相等的键只会存下一份.
func (k KeyType) Canonical(key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}
	if k != KeyInt {
		return clone(key), nil
	}
	v, err := strconv.ParseInt(string(key), 10, 64)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidKey, "%q is not an integer", key)
	}
	return strconv.AppendInt(nil, v, 10), nil
}

func (k KeyType) Compare(a, b []byte) int {
	if k == KeyInt {
		x, errA := strconv.ParseInt(string(a), 10, 64)
		y, errB := strconv.ParseInt(string(b), 10, 64)
		if errA == nil && errB == nil {
			switch {
			case x < y:
				return -1
			case x > y:
				return 1
			}
			return 0
		}
	}
	return bytes.Compare(a, b)
}
