package storage

import (
	"bufio"
	"io"
	"net/url"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/imReese/NexusTree/pkg/bptree"
)

// 记录格式均为空格分隔的文本行, "-" 表示没有路径.
//
//	base:     count factor type root root_is_leaf
//	internal: childs_are_leaf child_count \n keys \n paths
//	leaf:     item_count prev next \n keys \n lens \n <values>
const nilPath = "-"

type baseRecord struct {
	Count    int64
	Factor   int
	Type     bptree.KeyType
	Root     string
	RootLeaf bool
}

func encodePath(p string) string {
	if p == "" {
		return nilPath
	}
	return p
}

func decodePath(s string) string {
	if s == nilPath {
		return ""
	}
	return s
}

func encodeBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func decodeBool(s string) (bool, error) {
	switch s {
	case "0":
		return false, nil
	case "1":
		return true, nil
	}
	return false, errors.Newf("bad bool %q", s)
}

func encodeKeys(keys [][]byte) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = url.QueryEscape(string(k))
	}
	return strings.Join(parts, " ")
}

func decodeKeys(line string, want int) ([][]byte, error) {
	fields := strings.Fields(line)
	if len(fields) != want {
		return nil, errors.Newf("expected %d keys, got %d", want, len(fields))
	}
	keys := make([][]byte, len(fields))
	for i, f := range fields {
		k, err := url.QueryUnescape(f)
		if err != nil {
			return nil, errors.Wrapf(err, "key %d", i)
		}
		keys[i] = []byte(k)
	}
	return keys, nil
}

// lineReader 逐行读取并统计已消费的字节数, 用于计算叶子中值的偏移.
type lineReader struct {
	r   *bufio.Reader
	off int64
}

func (l *lineReader) line() (string, error) {
	s, err := l.r.ReadString('\n')
	l.off += int64(len(s))
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return "", err
	}
	return strings.TrimSuffix(s, "\n"), nil
}

func (l *lineReader) fields(want int) ([]string, error) {
	s, err := l.line()
	if err != nil {
		return nil, err
	}
	f := strings.Fields(s)
	if len(f) != want {
		return nil, errors.Newf("expected %d fields, got %q", want, s)
	}
	return f, nil
}

func encodeBase(w io.Writer, b baseRecord) error {
	_, err := io.WriteString(w, strings.Join([]string{
		strconv.FormatInt(b.Count, 10),
		strconv.Itoa(b.Factor),
		b.Type.String(),
		encodePath(b.Root),
		encodeBool(b.RootLeaf),
	}, " ")+"\n")
	return err
}

func decodeBase(r io.Reader) (baseRecord, error) {
	var b baseRecord
	lr := &lineReader{r: bufio.NewReader(r)}
	f, err := lr.fields(5)
	if err != nil {
		return b, err
	}
	if b.Count, err = strconv.ParseInt(f[0], 10, 64); err != nil {
		return b, errors.Wrap(err, "count")
	}
	if b.Factor, err = strconv.Atoi(f[1]); err != nil {
		return b, errors.Wrap(err, "factor")
	}
	if b.Type, err = bptree.ParseKeyType(f[2]); err != nil {
		return b, err
	}
	b.Root = decodePath(f[3])
	if b.RootLeaf, err = decodeBool(f[4]); err != nil {
		return b, err
	}
	return b, nil
}

func encodeInternal(w io.Writer, blk *bptree.Block) error {
	bw := bufio.NewWriter(w)
	bw.WriteString(encodeBool(blk.ChildLeaf) + " " + strconv.Itoa(len(blk.Children)) + "\n")
	bw.WriteString(encodeKeys(blk.Keys) + "\n")
	paths := make([]string, len(blk.Children))
	for i, c := range blk.Children {
		paths[i] = encodePath(c)
	}
	bw.WriteString(strings.Join(paths, " ") + "\n")
	return bw.Flush()
}

func decodeInternal(r io.Reader, path string) (*bptree.Block, error) {
	lr := &lineReader{r: bufio.NewReader(r)}
	f, err := lr.fields(2)
	if err != nil {
		return nil, err
	}
	blk := bptree.NewBlock(path, false)
	if blk.ChildLeaf, err = decodeBool(f[0]); err != nil {
		return nil, err
	}
	n, err := strconv.Atoi(f[1])
	if err != nil || n < 1 {
		return nil, errors.Newf("bad child count %q", f[1])
	}
	line, err := lr.line()
	if err != nil {
		return nil, err
	}
	if blk.Keys, err = decodeKeys(line, n-1); err != nil {
		return nil, err
	}
	if f, err = lr.fields(n); err != nil {
		return nil, err
	}
	blk.Children = make([]string, n)
	for i, p := range f {
		blk.Children[i] = decodePath(p)
	}
	return blk, nil
}

// leafLayout 叶子头部之后各个值的位置
type leafLayout struct {
	offsets []int64
	lengths []int
}

// encodeLeaf 写入叶子; values 与 blk.Records 一一对应, 调用者已把值读入内存.
func encodeLeaf(w io.Writer, blk *bptree.Block, values [][]byte) (leafLayout, error) {
	var layout leafLayout
	keys := make([][]byte, len(blk.Records))
	lens := make([]string, len(blk.Records))
	for i, r := range blk.Records {
		keys[i] = r.Key()
		lens[i] = strconv.Itoa(len(values[i]))
	}
	header := strconv.Itoa(len(blk.Records)) + " " + encodePath(blk.Prev) + " " + encodePath(blk.Next) + "\n" +
		encodeKeys(keys) + "\n" +
		strings.Join(lens, " ") + "\n"

	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(header); err != nil {
		return layout, err
	}
	off := int64(len(header))
	for _, v := range values {
		layout.offsets = append(layout.offsets, off)
		layout.lengths = append(layout.lengths, len(v))
		if _, err := bw.Write(v); err != nil {
			return layout, err
		}
		off += int64(len(v))
	}
	return layout, bw.Flush()
}

// decodeLeaf 不大于 small 字节的值直接读入, 更大的值由 lazy 生成文件引用.
func decodeLeaf(r io.Reader, path string, small int, lazy func(off int64, n int) *bptree.Blob) (*bptree.Block, error) {
	lr := &lineReader{r: bufio.NewReader(r)}
	f, err := lr.fields(3)
	if err != nil {
		return nil, err
	}
	n, err := strconv.Atoi(f[0])
	if err != nil || n < 0 {
		return nil, errors.Newf("bad item count %q", f[0])
	}
	blk := bptree.NewBlock(path, true)
	blk.Prev, blk.Next = decodePath(f[1]), decodePath(f[2])

	line, err := lr.line()
	if err != nil {
		return nil, err
	}
	keys, err := decodeKeys(line, n)
	if err != nil {
		return nil, err
	}
	if f, err = lr.fields(n); err != nil {
		return nil, err
	}
	blk.Records = make([]*bptree.Record, n)
	for i := range keys {
		size, err := strconv.Atoi(f[i])
		if err != nil || size < 0 {
			return nil, errors.Newf("bad value length %q", f[i])
		}
		var blob *bptree.Blob
		if size <= small {
			buf := make([]byte, size)
			if _, err := io.ReadFull(lr.r, buf); err != nil {
				return nil, errors.Wrapf(err, "value %d", i)
			}
			blob = bptree.NewBlob(buf)
		} else {
			blob = lazy(lr.off, size)
			if _, err := lr.r.Discard(size); err != nil {
				return nil, errors.Wrapf(err, "value %d", i)
			}
		}
		lr.off += int64(size)
		rec := bptree.NewRecord(keys[i], blob)
		rec.SetOwner(path)
		blk.Records[i] = rec
	}
	return blk, nil
}
