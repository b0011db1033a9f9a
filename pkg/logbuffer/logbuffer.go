package logbuffer

import "sync"

// DefaultCapacity 默认最多保留的行数
const DefaultCapacity = 1000

// Buffer 有界的只追加日志缓冲区（环形存储，超出容量时丢弃最旧的行）
type Buffer struct {
	mu    sync.Mutex
	lines []string
	start int // 最旧一行在 lines 中的下标
	size  int
}

// New 创建指定容量的缓冲区，capacity<=0 时使用 DefaultCapacity
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{lines: make([]string, capacity)}
}

// Cap 返回容量
func (b *Buffer) Cap() int {
	return len(b.lines)
}

// Len 返回当前行数
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Append 追加一行
func (b *Buffer) Append(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.appendLocked(line)
}

func (b *Buffer) appendLocked(line string) {
	c := len(b.lines)
	if b.size < c {
		b.lines[(b.start+b.size)%c] = line
		b.size++
		return
	}
	// 满了：覆盖最旧的一行
	b.lines[b.start] = line
	b.start = (b.start + 1) % c
}

// Clear 清空
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clearLocked()
}

func (b *Buffer) clearLocked() {
	for i := range b.lines {
		b.lines[i] = ""
	}
	b.start = 0
	b.size = 0
}

// Reset 清空后只保留一行标记
func (b *Buffer) Reset(marker string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clearLocked()
	b.appendLocked(marker)
}

// Tail 返回最后 n 行（按时间顺序），n<=0 返回全部
func (b *Buffer) Tail(n int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= 0 || n > b.size {
		n = b.size
	}
	out := make([]string, n)
	c := len(b.lines)
	first := b.size - n
	for i := 0; i < n; i++ {
		out[i] = b.lines[(b.start+first+i)%c]
	}
	return out
}
