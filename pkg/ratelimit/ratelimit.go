package ratelimit

import (
	"sync"
	"time"
)

// SlidingWindow 滑动窗口速率限制器（非并发安全，由 Keyed 加锁）
type SlidingWindow struct {
	limit      int
	windowSize time.Duration
	requests   []time.Time
}

// NewSlidingWindow 创建新的滑动窗口速率限制器
func NewSlidingWindow(limit int, windowSize time.Duration) *SlidingWindow {
	return &SlidingWindow{limit: limit, windowSize: windowSize}
}

func (sw *SlidingWindow) prune(now time.Time) {
	cutoff := now.Add(-sw.windowSize)
	i := 0
	for i < len(sw.requests) && !sw.requests[i].After(cutoff) {
		i++
	}
	sw.requests = sw.requests[i:]
}

// allow 允许时记录本次请求；拒绝时返回需要等待的时间
func (sw *SlidingWindow) allow(now time.Time) (bool, time.Duration) {
	sw.prune(now)
	if len(sw.requests) >= sw.limit {
		return false, sw.requests[0].Add(sw.windowSize).Sub(now)
	}
	sw.requests = append(sw.requests, now)
	return true, 0
}

// Keyed 按 key（如 用户+操作）分别限流
type Keyed struct {
	limit      int
	windowSize time.Duration
	now        func() time.Time

	mu      sync.Mutex
	windows map[string]*SlidingWindow
}

// NewKeyed 每个 key 在 windowSize 内最多 limit 次；limit <= 0 表示不限流
func NewKeyed(limit int, windowSize time.Duration) *Keyed {
	return &Keyed{
		limit:      limit,
		windowSize: windowSize,
		now:        time.Now,
		windows:    make(map[string]*SlidingWindow),
	}
}

// WithClock 替换时钟（测试用）
func (k *Keyed) WithClock(now func() time.Time) *Keyed {
	k.now = now
	return k
}

// Allow 检查是否允许请求；拒绝时返回建议的重试等待时间
func (k *Keyed) Allow(key string) (bool, time.Duration) {
	if k == nil || k.limit <= 0 {
		return true, 0
	}
	k.mu.Lock()
	defer k.mu.Unlock()

	now := k.now()
	w, ok := k.windows[key]
	if !ok {
		w = NewSlidingWindow(k.limit, k.windowSize)
		k.windows[key] = w
	}
	allowed, wait := w.allow(now)

	// 顺带清理空闲的 key，避免 map 无限增长
	if len(k.windows) > 1024 {
		for key, w := range k.windows {
			if w.prune(now); len(w.requests) == 0 {
				delete(k.windows, key)
			}
		}
	}
	return allowed, wait
}

// Remaining 返回 key 在当前窗口内剩余的次数
func (k *Keyed) Remaining(key string) int {
	if k == nil || k.limit <= 0 {
		return -1
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	w, ok := k.windows[key]
	if !ok {
		return k.limit
	}
	w.prune(k.now())
	return max(0, k.limit-len(w.requests))
}
