package syncgroup

import (
	"context"
	"sync"
)

// Loop 是一个后台循环，ctx 取消后应尽快返回
type Loop func(ctx context.Context)

// SyncGroup 是 sync.WaitGroup 的包装器，用于管理后台循环的生命周期
// 自动管理 Add() 和 Done()；某个循环返回不会影响其它循环
type SyncGroup struct {
	wg sync.WaitGroup

	mu      sync.Mutex
	pending []Loop
	running int
}

// NewSyncGroup 创建新的 SyncGroup
func NewSyncGroup() *SyncGroup {
	return &SyncGroup{}
}

// Add 登记一个循环，Run 时启动
func (g *SyncGroup) Add(fn Loop) {
	if fn == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending = append(g.pending, fn)
}

// Run 启动所有已登记的循环并清空登记列表，可多次调用
func (g *SyncGroup) Run(ctx context.Context) {
	g.mu.Lock()
	fns := g.pending
	g.pending = nil
	g.running += len(fns)
	g.mu.Unlock()

	for _, fn := range fns {
		g.wg.Add(1)
		go func(loop Loop) {
			defer func() {
				g.mu.Lock()
				g.running--
				g.mu.Unlock()
				g.wg.Done()
			}()
			loop(ctx)
		}(fn)
	}
}

// Go 登记并立即启动
func (g *SyncGroup) Go(ctx context.Context, fn Loop) {
	g.Add(fn)
	g.Run(ctx)
}

// Running 当前仍在运行的循环数量
func (g *SyncGroup) Running() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

// Wait 等待所有循环返回
func (g *SyncGroup) Wait() {
	g.wg.Wait()
}

// WaitContext 等待所有循环返回或 ctx 结束；返回 false 表示超时
func (g *SyncGroup) WaitContext(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
