package shutdown

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// Handler 关闭处理函数
type Handler func(ctx context.Context) error

type namedHandler struct {
	name string
	fn   Handler
}

// Manager 优雅关闭管理器
// 同一阶段（stage）内的回调并发执行，阶段之间按注册顺序串行
type Manager struct {
	mu     sync.Mutex
	stages [][]namedHandler
	log    *logrus.Entry
	done   bool
}

// NewManager 创建新的关闭管理器
func NewManager(log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{log: log.WithField("component", "shutdown")}
}

// OnShutdown 注册到新的一个阶段
func (m *Manager) OnShutdown(name string, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stages = append(m.stages, []namedHandler{{name: name, fn: handler}})
}

// Alongside 注册到最后一个阶段，与其并发执行
func (m *Manager) Alongside(name string, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.stages) == 0 {
		m.stages = append(m.stages, nil)
	}
	last := len(m.stages) - 1
	m.stages[last] = append(m.stages[last], namedHandler{name: name, fn: handler})
}

// Shutdown 执行所有关闭回调（阻塞调用，只执行一次）
// ctx 应该带超时，超时后剩余阶段不再执行；返回失败的回调数量
func (m *Manager) Shutdown(ctx context.Context) int {
	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		return 0
	}
	m.done = true
	stages := m.stages
	m.mu.Unlock()

	if len(stages) == 0 {
		m.log.Info("没有注册的关闭回调")
		return 0
	}
	m.log.Infof("开始优雅关闭，共 %d 个阶段", len(stages))

	var (
		failedMu sync.Mutex
		failed   int
	)
	for i, stage := range stages {
		var wg sync.WaitGroup
		for _, h := range stage {
			wg.Add(1)
			go func(h namedHandler) {
				defer wg.Done()
				if err := h.fn(ctx); err != nil {
					m.log.WithError(err).WithField("handler", h.name).Warn("关闭回调失败")
					failedMu.Lock()
					failed++
					failedMu.Unlock()
					return
				}
				m.log.WithField("handler", h.name).Debug("关闭回调完成")
			}(h)
		}

		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			m.log.Warnf("关闭超时（阶段 %d/%d）: %v", i+1, len(stages), ctx.Err())
			failedMu.Lock()
			defer failedMu.Unlock()
			return failed + 1
		}
	}

	m.log.Info("所有关闭回调已完成")
	failedMu.Lock()
	defer failedMu.Unlock()
	return failed
}
