package sigchan

// Chan 是一个合并式的通知 channel：多次 Emit 在消费前只保留一次
// 用于“有事要做，尽快处理”这类唤醒，不传递数据
type Chan struct {
	c chan struct{}
}

// New 创建通知 channel；pending 为可合并保留的最大通知数，最小为 1
func New(pending int) *Chan {
	if pending < 1 {
		pending = 1
	}
	return &Chan{c: make(chan struct{}, pending)}
}

// Emit 发送通知（非阻塞），返回 false 表示已有未消费的通知
func (c *Chan) Emit() bool {
	select {
	case c.c <- struct{}{}:
		return true
	default:
		return false
	}
}

// Drain 丢弃所有未消费的通知，返回丢弃数量
func (c *Chan) Drain() int {
	n := 0
	for {
		select {
		case <-c.c:
			n++
		default:
			return n
		}
	}
}

// C 返回内部的 channel（用于 select）
func (c *Chan) C() <-chan struct{} {
	return c.c
}
