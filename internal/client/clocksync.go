package client

import (
	"context"
	"time"

	"driftkart/pkg/netclock"
)

const (
	// 启动时的快速探测：先密集打 5 发把偏移量拉到位
	initialProbes        = 5
	initialProbeInterval = 100 * time.Millisecond

	// 稳态探测周期（也兼作连接保活）
	steadyProbeInterval = time.Second
)

// ClockSync 驱动时钟同步：周期性发送探测，把应答喂给 netclock。
type ClockSync struct {
	client *Client
	clock  *netclock.Clock

	// 按探测发出时的毫秒时间配对应答，取回精确的本地发送时刻
	pending map[int64]time.Time
}

// NewClockSync 创建时钟同步驱动。
func NewClockSync(client *Client, clock *netclock.Clock) *ClockSync {
	return &ClockSync{
		client:  client,
		clock:   clock,
		pending: make(map[int64]time.Time),
	}
}

// Run 同步循环：先快速打满初始窗口，再按稳态周期探测。
// 单 goroutine 运行，探测与应答都在这里处理。
func (cs *ClockSync) Run(ctx context.Context) {
	for i := 0; i < initialProbes; i++ {
		cs.probe()
		if !cs.waitAndConsume(ctx, initialProbeInterval) {
			return
		}
	}

	ticker := time.NewTicker(steadyProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-cs.client.closeCh:
			return
		case pong := <-cs.client.ClockPongCh:
			cs.consume(pong.ClientTime, pong.ServerTime)
		case <-ticker.C:
			cs.probe()
		}
	}
}

func (cs *ClockSync) probe() {
	now := time.Now()
	cs.pending[now.UnixMilli()] = now
	_ = cs.client.SendClockPing(now.UnixMilli())

	// 丢失的应答不会被配对，防止悬挂条目积累
	if len(cs.pending) > 2*netclock.SampleWindow {
		cutoff := now.Add(-10 * time.Second)
		for key, sent := range cs.pending {
			if sent.Before(cutoff) {
				delete(cs.pending, key)
			}
		}
	}
}

func (cs *ClockSync) waitAndConsume(ctx context.Context, d time.Duration) bool {
	deadline := time.After(d)
	for {
		select {
		case <-ctx.Done():
			return false
		case <-cs.client.closeCh:
			return false
		case pong := <-cs.client.ClockPongCh:
			cs.consume(pong.ClientTime, pong.ServerTime)
		case <-deadline:
			return true
		}
	}
}

func (cs *ClockSync) consume(clientTimeMs, serverTimeMs int64) {
	sendLocal, ok := cs.pending[clientTimeMs]
	if !ok {
		return
	}
	delete(cs.pending, clientTimeMs)
	cs.clock.AddSample(serverTimeMs, sendLocal, time.Now())
}
