// Package netclock 估算本地时钟与服务器权威时钟之间的偏移。
//
// 客户端反复发送往返探测，服务器回显自己的权威时间戳；
// 假设上下行延迟对称，offset = serverTime - (sendTime + RTT/2)。
// 取滑动窗口的中位数作为参考值以剔除单次延迟尖峰，小偏差渐进跟随，
// 大偏差（真实的时钟变化）立即对齐。
package netclock

import (
	"math"
	"sort"
	"sync"
	"time"
)

const (
	// SampleWindow 偏移采样滑动窗口大小
	SampleWindow = 20

	// DriftFactor 小偏差时每次采样向参考值靠拢的比例。
	// 渐进跟随避免依赖方看到可见的时间跳变。
	DriftFactor = 0.05

	// SnapThresholdMs 超过该阈值的偏差视为真实的时钟变化而非抖动，
	// 立即对齐；对大误差做渐进纠正反而会造成长时间的可见不一致。
	SnapThresholdMs = 500.0
)

// Clock 网络时钟。由同步协议写入，被所有需要给外发消息打时间戳
// 或对收到的时间戳做插值的组件读取。
type Clock struct {
	mu        sync.Mutex
	offsetMs  float64   // 估算的 serverTime - localTime（毫秒）
	samples   []float64 // 最近的偏移采样
	synced    bool
	lastNowMs int64

	now func() time.Time // 测试注入
}

// New 创建未同步的网络时钟。
func New() *Clock {
	return &Clock{now: time.Now}
}

// NewWithNow 创建使用指定时钟源的网络时钟（测试用）。
func NewWithNow(now func() time.Time) *Clock {
	return &Clock{now: now}
}

// AddSample 录入一次往返探测。
// serverTimeMs 为服务器回显的权威毫秒时间，sendLocal/recvLocal
// 为探测在本地的发出与收到时刻。
func (c *Clock) AddSample(serverTimeMs int64, sendLocal, recvLocal time.Time) {
	rtt := recvLocal.Sub(sendLocal)
	if rtt < 0 {
		return
	}
	mid := sendLocal.Add(rtt / 2)
	sample := float64(serverTimeMs) - float64(mid.UnixNano())/1e6

	c.mu.Lock()
	defer c.mu.Unlock()

	// 首个采样直接设定偏移
	if !c.synced {
		c.offsetMs = sample
		c.synced = true
	}

	c.samples = append(c.samples, sample)
	if len(c.samples) > SampleWindow {
		c.samples = c.samples[1:]
	}

	ref := median(c.samples)
	diff := ref - c.offsetMs
	if math.Abs(diff) > SnapThresholdMs {
		c.offsetMs = ref
	} else {
		c.offsetMs += diff * DriftFactor
	}
}

// NowMs 返回权威时间（毫秒）。单调不减：即使偏移估计回退，
// 返回值也不会小于之前返回过的值。
func (c *Clock) NowMs() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := int64(float64(c.now().UnixNano())/1e6 + c.offsetMs)
	if t < c.lastNowMs {
		t = c.lastNowMs
	}
	c.lastNowMs = t
	return t
}

// Synced 是否已有至少一次有效采样。
func (c *Clock) Synced() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.synced
}

// OffsetMs 当前偏移估计（毫秒）。
func (c *Clock) OffsetMs() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offsetMs
}

func median(samples []float64) float64 {
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)

	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
