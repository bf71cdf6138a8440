package client

import "time"

// 客户端侧的预测、对账与插值参数。
const (
	// ClientTPS 本地预测步频，与服务器 tick 一致
	ClientTPS = 60
	// FixedDT 固定物理步长
	FixedDT = 1.0 / ClientTPS

	// InputBufferSize 未确认输入的本地缓冲上限。
	// 超出时丢弃最旧的（说明服务器长时间没有确认，重连兜底）。
	InputBufferSize = 128

	// InputSendWindow 每次输入批携带的未确认输入条数上限。
	// 冗余发送对抗丢包，服务器按水位线去重。
	InputSendWindow = 8

	// InterpolationDelayMs 远端代理的插值延迟：渲染时间落后
	// 权威时间这么多毫秒，保证手头总有两份快照可插。
	InterpolationDelayMs = 100

	// ExtrapolationMaxMs 最新快照之后允许外推的最大时长，
	// 超出则冻结在最后已知位姿。
	ExtrapolationMaxMs = 250

	// SnapshotBufferCap 每个远端代理保留的快照条数。
	SnapshotBufferCap = 32

	// ReconcileSnapThreshold 对账重放后与本地预测的位置偏差
	// 超过该值直接瞬移，否则按比例平滑收敛。
	ReconcileSnapThreshold = 8.0
	ReconcileSmoothFactor  = 0.2

	dialTimeout  = 5 * time.Second
	replyTimeout = 5 * time.Second
	writeTimeout = 1 * time.Second
)
