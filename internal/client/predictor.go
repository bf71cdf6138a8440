package client

import (
	"math"

	"driftkart/pkg/physics"
)

// Predictor 本端代理的预测与对账。
//
// 本地以固定步长即时推进物理（零输入延迟），每条已应用的输入
// 进入未确认缓冲；收到权威快照后，裁掉已确认的输入，在权威
// 状态上重放剩余尾巴——预测与服务器用同一个纯函数推进，
// 无丢包时重放结果与本地预测逐位一致。
type Predictor struct {
	state physics.State

	pending   []physics.Input // 未确认输入，按帧号升序
	nextFrame uint32          // 下一条输入的帧号，跨场次连续递增
	accum     float64         // 固定步长累加器

	// 对账残差：权威修正与旧预测的差，叠加在渲染位姿上
	// 逐步衰减，模拟状态本身始终取修正后的值。
	smoothOffset physics.Vec3
}

// NewPredictor 以初始权威状态创建预测器。
func NewPredictor(initial physics.State) *Predictor {
	return &Predictor{state: initial, nextFrame: 1}
}

// ResetState 比赛重开：物理状态归位、未确认输入清空，
// 帧号计数保持连续（服务器的水位线跨场次不回退）。
func (p *Predictor) ResetState(s physics.State) {
	p.state = s
	p.pending = p.pending[:0]
	p.accum = 0
	p.smoothOffset = physics.Vec3{}
}

// Advance 推进本地预测。elapsed 为自上次调用经过的秒数，
// sample 在每个固定步上采样当前操作输入。返回本次新生成的输入。
func (p *Predictor) Advance(elapsed float64, sample func() physics.Input) []physics.Input {
	var produced []physics.Input

	p.accum += elapsed
	for p.accum >= FixedDT {
		p.accum -= FixedDT

		in := sample()
		in.Normalize()
		in.Frame = p.nextFrame
		p.nextFrame++

		p.state = physics.Step(p.state, in, FixedDT)

		p.pending = append(p.pending, in)
		if len(p.pending) > InputBufferSize {
			// 服务器长时间未确认，丢最旧的；彻底失联由重连兜底
			p.pending = p.pending[len(p.pending)-InputBufferSize:]
		}
		produced = append(produced, in)

		// 对账残差逐步衰减
		p.smoothOffset.X *= 1 - ReconcileSmoothFactor
		p.smoothOffset.Y *= 1 - ReconcileSmoothFactor
		p.smoothOffset.Z *= 1 - ReconcileSmoothFactor
	}

	return produced
}

// SendWindow 当前应发送的输入窗口：最近 InputSendWindow 条未确认
// 输入。冗余发送对抗丢包，服务器按水位线去重。
func (p *Predictor) SendWindow() []physics.Input {
	if len(p.pending) <= InputSendWindow {
		return p.pending
	}
	return p.pending[len(p.pending)-InputSendWindow:]
}

// Reconcile 对账：裁掉帧号不超过 ackedFrame 的输入，
// 在权威状态上重放剩余尾巴。
func (p *Predictor) Reconcile(authoritative physics.State, ackedFrame uint32) {
	// 裁剪已确认前缀
	cut := 0
	for cut < len(p.pending) && p.pending[cut].Frame <= ackedFrame {
		cut++
	}
	p.pending = p.pending[cut:]

	// 权威基线上重放未确认尾巴
	replayed := authoritative
	for _, in := range p.pending {
		replayed = physics.Step(replayed, in, FixedDT)
	}

	old := p.state
	p.state = replayed

	dx := old.Position.X - replayed.Position.X
	dy := old.Position.Y - replayed.Position.Y
	dz := old.Position.Z - replayed.Position.Z
	dist := math.Sqrt(dx*dx + dy*dy + dz*dz)

	if dist > ReconcileSnapThreshold {
		// 偏差太大直接瞬移，不做平滑
		p.smoothOffset = physics.Vec3{}
	} else {
		// 把旧预测与修正的差叠加为渲染残差，逐帧衰减
		p.smoothOffset = physics.Vec3{X: dx, Y: dy, Z: dz}
	}
}

// State 当前模拟状态（对账修正后的真值）。
func (p *Predictor) State() physics.State {
	return p.state
}

// RenderState 渲染用状态：在模拟状态上叠加平滑残差。
func (p *Predictor) RenderState() physics.State {
	s := p.state
	s.Position.X += p.smoothOffset.X
	s.Position.Y += p.smoothOffset.Y
	s.Position.Z += p.smoothOffset.Z
	return s
}

// PendingCount 未确认输入条数。
func (p *Predictor) PendingCount() int {
	return len(p.pending)
}

// NextFrame 下一条输入将使用的帧号。
func (p *Predictor) NextFrame() uint32 {
	return p.nextFrame
}
