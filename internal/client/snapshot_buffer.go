package client

import (
	"math"

	"driftkart/pkg/physics"
	"driftkart/pkg/protocol"
)

// SampleMode 采样结果的来源。
type SampleMode int

const (
	SampleNone         SampleMode = iota // 缓冲为空
	SampleInterpolated                   // 两份快照之间插值（或钳制在最老一份）
	SampleExtrapolated                   // 超出最新快照，按最近速度外推
)

// RemotePose 远端代理在某一渲染时刻的位姿。
type RemotePose struct {
	Position physics.Vec3
	Rotation float64
	Speed    float64
	Flags    uint8
}

type bufferEntry struct {
	timeMs int64 // 快照的服务器时间
	pose   RemotePose
}

// SnapshotBuffer 单个远端代理的快照环形缓冲。
// 渲染时刻取权威时间减去插值延迟，在相邻两份快照间插值；
// 快照断供时按最近速度外推，最多 ExtrapolationMaxMs。
type SnapshotBuffer struct {
	entries  []bufferEntry // 按时间升序
	velocity physics.Vec3  // 最近两份快照推得的速度（单位/秒）
}

// Push 追加一份快照条目。时间戳不晚于已有最新条目的视为过期，丢弃。
func (b *SnapshotBuffer) Push(sp *protocol.SnapshotPlayer) {
	t := sp.Pose.Timestamp
	if n := len(b.entries); n > 0 && t <= b.entries[n-1].timeMs {
		return
	}

	entry := bufferEntry{
		timeMs: t,
		pose: RemotePose{
			Position: sp.Pose.Position,
			Rotation: sp.Pose.Rotation,
			Speed:    sp.Pose.Speed,
			Flags:    sp.Flags,
		},
	}

	if n := len(b.entries); n > 0 {
		prev := b.entries[n-1]
		dt := float64(t-prev.timeMs) / 1000.0
		if dt > 0 {
			b.velocity = physics.Vec3{
				X: (entry.pose.Position.X - prev.pose.Position.X) / dt,
				Y: (entry.pose.Position.Y - prev.pose.Position.Y) / dt,
				Z: (entry.pose.Position.Z - prev.pose.Position.Z) / dt,
			}
		}
	}

	b.entries = append(b.entries, entry)
	if len(b.entries) > SnapshotBufferCap {
		b.entries = b.entries[len(b.entries)-SnapshotBufferCap:]
	}
}

// Sample 在渲染时刻 renderTimeMs（权威时基）采样位姿。
func (b *SnapshotBuffer) Sample(renderTimeMs int64) (RemotePose, SampleMode) {
	n := len(b.entries)
	if n == 0 {
		return RemotePose{}, SampleNone
	}

	// 比最老的快照还早：钳制在最老一份
	if renderTimeMs <= b.entries[0].timeMs {
		return b.entries[0].pose, SampleInterpolated
	}

	// 夹在两份快照之间：线性插值
	for i := 0; i < n-1; i++ {
		lo, hi := b.entries[i], b.entries[i+1]
		if renderTimeMs <= hi.timeMs {
			span := float64(hi.timeMs - lo.timeMs)
			if span <= 0 {
				return hi.pose, SampleInterpolated
			}
			t := float64(renderTimeMs-lo.timeMs) / span
			return lerpPose(lo.pose, hi.pose, t), SampleInterpolated
		}
	}

	// 超出最新快照：外推，超过上限后冻结
	last := b.entries[n-1]
	dtMs := renderTimeMs - last.timeMs
	if dtMs > ExtrapolationMaxMs {
		dtMs = ExtrapolationMaxMs
	}
	dt := float64(dtMs) / 1000.0
	pose := last.pose
	pose.Position.X += b.velocity.X * dt
	pose.Position.Y += b.velocity.Y * dt
	pose.Position.Z += b.velocity.Z * dt
	return pose, SampleExtrapolated
}

// Reset 清空缓冲（远端代理重生或比赛重开时）。
func (b *SnapshotBuffer) Reset() {
	b.entries = b.entries[:0]
	b.velocity = physics.Vec3{}
}

// Len 当前缓冲的快照条数。
func (b *SnapshotBuffer) Len() int {
	return len(b.entries)
}

func lerpPose(a, b RemotePose, t float64) RemotePose {
	return RemotePose{
		Position: physics.Vec3{
			X: a.Position.X + (b.Position.X-a.Position.X)*t,
			Y: a.Position.Y + (b.Position.Y-a.Position.Y)*t,
			Z: a.Position.Z + (b.Position.Z-a.Position.Z)*t,
		},
		Rotation: lerpAngle(a.Rotation, b.Rotation, t),
		Speed:    a.Speed + (b.Speed-a.Speed)*t,
		Flags:    b.Flags, // 状态标志取较新的一份，不插值
	}
}

// lerpAngle 沿最短弧插值角度。
func lerpAngle(a, b, t float64) float64 {
	delta := math.Mod(b-a, 2*math.Pi)
	if delta > math.Pi {
		delta -= 2 * math.Pi
	} else if delta < -math.Pi {
		delta += 2 * math.Pi
	}
	return a + delta*t
}
