package client

import (
	"math"
	"testing"

	"driftkart/pkg/physics"
	"driftkart/pkg/protocol"
)

func entryAt(timeMs int64, x float64) *protocol.SnapshotPlayer {
	return &protocol.SnapshotPlayer{
		Pose: protocol.Pose{
			PlayerID:  "k2",
			Position:  physics.Vec3{X: x},
			Timestamp: timeMs,
		},
	}
}

func TestSampleEmptyBuffer(t *testing.T) {
	var b SnapshotBuffer
	if _, mode := b.Sample(1000); mode != SampleNone {
		t.Errorf("空缓冲应返回 SampleNone, got %v", mode)
	}
}

func TestSampleInterpolatesBetweenSnapshots(t *testing.T) {
	var b SnapshotBuffer
	b.Push(entryAt(1000, 0))
	b.Push(entryAt(1100, 10))

	pose, mode := b.Sample(1050)
	if mode != SampleInterpolated {
		t.Fatalf("两份快照之间应插值, got %v", mode)
	}
	if math.Abs(pose.Position.X-5) > 1e-9 {
		t.Errorf("中点应为均值 5, got %.3f", pose.Position.X)
	}

	// 恰好落在快照时刻：取该快照的精确值
	if pose, _ := b.Sample(1000); pose.Position.X != 0 {
		t.Errorf("t=较旧快照应取精确值, got %.3f", pose.Position.X)
	}
	if pose, _ := b.Sample(1100); pose.Position.X != 10 {
		t.Errorf("t=较新快照应取精确值, got %.3f", pose.Position.X)
	}
}

func TestSampleClampsBeforeOldest(t *testing.T) {
	var b SnapshotBuffer
	b.Push(entryAt(1000, 3))
	b.Push(entryAt(1100, 10))

	pose, mode := b.Sample(500)
	if mode != SampleInterpolated || pose.Position.X != 3 {
		t.Errorf("早于最老快照应钳制: x=%.3f mode=%v", pose.Position.X, mode)
	}
}

func TestSampleExtrapolatesWithLastVelocity(t *testing.T) {
	var b SnapshotBuffer
	b.Push(entryAt(1000, 0))
	b.Push(entryAt(1100, 10)) // 速度 100 单位/秒

	pose, mode := b.Sample(1200)
	if mode != SampleExtrapolated {
		t.Fatalf("超出最新快照应外推, got %v", mode)
	}
	if math.Abs(pose.Position.X-20) > 1e-9 {
		t.Errorf("外推 100ms 应到 x=20, got %.3f", pose.Position.X)
	}
}

func TestSampleExtrapolationCapped(t *testing.T) {
	var b SnapshotBuffer
	b.Push(entryAt(1000, 0))
	b.Push(entryAt(1100, 10))

	capped, _ := b.Sample(1100 + ExtrapolationMaxMs)
	frozen, mode := b.Sample(1100 + ExtrapolationMaxMs + 5000)
	if mode != SampleExtrapolated {
		t.Fatalf("外推封顶后模式不变, got %v", mode)
	}
	if frozen.Position.X != capped.Position.X {
		t.Errorf("超过外推上限应冻结: %.3f vs %.3f", frozen.Position.X, capped.Position.X)
	}
}

func TestPushDropsStaleSnapshots(t *testing.T) {
	var b SnapshotBuffer
	b.Push(entryAt(1100, 10))
	// 乱序到达的旧快照与重复时间戳都应被丢弃
	b.Push(entryAt(1000, 0))
	b.Push(entryAt(1100, 99))

	if b.Len() != 1 {
		t.Errorf("过期/重复快照应被丢弃, len=%d", b.Len())
	}
	if pose, _ := b.Sample(1100); pose.Position.X != 10 {
		t.Errorf("保留的应是首先到达的一份, got %.3f", pose.Position.X)
	}
}

func TestBufferBounded(t *testing.T) {
	var b SnapshotBuffer
	for i := 0; i < SnapshotBufferCap*2; i++ {
		b.Push(entryAt(int64(1000+i*50), float64(i)))
	}
	if b.Len() != SnapshotBufferCap {
		t.Errorf("缓冲应有上限, len=%d", b.Len())
	}
}

func TestResetClearsBuffer(t *testing.T) {
	var b SnapshotBuffer
	b.Push(entryAt(1000, 0))
	b.Push(entryAt(1100, 10))
	b.Reset()

	if b.Len() != 0 {
		t.Error("Reset 应清空缓冲")
	}
	if _, mode := b.Sample(1050); mode != SampleNone {
		t.Error("Reset 后采样应返回 SampleNone")
	}

	// Reset 也应清掉速度估计，避免新一轮外推用旧速度
	b.Push(entryAt(2000, 0))
	pose, _ := b.Sample(2100)
	if pose.Position.X != 0 {
		t.Errorf("单份快照无速度可外推, got %.3f", pose.Position.X)
	}
}

func TestLerpAngleShortestArc(t *testing.T) {
	got := lerpAngle(0.1, 2*math.Pi-0.1, 0.5)
	if math.Abs(got) > 1e-9 {
		t.Errorf("应沿最短弧经过 0, got %.4f", got)
	}
}
