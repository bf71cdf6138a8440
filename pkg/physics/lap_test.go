package physics

import (
	"math"
	"testing"
)

func TestLapProgressForward(t *testing.T) {
	s := State{LapProgress: 0.40}
	s = ApplyLapProgress(s, 0.45)
	if s.LapProgress != 0.45 || s.Lap != 0 {
		t.Errorf("正常前进应被接受: %+v", s)
	}
}

func TestLapProgressWrapIncrementsLap(t *testing.T) {
	s := State{LapProgress: 0.98, Lap: 2}
	s = ApplyLapProgress(s, 0.02)
	if s.Lap != 3 {
		t.Errorf("回绕过线应加圈, got lap=%d", s.Lap)
	}
	if s.LapProgress != 0.02 {
		t.Errorf("进度应更新为 0.02, got %v", s.LapProgress)
	}
}

func TestLapProgressSmallRollbackAccepted(t *testing.T) {
	s := State{LapProgress: 0.10}
	s = ApplyLapProgress(s, 0.07)
	if s.LapProgress != 0.07 || s.Lap != 0 {
		t.Errorf("轻微倒车应被接受且不减圈: %+v", s)
	}
}

func TestLapProgressReverseAcrossLineDecrementsLap(t *testing.T) {
	s := State{LapProgress: 0.02, Lap: 1}
	s = ApplyLapProgress(s, 0.99)
	if s.Lap != 0 {
		t.Errorf("倒车穿越起点线应减圈, got lap=%d", s.Lap)
	}
	if s.LapProgress != 0.99 {
		t.Errorf("进度应更新为 0.99, got %v", s.LapProgress)
	}
}

func TestLapProgressFakeRollbackRejected(t *testing.T) {
	// 碰撞把车挤回一大段：既不是前进也不是合法倒车，丢弃
	s := State{LapProgress: 0.50, Lap: 1}
	s = ApplyLapProgress(s, 0.30)
	if s.LapProgress != 0.50 || s.Lap != 1 {
		t.Errorf("虚假回退应被拒绝: %+v", s)
	}
}

func TestLapProgressBigJumpRejected(t *testing.T) {
	// 瞬间前跳超过环形窗口（传送/作弊迹象）同样丢弃
	s := State{LapProgress: 0.10}
	s = ApplyLapProgress(s, 0.60)
	if s.LapProgress != 0.10 {
		t.Errorf("超窗口的前跳应被拒绝: %+v", s)
	}
}

func TestLapProgressWrapsRawInput(t *testing.T) {
	// 归一化经过浮点减法，按容差比较
	s := State{LapProgress: 0.40}
	s = ApplyLapProgress(s, 1.45) // 归一化到 0.45
	if math.Abs(s.LapProgress-0.45) > 1e-9 {
		t.Errorf("原始输入应先归一化到 [0,1): got %v", s.LapProgress)
	}

	s = State{LapProgress: 0.40}
	s = ApplyLapProgress(s, -0.55) // 归一化到 0.45
	if math.Abs(s.LapProgress-0.45) > 1e-9 {
		t.Errorf("负数输入应归一化: got %v", s.LapProgress)
	}
}
