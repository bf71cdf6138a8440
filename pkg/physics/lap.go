package physics

// ApplyLapProgress 把外部轨道系统采样到的原始圈进度写入状态。
//
// 进度是 [0,1) 上的环形量。环形前进量小于 LapWrapWindow 视为正常前进，
// 数值上的回绕（0.98 → 0.02）即过线，圈数加一；幅度不超过
// LapRollbackTolerance 的倒退视为合法倒车（倒车穿越起点线则圈数减一）；
// 其余的倒退是侧向碰撞挤出来的虚假回退，直接丢弃。
func ApplyLapProgress(s State, raw float64) State {
	raw = wrap01(raw)
	old := s.LapProgress

	forward := raw - old
	if forward < 0 {
		forward += 1
	}
	back := old - raw
	if back < 0 {
		back += 1
	}

	switch {
	case forward < LapWrapWindow:
		if raw < old {
			s.Lap++
		}
		s.LapProgress = raw
	case back <= LapRollbackTolerance:
		if raw > old {
			s.Lap--
		}
		s.LapProgress = raw
	}
	return s
}

func wrap01(v float64) float64 {
	if v >= 0 && v < 1 {
		return v
	}
	v -= float64(int64(v))
	if v < 0 {
		v += 1
	}
	return v
}
