package physics

import "math"

// Step 推进一个物理步：state' = Step(state, input, dt)。
// 纯函数：无 I/O、无随机、无时钟读取，相同入参必得到逐位相同的结果。
// 服务器的权威模拟与客户端的预测/对账共用这同一份代码路径。
//
// 子步骤顺序固定，后一步依赖前一步的结果：
// 漂移判定 → 速度积分 → 转向 → 状态效果叠加 → 侧滑 → 位置积分。
func Step(s State, in Input, dt float64) State {
	if dt <= 0 {
		return s
	}
	if dt > MaxStepDT {
		dt = MaxStepDT
	}
	in.Normalize()

	// 旋转失控期间屏蔽玩家的油门与转向
	if s.IsSpinningOut {
		in.Throttle = 0
		in.Steer = 0
		in.Drift = false
	}

	s = stepDrift(s, in, dt)
	s = stepSpeed(s, in, dt)
	s = stepTurning(s, in, dt)
	s = stepStatusEffects(s, dt)
	s = stepSlide(s, dt)
	s = integrate(s, dt)
	return s
}

// stepDrift 漂移的起始/结束判定与加速档结算。
func stepDrift(s State, in Input, dt float64) State {
	// 上一次结算的加速档随时间衰减
	if s.BoostTimeLeft > 0 {
		s.BoostTimeLeft -= dt
		if s.BoostTimeLeft <= 0 {
			s.BoostTimeLeft = 0
			s.BoostStrength = 1.0
		}
	}

	if s.IsDrifting {
		if in.Drift {
			s.DriftTime += dt
			return s
		}
		// 松开漂移键：按持续时间结算加速档（取满足门槛的最高档）
		if tier := driftTierFor(s.DriftTime); tier != nil {
			s.BoostStrength = tier.Boost
			s.BoostTimeLeft = tier.Duration
		}
		s.IsDrifting = false
		s.DriftTime = 0
		// DriftDirection 保留到侧滑角衰减归零，见 stepSlide
		return s
	}

	// 起漂条件：按住漂移键、速度足够、当下有转向输入；失控期间禁止
	if in.Drift && !s.IsSpinningOut && math.Abs(s.Speed) > DriftSpeedThreshold && in.Steer != 0 {
		s.IsDrifting = true
		s.DriftTime = 0
		if in.Steer > 0 {
			s.DriftDirection = 1
		} else {
			s.DriftDirection = -1
		}
	}
	return s
}

// driftTierFor 取 driftTime 满足门槛的最高档；一档都不满足时返回 nil。
func driftTierFor(driftTime float64) *DriftTier {
	var best *DriftTier
	for i := range DriftTiers {
		if driftTime >= DriftTiers[i].Threshold {
			best = &DriftTiers[i]
		}
	}
	return best
}

// stepSpeed 速度积分：加速/刹车/阻力，随后夹紧。
func stepSpeed(s State, in Input, dt float64) State {
	switch {
	case in.Throttle > 0:
		s.Speed += in.Throttle * Acceleration * s.BoostStrength * dt
	case in.Throttle < 0:
		s.Speed += in.Throttle * BrakeDecel * dt
	default:
		// 无油门：阻力使速度向零靠拢，越过零点即精确归零
		if s.Speed > 0 {
			s.Speed -= Drag * dt
			if s.Speed < 0 {
				s.Speed = 0
			}
		} else if s.Speed < 0 {
			s.Speed += Drag * dt
			if s.Speed > 0 {
				s.Speed = 0
			}
		}
	}

	// 不变量：speed ∈ [-MaxSpeed*ReverseRatio, MaxSpeed*BoostStrength]
	if max := MaxSpeed * s.BoostStrength; s.Speed > max {
		s.Speed = max
	}
	if min := -MaxSpeed * ReverseRatio; s.Speed < min {
		s.Speed = min
	}
	return s
}

// stepTurning 转向：速率随速度饱和，漂移中有倍率加成与方向性偏转。
func stepTurning(s State, in Input, dt float64) State {
	factor := math.Abs(s.Speed) / TurnSpeedDivisor
	if factor > 1 {
		factor = 1
	}

	rate := TurnRate * factor
	if s.IsDrifting {
		rate *= DriftTurnMult
		// 即使没有转向输入，漂移也持续向漂移方向偏转
		s.Rotation += float64(s.DriftDirection) * DriftTurnBias * dt
	}
	s.Rotation += in.Steer * rate * dt
	return s
}

// stepStatusEffects 油渍与旋转失控的叠加效果。
func stepStatusEffects(s State, dt float64) State {
	if s.IsOilSlipping {
		s.OilSlipTime += dt
		if s.OilSlipTime >= OilSlipDuration {
			s.IsOilSlipping = false
			s.OilSlipTime = 0
		} else {
			// 随打滑时间的正弦摆动叠加在航向上
			s.Rotation += math.Sin(s.OilSlipTime*OilWobbleFreq) * OilWobbleAmp * dt
		}
	}
	if s.IsSpinningOut {
		s.SpinOutTime += dt
		if s.SpinOutTime >= SpinOutDuration {
			s.IsSpinningOut = false
			s.SpinOutTime = 0
		} else {
			// 固定时长内转满固定圈数
			s.Rotation += spinOutAngularRate * dt
		}
	}
	return s
}

const spinOutAngularRate = SpinOutRevolutions * 2 * math.Pi / SpinOutDuration

// stepSlide 侧滑角：漂移中约 1/3 秒涨满，结束后约 1/8 秒衰减归零。
func stepSlide(s State, dt float64) State {
	if s.IsDrifting {
		s.DriftSlideAngle += SlideRampRate * dt
		if s.DriftSlideAngle > 1 {
			s.DriftSlideAngle = 1
		}
	} else if s.DriftSlideAngle > 0 {
		s.DriftSlideAngle -= SlideDecayRate * dt
		if s.DriftSlideAngle <= 0 {
			s.DriftSlideAngle = 0
			s.DriftDirection = 0
		}
	}
	return s
}

// integrate 位置积分。只在水平面（XZ）移动，
// 竖直方向由外部的碰撞/贴地系统负责。
func integrate(s State, dt float64) State {
	sin, cos := math.Sincos(s.Rotation)
	// 前进方向 (sin r, 0, cos r)，右侧垂线 (cos r, 0, -sin r)
	lateral := s.Speed * s.DriftSlideAngle * SlideLateralFactor * float64(s.DriftDirection)
	s.Velocity = Vec3{
		X: sin*s.Speed - cos*lateral,
		Z: cos*s.Speed + sin*lateral,
	}
	s.Position.X += s.Velocity.X * dt
	s.Position.Z += s.Velocity.Z * dt
	return s
}
