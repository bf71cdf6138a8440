package physics

// 行驶参数（世界单位/秒）
const (
	MaxSpeed     = 42.0 // 最高前进速度
	Acceleration = 28.0 // 油门加速度
	BrakeDecel   = 52.0 // 刹车/倒车减速度
	Drag         = 14.0 // 松开油门后的自然减速度
	ReverseRatio = 0.4  // 倒车速度上限相对 MaxSpeed 的比例
)

// 转向参数
const (
	TurnRate         = 2.4  // 基础转向速率（弧度/秒）
	TurnSpeedDivisor = 18.0 // 转向随速度的饱和除数
	DriftTurnMult    = 1.6  // 漂移中的转向倍率
	DriftTurnBias    = 0.9  // 漂移方向性偏转（弧度/秒，无转向输入也生效）
)

// 漂移与侧滑参数
const (
	DriftSpeedThreshold = 12.0 // 低于此速度无法起漂
	SlideRampRate       = 3.0  // 侧滑角增长速率（约 1/3 秒到满）
	SlideDecayRate      = 8.0  // 漂移结束后侧滑角衰减速率（约 1/8 秒归零）
	SlideLateralFactor  = 0.55 // 侧滑横向速度系数
)

// 状态效果参数
const (
	OilSlipDuration    = 1.6  // 油渍打滑持续时间（秒）
	OilWobbleAmp       = 2.2  // 油渍摆动幅度（弧度/秒）
	OilWobbleFreq      = 9.0  // 油渍摆动频率（弧度/秒）
	SpinOutDuration    = 1.1  // 旋转失控持续时间（秒）
	SpinOutRevolutions = 2.0  // 旋转失控的旋转圈数
	SpinOutSpeedFactor = 0.25 // 旋转失控触发时保留的速度比例
)

// MaxStepDT 单步时间上限：进程卡顿时限制单步 dt 的影响范围
const MaxStepDT = 0.1

// 圈进度过滤阈值。可调的策略值，不是协议的一部分。
const (
	LapWrapWindow        = 0.3  // 环形前进窗口：小于该值的环形增量视为正常前进
	LapRollbackTolerance = 0.05 // 允许的轻微倒退（倒车），超过视为碰撞造成的虚假回退
)

// DriftTier 漂移加速档位
type DriftTier struct {
	Threshold float64 // 漂移持续时间门槛（秒）
	Boost     float64 // 结算后的 BoostStrength
	Duration  float64 // 加速持续时间（秒）
}

// DriftTiers 按门槛升序排列。结算时取满足门槛的最高档，
// 因此更长的漂移时间总是得到不低于短漂移的档位。
var DriftTiers = []DriftTier{
	{Threshold: 0.9, Boost: 1.12, Duration: 1.2},
	{Threshold: 1.8, Boost: 1.22, Duration: 1.9},
	{Threshold: 3.0, Boost: 1.35, Duration: 2.6},
}
