package physics

// Vec3 三维向量（世界单位）。Y 为竖直方向，本包只在水平面积分。
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// State 单个赛车的物理状态（纯数据，值语义）。
// 服务器持有权威副本，客户端为本地受控赛车持有预测副本，
// 两者之间只通过消息同步，绝不共享引用。
type State struct {
	Position Vec3    `json:"position"`
	Rotation float64 `json:"rotation"` // 航向角（弧度，绕竖直轴）
	Speed    float64 `json:"speed"`    // 有符号标量速度，负值为倒车
	Velocity Vec3    `json:"velocity"` // 派生速度向量，仅供读取，不独立积分

	LapProgress float64 `json:"lapProgress"` // 本圈进度 [0,1)
	Lap         int32   `json:"lap"`         // 已完成圈数

	IsDrifting      bool    `json:"isDrifting"`
	DriftTime       float64 `json:"driftTime"`       // 当前漂移已持续秒数
	DriftDirection  int8    `json:"driftDirection"`  // -1/0/+1
	DriftSlideAngle float64 `json:"driftSlideAngle"` // 累积侧滑系数 [0,1]

	BoostStrength float64 `json:"boostStrength"` // 极速/加速度倍率，1 为中性
	BoostTimeLeft float64 `json:"boostTimeLeft"` // 加速剩余秒数

	IsInvincible bool `json:"isInvincible"` // 无敌期间不接受负面状态

	IsOilSlipping bool    `json:"isOilSlipping"`
	OilSlipTime   float64 `json:"oilSlipTime"`

	IsSpinningOut bool    `json:"isSpinningOut"`
	SpinOutTime   float64 `json:"spinOutTime"`
}

// NewState 在给定出生位姿创建中性状态。
func NewState(pos Vec3, rotation float64) State {
	return State{
		Position:      pos,
		Rotation:      rotation,
		BoostStrength: 1.0,
	}
}

// TriggerOilSlip 踩到油渍。无敌或已在打滑中时不生效：
// 效果不叠加，也不重置已有效果的计时。
func TriggerOilSlip(s State) State {
	if s.IsInvincible || s.IsOilSlipping {
		return s
	}
	s.IsOilSlipping = true
	s.OilSlipTime = 0
	return s
}

// TriggerSpinOut 被击中后旋转失控。无敌或已在失控中时不生效。
// 触发瞬间削去大部分速度，并强行终止漂移。
func TriggerSpinOut(s State) State {
	if s.IsInvincible || s.IsSpinningOut {
		return s
	}
	s.IsSpinningOut = true
	s.SpinOutTime = 0
	s.Speed *= SpinOutSpeedFactor
	s.IsDrifting = false
	s.DriftTime = 0
	return s
}
