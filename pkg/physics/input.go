package physics

import "math"

// Input 一帧内玩家的控制输入。
// Frame 由发送端分配，单调递增，服务器据此排序与去重。
type Input struct {
	Throttle float64 `json:"throttle"` // [-1,1]，负值为刹车/倒车
	Steer    float64 `json:"steer"`    // [-1,1]
	Drift    bool    `json:"drift"`
	UseItem  bool    `json:"useItem,omitempty"`
	Frame    uint32  `json:"frame"`
}

// Normalize 把标量字段夹紧到合法区间。缺省字段即为中性值。
func (in *Input) Normalize() {
	in.Throttle = clampUnit(in.Throttle)
	in.Steer = clampUnit(in.Steer)
}

func clampUnit(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}
