package protocol

import (
	"encoding/binary"
	"math"

	"driftkart/pkg/physics"
)

// 二进制报文标记字节
const (
	PoseMarker     byte = 0xD7 // 单代理位姿记录
	SnapshotMarker byte = 0xD8 // 整房间快照
)

// 位姿记录定长部分：标记 + ID长度 + 位置(3×f32) + 朝向 + 速度 + 圈进度 + 时间戳(i64) + 序号(u16)
const poseFixedLen = 1 + 1 + 12 + 4 + 4 + 4 + 8 + 2

// 快照玩家条目在位姿记录之后的附加字段长度
const snapshotExtraLen = 4 + 4 + 1 + 4 + 1 + 4 + 4 + 4 + 4 + 4

// 快照头部：标记 + 帧号(u32) + 服务器时间(i64) + 玩家数(u8)
const snapshotHeaderLen = 1 + 4 + 8 + 1

// Pose 单个代理的高频位姿记录。
type Pose struct {
	PlayerID    string
	Position    physics.Vec3
	Rotation    float64
	Speed       float64
	LapProgress float64
	Timestamp   int64 // 服务器毫秒时间
	Seq         uint16
}

// 状态标志位
const (
	FlagDrifting   = 1 << 0
	FlagOilSlip    = 1 << 1
	FlagSpinOut    = 1 << 2
	FlagInvincible = 1 << 3
)

// SnapshotPlayer 快照中的单个玩家条目：位姿记录加上对账所需的
// 完整物理状态投影与该玩家自己的输入水位线。
type SnapshotPlayer struct {
	Pose            Pose
	AckedFrame      uint32 // 该玩家已被纳入权威状态的最高输入帧号
	Lap             int32
	Flags           uint8
	DriftTime       float64
	DriftDirection  int8
	DriftSlideAngle float64
	BoostStrength   float64
	BoostTimeLeft   float64
	OilSlipTime     float64
	SpinOutTime     float64
}

// Snapshot 权威快照：某一 tick 上所有代理的状态打包。
// 构造后不可变，广播即发即忘，快照本身不需要确认。
type Snapshot struct {
	Frame      uint32
	ServerTime int64 // 服务器毫秒时间
	Players    []SnapshotPlayer
}

// ========== 编码 ==========

func appendPose(buf []byte, p *Pose) []byte {
	buf = append(buf, PoseMarker)
	buf = append(buf, byte(len(p.PlayerID)))
	buf = append(buf, p.PlayerID...)
	buf = appendF32(buf, p.Position.X)
	buf = appendF32(buf, p.Position.Y)
	buf = appendF32(buf, p.Position.Z)
	buf = appendF32(buf, p.Rotation)
	buf = appendF32(buf, p.Speed)
	buf = appendF32(buf, p.LapProgress)
	buf = binary.BigEndian.AppendUint64(buf, uint64(p.Timestamp))
	buf = binary.BigEndian.AppendUint16(buf, p.Seq)
	return buf
}

// EncodePose 编码单条位姿记录。
func EncodePose(p *Pose) []byte {
	return appendPose(make([]byte, 0, poseFixedLen+len(p.PlayerID)), p)
}

// EncodeSnapshot 编码整房间快照。
func EncodeSnapshot(s *Snapshot) []byte {
	buf := make([]byte, 0, snapshotHeaderLen+len(s.Players)*(poseFixedLen+snapshotExtraLen+8))
	buf = append(buf, SnapshotMarker)
	buf = binary.BigEndian.AppendUint32(buf, s.Frame)
	buf = binary.BigEndian.AppendUint64(buf, uint64(s.ServerTime))
	buf = append(buf, byte(len(s.Players)))
	for i := range s.Players {
		sp := &s.Players[i]
		buf = appendPose(buf, &sp.Pose)
		buf = binary.BigEndian.AppendUint32(buf, sp.AckedFrame)
		buf = binary.BigEndian.AppendUint32(buf, uint32(sp.Lap))
		buf = append(buf, sp.Flags)
		buf = appendF32(buf, sp.DriftTime)
		buf = append(buf, byte(sp.DriftDirection))
		buf = appendF32(buf, sp.DriftSlideAngle)
		buf = appendF32(buf, sp.BoostStrength)
		buf = appendF32(buf, sp.BoostTimeLeft)
		buf = appendF32(buf, sp.OilSlipTime)
		buf = appendF32(buf, sp.SpinOutTime)
	}
	return buf
}

func appendF32(buf []byte, v float64) []byte {
	return binary.BigEndian.AppendUint32(buf, math.Float32bits(float32(v)))
}

// ========== 解码 ==========

// reader 带边界检查的解码游标。越界只置错误标志，不 panic。
type reader struct {
	data []byte
	off  int
	bad  bool
}

func (r *reader) u8() byte {
	if r.bad || r.off+1 > len(r.data) {
		r.bad = true
		return 0
	}
	v := r.data[r.off]
	r.off++
	return v
}

func (r *reader) u16() uint16 {
	if r.bad || r.off+2 > len(r.data) {
		r.bad = true
		return 0
	}
	v := binary.BigEndian.Uint16(r.data[r.off:])
	r.off += 2
	return v
}

func (r *reader) u32() uint32 {
	if r.bad || r.off+4 > len(r.data) {
		r.bad = true
		return 0
	}
	v := binary.BigEndian.Uint32(r.data[r.off:])
	r.off += 4
	return v
}

func (r *reader) i64() int64 {
	if r.bad || r.off+8 > len(r.data) {
		r.bad = true
		return 0
	}
	v := binary.BigEndian.Uint64(r.data[r.off:])
	r.off += 8
	return int64(v)
}

func (r *reader) f32() float64 {
	return float64(math.Float32frombits(r.u32()))
}

func (r *reader) str(n int) string {
	if r.bad || r.off+n > len(r.data) {
		r.bad = true
		return ""
	}
	v := string(r.data[r.off : r.off+n])
	r.off += n
	return v
}

func (r *reader) pose() Pose {
	var p Pose
	if r.u8() != PoseMarker {
		r.bad = true
		return p
	}
	idLen := int(r.u8())
	p.PlayerID = r.str(idLen)
	p.Position.X = r.f32()
	p.Position.Y = r.f32()
	p.Position.Z = r.f32()
	p.Rotation = r.f32()
	p.Speed = r.f32()
	p.LapProgress = r.f32()
	p.Timestamp = r.i64()
	p.Seq = r.u16()
	return p
}

// DecodePose 解码单条位姿记录。长度不足或标记不符返回 ErrMalformed。
func DecodePose(data []byte) (*Pose, error) {
	if len(data) < poseFixedLen || data[0] != PoseMarker {
		return nil, ErrMalformed
	}
	r := &reader{data: data}
	p := r.pose()
	if r.bad || r.off != len(data) {
		return nil, ErrMalformed
	}
	return &p, nil
}

// DecodeSnapshot 解码整房间快照。
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	if len(data) < snapshotHeaderLen || data[0] != SnapshotMarker {
		return nil, ErrMalformed
	}
	r := &reader{data: data, off: 1}

	var s Snapshot
	s.Frame = r.u32()
	s.ServerTime = r.i64()
	count := int(r.u8())

	s.Players = make([]SnapshotPlayer, 0, count)
	for i := 0; i < count; i++ {
		var sp SnapshotPlayer
		sp.Pose = r.pose()
		sp.AckedFrame = r.u32()
		sp.Lap = int32(r.u32())
		sp.Flags = r.u8()
		sp.DriftTime = r.f32()
		sp.DriftDirection = int8(r.u8())
		sp.DriftSlideAngle = r.f32()
		sp.BoostStrength = r.f32()
		sp.BoostTimeLeft = r.f32()
		sp.OilSlipTime = r.f32()
		sp.SpinOutTime = r.f32()
		if r.bad {
			return nil, ErrMalformed
		}
		s.Players = append(s.Players, sp)
	}
	if r.bad || r.off != len(data) {
		return nil, ErrMalformed
	}
	return &s, nil
}

// ========== 与物理状态的互转 ==========

// SnapshotPlayerFromState 把权威物理状态投影为快照条目。
func SnapshotPlayerFromState(id string, s physics.State, ackedFrame uint32, serverTime int64, seq uint16) SnapshotPlayer {
	var flags uint8
	if s.IsDrifting {
		flags |= FlagDrifting
	}
	if s.IsOilSlipping {
		flags |= FlagOilSlip
	}
	if s.IsSpinningOut {
		flags |= FlagSpinOut
	}
	if s.IsInvincible {
		flags |= FlagInvincible
	}
	return SnapshotPlayer{
		Pose: Pose{
			PlayerID:    id,
			Position:    s.Position,
			Rotation:    s.Rotation,
			Speed:       s.Speed,
			LapProgress: s.LapProgress,
			Timestamp:   serverTime,
			Seq:         seq,
		},
		AckedFrame:      ackedFrame,
		Lap:             s.Lap,
		Flags:           flags,
		DriftTime:       s.DriftTime,
		DriftDirection:  s.DriftDirection,
		DriftSlideAngle: s.DriftSlideAngle,
		BoostStrength:   s.BoostStrength,
		BoostTimeLeft:   s.BoostTimeLeft,
		OilSlipTime:     s.OilSlipTime,
		SpinOutTime:     s.SpinOutTime,
	}
}

// State 把快照条目还原为物理状态（客户端对账的权威基线）。
func (sp *SnapshotPlayer) State() physics.State {
	return physics.State{
		Position:        sp.Pose.Position,
		Rotation:        sp.Pose.Rotation,
		Speed:           sp.Pose.Speed,
		LapProgress:     sp.Pose.LapProgress,
		Lap:             sp.Lap,
		IsDrifting:      sp.Flags&FlagDrifting != 0,
		DriftTime:       sp.DriftTime,
		DriftDirection:  sp.DriftDirection,
		DriftSlideAngle: sp.DriftSlideAngle,
		BoostStrength:   sp.BoostStrength,
		BoostTimeLeft:   sp.BoostTimeLeft,
		IsInvincible:    sp.Flags&FlagInvincible != 0,
		IsOilSlipping:   sp.Flags&FlagOilSlip != 0,
		OilSlipTime:     sp.OilSlipTime,
		IsSpinningOut:   sp.Flags&FlagSpinOut != 0,
		SpinOutTime:     sp.SpinOutTime,
	}
}
