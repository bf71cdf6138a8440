package server

import (
	"math"

	"driftkart/pkg/physics"
)

// Track 赛道参数。真正的赛道几何由外部系统生成，
// 这里只保留出生位与一个椭圆近似的圈进度估算，
// 供圈进度过滤与完赛判定使用。
type Track struct {
	CenterX float64
	CenterZ float64
	RadiusX float64
	RadiusZ float64
	Laps    int32 // 完赛所需圈数
}

// DefaultTrack 默认椭圆赛道。
func DefaultTrack(laps int32) *Track {
	return &Track{RadiusX: 60, RadiusZ: 40, Laps: laps}
}

// SpawnPose 第 slot 个出生位：起跑线后方两列错开排布，朝向 +X。
func (t *Track) SpawnPose(slot int) (physics.Vec3, float64) {
	row := slot / 2
	col := slot % 2
	pos := physics.Vec3{
		X: t.CenterX - float64(row)*4.0,
		Z: t.CenterZ - t.RadiusZ + float64(col)*3.0 - 1.5,
	}
	return pos, math.Pi / 2
}

// Progress 由位置估算圈进度 [0,1)。起跑线在 -Z 方向，沿 +X 起步。
func (t *Track) Progress(pos physics.Vec3) float64 {
	ang := math.Atan2(pos.X-t.CenterX, -(pos.Z - t.CenterZ))
	p := ang / (2 * math.Pi)
	if p < 0 {
		p += 1
	}
	return p
}
