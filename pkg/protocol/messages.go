package protocol

import (
	"encoding/json"

	"driftkart/pkg/physics"
)

// PlayerInfo 控制消息中携带的玩家条目。
type PlayerInfo struct {
	ID    string        `json:"id"`
	Name  string        `json:"name"`
	State physics.State `json:"state"`
}

// JoinRequest 加入房间请求。RoomID 为空表示进入默认房间。
type JoinRequest struct {
	Name   string `json:"name"`
	RoomID string `json:"roomId,omitempty"`
}

// JoinAccepted 加入成功的应答。SessionToken 用于断线重连。
type JoinAccepted struct {
	PlayerID     string       `json:"playerId"`
	RoomID       string       `json:"roomId"`
	SessionToken string       `json:"sessionToken"`
	Owner        bool         `json:"owner"`
	TickRate     int          `json:"tickRate"`
	SnapshotRate int          `json:"snapshotRate"`
	RaceLaps     int32        `json:"raceLaps"`
	Players      []PlayerInfo `json:"players"`
}

// StartRequest 房主发起开赛。
type StartRequest struct{}

// Countdown 开赛倒计时广播。RaceStartTime 是权威时钟上的绝对时刻，
// 每个客户端据此在本地渲染同步的倒计时。
type Countdown struct {
	RaceStartTime int64        `json:"raceStartTime"` // 服务器毫秒时间
	Players       []PlayerInfo `json:"players"`       // 出生位姿上的全新状态
}

// RaceResult 单个玩家的完赛条目。名次与积分由外部赛规系统负责。
type RaceResult struct {
	PlayerID string `json:"playerId"`
	Laps     int32  `json:"laps"`
}

// RaceOver 比赛结束广播。
type RaceOver struct {
	Results []RaceResult `json:"results"`
}

// InputBatch 客户端输入批次。为对抗丢包，每批携带最近若干条
// 未确认输入，服务器按帧号水位线去重。
type InputBatch struct {
	Inputs []physics.Input `json:"inputs"`
}

// ClockPing 时钟同步探测。
type ClockPing struct {
	ClientTime int64 `json:"clientTime"` // 客户端本地毫秒时间
}

// ClockPong 时钟同步应答，原样回带 ClientTime。
type ClockPong struct {
	ClientTime  int64  `json:"clientTime"`
	ServerTime  int64  `json:"serverTime"` // 服务器权威毫秒时间
	ServerFrame uint32 `json:"serverFrame"`
}

// ReconnectRequest 断线重连请求。
type ReconnectRequest struct {
	SessionToken string `json:"sessionToken"`
}

// ReconnectAccepted 重连成功：槽位迁移到新连接，帧号与进度不重置。
type ReconnectAccepted struct {
	PlayerID      string       `json:"playerId"`
	RoomID        string       `json:"roomId"`
	SessionToken  string       `json:"sessionToken"`
	Phase         string       `json:"phase"`
	RaceStartTime int64        `json:"raceStartTime,omitempty"`
	Players       []PlayerInfo `json:"players"`
}

// PlayerJoined 新玩家加入广播。
type PlayerJoined struct {
	Player PlayerInfo `json:"player"`
}

// PlayerLeft 玩家离开广播。房主离开时 NewOwner 指定继任者。
type PlayerLeft struct {
	PlayerID string `json:"playerId"`
	Reason   string `json:"reason,omitempty"`
	NewOwner string `json:"newOwner,omitempty"`
}

// Relay 不透明载荷转发（语音/信令等旁路数据），服务器不解析内容。
type Relay struct {
	From    string          `json:"from,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// RateLimited 限流通知：消息被丢弃，连接保持。
type RateLimited struct {
	Category     string `json:"category"`
	RetryAfterMs int64  `json:"retryAfterMs"`
}

// ErrorMsg 一般性错误应答。
type ErrorMsg struct {
	Message string `json:"message"`
}
