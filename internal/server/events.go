package server

import (
	"driftkart/pkg/physics"
	"driftkart/pkg/protocol"
)

// EventKind 入站消息解码后的事件类别
type EventKind int

const (
	EventUnknown EventKind = iota
	EventJoin
	EventInput
	EventStart
	EventClockPing
	EventReconnect
	EventRelay
	EventPose
)

// ServerEvent 解码后的入站事件
type ServerEvent struct {
	Kind      EventKind
	Join      *protocol.JoinRequest
	Inputs    []physics.Input
	ClockPing *protocol.ClockPing
	Reconnect *protocol.ReconnectRequest
	Relay     *protocol.Relay
	Pose      *protocol.Pose
}

// categoryFor 每个事件类别对应的限流类别。
// 每类独立计数，互不挤占额度。
func categoryFor(kind EventKind) Category {
	switch kind {
	case EventJoin, EventStart:
		return CatLobby
	case EventInput:
		return CatInput
	case EventClockPing:
		return CatClock
	case EventReconnect:
		return CatLobby
	case EventRelay:
		return CatSignal
	case EventPose:
		return CatPose
	default:
		return CatSignal
	}
}
