package server

import (
	"fmt"

	"driftkart/pkg/protocol"
)

// DecodePacket 解析服务器收到的数据包。
// 首字节区分编码：二进制标记走定长解码，'{' 走 JSON 外壳。
func DecodePacket(data []byte) (*ServerEvent, error) {
	if len(data) == 0 {
		return nil, protocol.ErrMalformed
	}

	if data[0] == protocol.PoseMarker {
		pose, err := protocol.DecodePose(data)
		if err != nil {
			return nil, err
		}
		return &ServerEvent{Kind: EventPose, Pose: pose}, nil
	}

	env, err := protocol.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("解析外壳失败: %w", err)
	}

	switch env.Type {
	case protocol.MsgJoin:
		var req protocol.JoinRequest
		if err := env.Decode(&req); err != nil {
			return nil, err
		}
		return &ServerEvent{Kind: EventJoin, Join: &req}, nil

	case protocol.MsgInputBatch:
		var batch protocol.InputBatch
		if err := env.Decode(&batch); err != nil {
			return nil, err
		}
		// 标量越界在入口处统一夹紧，绝不进入物理状态
		for i := range batch.Inputs {
			batch.Inputs[i].Normalize()
		}
		return &ServerEvent{Kind: EventInput, Inputs: batch.Inputs}, nil

	case protocol.MsgStart:
		return &ServerEvent{Kind: EventStart}, nil

	case protocol.MsgClockPing:
		var ping protocol.ClockPing
		if err := env.Decode(&ping); err != nil {
			return nil, err
		}
		return &ServerEvent{Kind: EventClockPing, ClockPing: &ping}, nil

	case protocol.MsgReconnect:
		var req protocol.ReconnectRequest
		if err := env.Decode(&req); err != nil {
			return nil, err
		}
		return &ServerEvent{Kind: EventReconnect, Reconnect: &req}, nil

	case protocol.MsgRelay:
		var relay protocol.Relay
		if err := env.Decode(&relay); err != nil {
			return nil, err
		}
		return &ServerEvent{Kind: EventRelay, Relay: &relay}, nil

	default:
		return &ServerEvent{Kind: EventUnknown}, nil
	}
}
