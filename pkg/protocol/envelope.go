// Package protocol 定义客户端与服务器之间的线上编码。
//
// 高频的位姿/快照数据走定长二进制编码（binary.go），
// 低频的控制消息走自描述的 JSON 外壳（本文件）：
// 位姿流量占消息总量的绝大部分，最需要压缩每条消息的开销，
// 控制消息则更看重可扩展性。
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed 报文格式错误：长度不足、标记字节不符或无法解析。
// 解码边界拒绝这类报文，绝不让它进入物理状态。
var ErrMalformed = errors.New("报文格式错误")

// MsgType 控制消息类型
type MsgType string

const (
	MsgJoin        MsgType = "join"
	MsgJoinOK      MsgType = "join_ok"
	MsgStart       MsgType = "start"
	MsgCountdown   MsgType = "countdown"
	MsgRaceOver    MsgType = "race_over"
	MsgInputBatch  MsgType = "input_batch"
	MsgClockPing   MsgType = "clock_ping"
	MsgClockPong   MsgType = "clock_pong"
	MsgReconnect   MsgType = "reconnect"
	MsgReconnectOK MsgType = "reconnect_ok"
	MsgPlayerJoin  MsgType = "player_join"
	MsgPlayerLeave MsgType = "player_leave"
	MsgRelay       MsgType = "relay"
	MsgRateLimited MsgType = "rate_limited"
	MsgError       MsgType = "error"
)

// Envelope 控制消息的自描述外壳。
type Envelope struct {
	Type MsgType         `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Marshal 把载荷包进外壳并序列化。
func Marshal(t MsgType, data any) ([]byte, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("序列化 %s 载荷失败: %w", t, err)
		}
		raw = b
	}
	return json.Marshal(&Envelope{Type: t, Data: raw})
}

// MustMarshal 与 Marshal 相同，但序列化失败时 panic。
// 只用于字段全部可序列化的内部构造消息。
func MustMarshal(t MsgType, data any) []byte {
	b, err := Marshal(t, data)
	if err != nil {
		panic(err)
	}
	return b
}

// Unmarshal 解析控制消息外壳。
func Unmarshal(raw []byte) (*Envelope, error) {
	if len(raw) == 0 || raw[0] != '{' {
		return nil, ErrMalformed
	}
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if e.Type == "" {
		return nil, ErrMalformed
	}
	return &e, nil
}

// Decode 把外壳内的载荷解析到 v。
func (e *Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return ErrMalformed
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}
