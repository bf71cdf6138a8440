package client

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/coder/websocket"
	kcp "github.com/xtaci/kcp-go/v5"

	"driftkart/pkg/physics"
	"driftkart/pkg/protocol"
)

const maxPacketSize = 4096

// Client 与服务器的连接：长度前缀分帧，收发各一个 goroutine。
// 入站消息按类型路由到带缓冲的通道，由上层（驱动循环）消费。
type Client struct {
	conn net.Conn

	mu           sync.Mutex
	playerID     string
	roomID       string
	sessionToken string
	owner        bool
	raceLaps     int32

	sendChan chan []byte
	closeCh  chan struct{}
	closed   bool
	closeMu  sync.Mutex

	// 入站路由通道。快照通道满时丢弃最旧的一份——
	// 快照总是被更新的取代，积压没有意义。
	SnapshotCh    chan *protocol.Snapshot
	CountdownCh   chan *protocol.Countdown
	RaceOverCh    chan *protocol.RaceOver
	PlayerJoinCh  chan *protocol.PlayerJoined
	PlayerLeaveCh chan *protocol.PlayerLeft
	ClockPongCh   chan *protocol.ClockPong
	RelayCh       chan *protocol.Relay
	ErrCh         chan error

	// 请求-应答配对：Join / Reconnect 等待时挂上
	respMu sync.Mutex
	respCh chan interface{}
}

// Dial 连接服务器。proto 取 tcp / kcp / ws。
func Dial(proto, addr string) (*Client, error) {
	conn, err := dialConn(proto, addr)
	if err != nil {
		return nil, fmt.Errorf("连接 %s://%s 失败: %w", proto, addr, err)
	}

	c := &Client{
		conn:          conn,
		sendChan:      make(chan []byte, 256),
		closeCh:       make(chan struct{}),
		SnapshotCh:    make(chan *protocol.Snapshot, 8),
		CountdownCh:   make(chan *protocol.Countdown, 2),
		RaceOverCh:    make(chan *protocol.RaceOver, 2),
		PlayerJoinCh:  make(chan *protocol.PlayerJoined, 8),
		PlayerLeaveCh: make(chan *protocol.PlayerLeft, 8),
		ClockPongCh:   make(chan *protocol.ClockPong, 8),
		RelayCh:       make(chan *protocol.Relay, 16),
		ErrCh:         make(chan error, 4),
	}

	go c.sendLoop()
	go c.receiveLoop()

	return c, nil
}

func dialConn(proto, addr string) (net.Conn, error) {
	switch proto {
	case "tcp":
		conn, err := net.DialTimeout("tcp", addr, dialTimeout)
		if err != nil {
			return nil, err
		}
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}
		return conn, nil
	case "kcp":
		return kcp.DialWithOptions(addr, nil, 0, 0)
	case "ws":
		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		defer cancel()
		ws, _, err := websocket.Dial(ctx, "ws://"+addr+"/ws", nil)
		if err != nil {
			return nil, err
		}
		return websocket.NetConn(context.Background(), ws, websocket.MessageBinary), nil
	default:
		return nil, fmt.Errorf("不支持的协议: %s", proto)
	}
}

// Close 关闭连接。
func (c *Client) Close() {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.closeCh)
	c.conn.Close()
	close(c.sendChan)
}

// PlayerID 本端玩家 ID（Join 成功后可用）。
func (c *Client) PlayerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playerID
}

// SessionToken 当前会话令牌（重连用）。
func (c *Client) SessionToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionToken
}

// Owner 本端是否房主。
func (c *Client) Owner() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owner
}

// RaceLaps 完赛圈数。
func (c *Client) RaceLaps() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.raceLaps
}

// ========== 请求 ==========

// Join 加入房间并等待应答。
func (c *Client) Join(name, roomID string) (*protocol.JoinAccepted, error) {
	respCh := c.armResponse()
	defer c.disarmResponse()

	if err := c.send(protocol.MustMarshal(protocol.MsgJoin, &protocol.JoinRequest{Name: name, RoomID: roomID})); err != nil {
		return nil, err
	}

	resp, err := awaitResponse[*protocol.JoinAccepted](c, respCh)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.playerID = resp.PlayerID
	c.roomID = resp.RoomID
	c.sessionToken = resp.SessionToken
	c.owner = resp.Owner
	c.raceLaps = resp.RaceLaps
	c.mu.Unlock()

	log.Printf("加入房间 %s, 玩家 %s (房主=%v)", resp.RoomID, resp.PlayerID, resp.Owner)
	return resp, nil
}

// Reconnect 用会话令牌在新连接上找回原槽位。
func (c *Client) Reconnect(token string) (*protocol.ReconnectAccepted, error) {
	respCh := c.armResponse()
	defer c.disarmResponse()

	if err := c.send(protocol.MustMarshal(protocol.MsgReconnect, &protocol.ReconnectRequest{SessionToken: token})); err != nil {
		return nil, err
	}

	resp, err := awaitResponse[*protocol.ReconnectAccepted](c, respCh)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.playerID = resp.PlayerID
	c.roomID = resp.RoomID
	c.sessionToken = resp.SessionToken
	c.mu.Unlock()

	log.Printf("重连成功: 房间 %s, 阶段 %s", resp.RoomID, resp.Phase)
	return resp, nil
}

// SendStart 请求开赛（仅房主有效）。
func (c *Client) SendStart() error {
	return c.send(protocol.MustMarshal(protocol.MsgStart, &protocol.StartRequest{}))
}

// SendInputBatch 发送一批未确认输入。
func (c *Client) SendInputBatch(inputs []physics.Input) error {
	if len(inputs) == 0 {
		return nil
	}
	return c.send(protocol.MustMarshal(protocol.MsgInputBatch, &protocol.InputBatch{Inputs: inputs}))
}

// SendClockPing 发送时钟探测。
func (c *Client) SendClockPing(clientTimeMs int64) error {
	return c.send(protocol.MustMarshal(protocol.MsgClockPing, &protocol.ClockPing{ClientTime: clientTimeMs}))
}

// SendPoseReport 上报本地预测位姿（二进制记录，仅供服务器诊断）。
func (c *Client) SendPoseReport(pose *protocol.Pose) error {
	return c.send(protocol.EncodePose(pose))
}

// SendRelay 发送旁路信令。
func (c *Client) SendRelay(payload json.RawMessage) error {
	return c.send(protocol.MustMarshal(protocol.MsgRelay, &protocol.Relay{Payload: payload}))
}

// ========== 收发循环 ==========

func (c *Client) send(data []byte) error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return errors.New("连接已关闭")
	}
	select {
	case c.sendChan <- data:
		return nil
	default:
		return errors.New("发送队列满")
	}
}

func (c *Client) sendLoop() {
	for data := range c.sendChan {
		length := uint32(len(data))
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := binary.Write(c.conn, binary.BigEndian, length); err != nil {
			c.fail(fmt.Errorf("写入长度失败: %w", err))
			return
		}
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if _, err := c.conn.Write(data); err != nil {
			c.fail(fmt.Errorf("写入数据失败: %w", err))
			return
		}
	}
}

func (c *Client) receiveLoop() {
	for {
		var length uint32
		if err := binary.Read(c.conn, binary.BigEndian, &length); err != nil {
			if err != io.EOF {
				c.fail(fmt.Errorf("读取长度失败: %w", err))
			} else {
				c.fail(io.EOF)
			}
			return
		}
		if length == 0 || length > maxPacketSize {
			c.fail(fmt.Errorf("非法消息长度: %d", length))
			return
		}

		data := make([]byte, length)
		if _, err := io.ReadFull(c.conn, data); err != nil {
			c.fail(fmt.Errorf("读取数据失败: %w", err))
			return
		}

		c.dispatch(data)
	}
}

func (c *Client) fail(err error) {
	select {
	case c.ErrCh <- err:
	default:
	}
	c.Close()
}

// dispatch 路由一条入站消息。快照走二进制快速路径。
func (c *Client) dispatch(data []byte) {
	if data[0] == protocol.SnapshotMarker {
		snap, err := protocol.DecodeSnapshot(data)
		if err != nil {
			log.Printf("快照解码失败: %v", err)
			return
		}
		// 满则丢最旧：渲染永远只追最新的权威状态
		for {
			select {
			case c.SnapshotCh <- snap:
				return
			default:
				select {
				case <-c.SnapshotCh:
				default:
				}
			}
		}
	}

	env, err := protocol.Unmarshal(data)
	if err != nil {
		log.Printf("消息解码失败: %v", err)
		return
	}

	switch env.Type {
	case protocol.MsgJoinOK:
		var resp protocol.JoinAccepted
		if env.Decode(&resp) == nil {
			c.deliverResponse(&resp)
		}
	case protocol.MsgReconnectOK:
		var resp protocol.ReconnectAccepted
		if env.Decode(&resp) == nil {
			c.deliverResponse(&resp)
		}
	case protocol.MsgError:
		var msg protocol.ErrorMsg
		if env.Decode(&msg) == nil {
			// 等待中的请求优先吃掉错误，否则作为一般错误上报
			if !c.deliverResponse(&msg) {
				select {
				case c.ErrCh <- errors.New(msg.Message):
				default:
				}
			}
		}
	case protocol.MsgCountdown:
		var msg protocol.Countdown
		if env.Decode(&msg) == nil {
			trySend(c.CountdownCh, &msg)
		}
	case protocol.MsgRaceOver:
		var msg protocol.RaceOver
		if env.Decode(&msg) == nil {
			trySend(c.RaceOverCh, &msg)
		}
	case protocol.MsgPlayerJoin:
		var msg protocol.PlayerJoined
		if env.Decode(&msg) == nil {
			trySend(c.PlayerJoinCh, &msg)
		}
	case protocol.MsgPlayerLeave:
		var msg protocol.PlayerLeft
		if env.Decode(&msg) == nil {
			trySend(c.PlayerLeaveCh, &msg)
		}
	case protocol.MsgClockPong:
		var msg protocol.ClockPong
		if env.Decode(&msg) == nil {
			trySend(c.ClockPongCh, &msg)
		}
	case protocol.MsgRelay:
		var msg protocol.Relay
		if env.Decode(&msg) == nil {
			trySend(c.RelayCh, &msg)
		}
	case protocol.MsgRateLimited:
		var msg protocol.RateLimited
		if env.Decode(&msg) == nil {
			log.Printf("被限流: %s, %dms 后重试", msg.Category, msg.RetryAfterMs)
		}
	default:
		log.Printf("未知消息类型: %s", env.Type)
	}
}

func trySend[T any](ch chan T, v T) {
	select {
	case ch <- v:
	default:
	}
}

// ========== 请求-应答配对 ==========

func (c *Client) armResponse() chan interface{} {
	ch := make(chan interface{}, 1)
	c.respMu.Lock()
	c.respCh = ch
	c.respMu.Unlock()
	return ch
}

func (c *Client) disarmResponse() {
	c.respMu.Lock()
	c.respCh = nil
	c.respMu.Unlock()
}

func (c *Client) deliverResponse(v interface{}) bool {
	c.respMu.Lock()
	ch := c.respCh
	c.respMu.Unlock()
	if ch == nil {
		return false
	}
	select {
	case ch <- v:
		return true
	default:
		return false
	}
}

func awaitResponse[T any](c *Client, ch chan interface{}) (T, error) {
	var zero T
	select {
	case <-c.closeCh:
		return zero, errors.New("连接已关闭")
	case <-time.After(replyTimeout):
		return zero, errors.New("等待应答超时")
	case v := <-ch:
		if resp, ok := v.(T); ok {
			return resp, nil
		}
		if msg, ok := v.(*protocol.ErrorMsg); ok {
			return zero, errors.New(msg.Message)
		}
		return zero, fmt.Errorf("意外的应答类型 %T", v)
	}
}
