package server

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"driftkart/pkg/protocol"
)

const (
	MaxPacketSize = 4096             // 最大消息大小
	readTimeout   = 15 * time.Second // 读取超时（客户端至少每秒发一次时钟探测）
	writeTimeout  = 1 * time.Second  // 写入超时

	// 解码前的整连接防洪：令牌桶，超出直接丢包
	floodRate  = 200 // 包/秒
	floodBurst = 400
)

var ErrSendQueueFull = errors.New("发送队列满")

// Connection 表示一个客户端连接。
// 消息处理只负责解码与入队，绝不阻塞等待 tick 循环。
type Connection struct {
	conn   net.Conn
	server *GameServer

	idMu     sync.Mutex
	playerID string
	roomID   string

	// 发送队列
	sendChan chan []byte
	closeCh  chan struct{}
	closed   bool
	closeMu  sync.Mutex

	flood   *rate.Limiter
	limiter *CategoryLimiter
}

// NewConnection 创建新连接。
func NewConnection(conn net.Conn, server *GameServer) *Connection {
	return &Connection{
		conn:     conn,
		server:   server,
		sendChan: make(chan []byte, 256),
		closeCh:  make(chan struct{}),
		flood:    rate.NewLimiter(rate.Limit(floodRate), floodBurst),
		limiter:  NewCategoryLimiter(),
	}
}

// Handle 处理连接：启动收发循环并等待结束。
func (c *Connection) Handle(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	wg.Add(1)
	go c.sendLoop(ctx, wg)

	wg.Add(1)
	go c.receiveLoop(ctx, wg)

	select {
	case <-ctx.Done():
	case <-c.closeCh:
	}

	c.Close()
}

// Close 关闭连接并通知服务器处理断开。
func (c *Connection) Close() {
	c.closeWithNotify(true)
}

// CloseWithoutNotify 关闭连接但不触发断开处理（槽位迁移时用）。
func (c *Connection) CloseWithoutNotify() {
	c.closeWithNotify(false)
}

func (c *Connection) closeWithNotify(notify bool) {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.closeCh)

	if c.conn != nil {
		c.conn.Close()
	}
	close(c.sendChan)

	if notify {
		if playerID, roomID := c.identity(); playerID != "" {
			c.server.handleDisconnect(playerID, roomID)
		}
	}

	log.Printf("连接已关闭: %s", c)
}

// Send 异步发送（即发即忘，队列满时返回错误）。
func (c *Connection) Send(data []byte) error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed {
		return fmt.Errorf("连接已关闭")
	}

	select {
	case c.sendChan <- data:
		return nil
	default:
		return ErrSendQueueFull
	}
}

func (c *Connection) sendLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case data, ok := <-c.sendChan:
			if !ok {
				return
			}

			// 4 字节大端长度前缀 + 数据体
			length := uint32(len(data))
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := binary.Write(c.conn, binary.BigEndian, length); err != nil {
				c.Close()
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if _, err := c.conn.Write(data); err != nil {
				c.Close()
				return
			}
		}
	}
}

func (c *Connection) receiveLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var length uint32
		_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		if err := binary.Read(c.conn, binary.BigEndian, &length); err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				log.Printf("%s: 读取超时", c)
			} else if err != io.EOF {
				log.Printf("%s: 读取长度失败: %v", c, err)
			}
			c.Close()
			return
		}

		if length > MaxPacketSize {
			log.Printf("%s: 消息过大 (%d bytes)", c, length)
			c.Close()
			return
		}
		if length == 0 {
			continue
		}

		data := make([]byte, length)
		_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		if _, err := io.ReadFull(c.conn, data); err != nil {
			log.Printf("%s: 读取数据失败: %v", c, err)
			c.Close()
			return
		}

		// 防洪：超出整连接速率的包直接丢弃，不做解码
		if !c.flood.Allow() {
			continue
		}

		if err := c.handleMessage(data); err != nil {
			log.Printf("%s: 处理消息失败: %v", c, err)
		}
	}
}

// handleMessage 解码、限流并分发一条入站消息。
func (c *Connection) handleMessage(data []byte) error {
	event, err := DecodePacket(data)
	if err != nil {
		// 畸形报文只拒绝这一条，连接保持
		return fmt.Errorf("解码失败: %w", err)
	}

	cat := categoryFor(event.Kind)
	if ok, notify, retryAfter := c.limiter.Allow(cat); !ok {
		if notify {
			_ = c.Send(protocol.MustMarshal(protocol.MsgRateLimited, &protocol.RateLimited{
				Category:     string(cat),
				RetryAfterMs: retryAfter.Milliseconds(),
			}))
		}
		return nil
	}

	playerID, roomID := c.identity()

	switch event.Kind {
	case EventJoin:
		if playerID != "" {
			return fmt.Errorf("重复加入请求")
		}
		if err := c.server.handleJoin(c, event.Join); err != nil {
			_ = c.Send(protocol.MustMarshal(protocol.MsgError, &protocol.ErrorMsg{Message: err.Error()}))
			return fmt.Errorf("处理加入请求失败: %w", err)
		}

	case EventInput:
		if playerID != "" {
			c.server.handleInputs(playerID, roomID, event.Inputs)
		}

	case EventStart:
		if playerID != "" {
			c.server.handleStart(playerID, roomID)
		}

	case EventClockPing:
		// 时钟探测就地应答，不经过房间循环
		_ = c.Send(protocol.MustMarshal(protocol.MsgClockPong, &protocol.ClockPong{
			ClientTime:  event.ClockPing.ClientTime,
			ServerTime:  c.server.nowMs(),
			ServerFrame: c.server.currentFrame(roomID),
		}))

	case EventReconnect:
		if playerID != "" {
			return fmt.Errorf("已在会话中，忽略重连请求")
		}
		if err := c.server.handleReconnect(c, event.Reconnect.SessionToken); err != nil {
			_ = c.Send(protocol.MustMarshal(protocol.MsgError, &protocol.ErrorMsg{Message: err.Error()}))
			return fmt.Errorf("处理重连失败: %w", err)
		}

	case EventRelay:
		if playerID != "" {
			c.server.handleRelay(playerID, roomID, event.Relay)
		}

	case EventPose:
		if playerID != "" {
			c.server.handlePoseReport(playerID, roomID, event.Pose)
		}

	default:
		return fmt.Errorf("未知消息类型")
	}

	return nil
}

// ========== Session 接口 ==========

func (c *Connection) PlayerID() string {
	id, _ := c.identity()
	return id
}

func (c *Connection) SetIdentity(playerID, roomID string) {
	c.idMu.Lock()
	c.playerID = playerID
	c.roomID = roomID
	c.idMu.Unlock()
}

func (c *Connection) identity() (playerID, roomID string) {
	c.idMu.Lock()
	defer c.idMu.Unlock()
	return c.playerID, c.roomID
}

func (c *Connection) String() string {
	if id, _ := c.identity(); id != "" {
		return fmt.Sprintf("Connection{%s, %s}", id, c.conn.RemoteAddr())
	}
	return fmt.Sprintf("Connection{%s}", c.conn.RemoteAddr())
}
