package server

// Session 房间眼中的一条抽象双向消息通道。
// 真实实现是 Connection；测试里用内存假实现。
type Session interface {
	PlayerID() string
	Send(data []byte) error
	Close()
	CloseWithoutNotify()
	SetIdentity(playerID, roomID string)
}
