package server

import "time"

// Category 限流类别：每类入站消息独立预算
type Category string

const (
	CatLobby  Category = "lobby"  // 加入/开赛等房间操作
	CatSignal Category = "signal" // 旁路信令转发
	CatPose   Category = "pose"   // 位姿上报
	CatClock  Category = "clock"  // 时钟探测
	CatInput  Category = "input"  // 控制输入
)

// budget 固定窗口预算：窗口时长内最多 limit 条
type budget struct {
	limit  int
	window time.Duration
}

var defaultBudgets = map[Category]budget{
	CatLobby:  {limit: 8, window: 2 * time.Second},
	CatSignal: {limit: 30, window: time.Second},
	CatPose:   {limit: 40, window: time.Second},
	CatClock:  {limit: 10, window: time.Second},
	CatInput:  {limit: 150, window: time.Second},
}

type rateWindow struct {
	start    time.Time
	count    int
	notified bool
}

// CategoryLimiter 每连接一份的固定窗口计数器。
// 超额消息被丢弃，发送方收到通知（每窗口至多通知一次），连接保持。
type CategoryLimiter struct {
	budgets map[Category]budget
	windows map[Category]*rateWindow
	now     func() time.Time
}

// NewCategoryLimiter 使用默认预算创建限流器。
func NewCategoryLimiter() *CategoryLimiter {
	return &CategoryLimiter{
		budgets: defaultBudgets,
		windows: make(map[Category]*rateWindow),
		now:     time.Now,
	}
}

// Allow 判定一条消息是否放行。
// notify 表示本次超额是否需要通知发送方；retryAfter 为窗口剩余时长。
// 只由单个接收循环调用，无并发写者。
func (l *CategoryLimiter) Allow(cat Category) (ok bool, notify bool, retryAfter time.Duration) {
	b, exists := l.budgets[cat]
	if !exists {
		return true, false, 0
	}

	now := l.now()
	w := l.windows[cat]
	if w == nil || now.Sub(w.start) >= b.window {
		w = &rateWindow{start: now}
		l.windows[cat] = w
	}

	if w.count < b.limit {
		w.count++
		return true, false, 0
	}

	retryAfter = b.window - now.Sub(w.start)
	notify = !w.notified
	w.notified = true
	return false, notify, retryAfter
}
