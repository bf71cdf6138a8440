package server

import (
	"testing"
	"time"
)

func newTestLimiter(start time.Time) (*CategoryLimiter, *time.Time) {
	now := start
	l := NewCategoryLimiter()
	l.now = func() time.Time { return now }
	return l, &now
}

func TestLimiterWithinBudget(t *testing.T) {
	l, _ := newTestLimiter(time.UnixMilli(0))

	b := defaultBudgets[CatClock]
	for i := 0; i < b.limit; i++ {
		if ok, _, _ := l.Allow(CatClock); !ok {
			t.Fatalf("第 %d 条应放行 (预算 %d)", i+1, b.limit)
		}
	}
}

func TestLimiterExceedsAndNotifiesOnce(t *testing.T) {
	l, _ := newTestLimiter(time.UnixMilli(0))

	b := defaultBudgets[CatPose]
	for i := 0; i < b.limit; i++ {
		l.Allow(CatPose)
	}

	ok, notify, retryAfter := l.Allow(CatPose)
	if ok {
		t.Fatal("超额消息应被丢弃")
	}
	if !notify {
		t.Error("窗口内首次超额应通知发送方")
	}
	if retryAfter <= 0 || retryAfter > b.window {
		t.Errorf("retryAfter 应在 (0, %v] 内, got %v", b.window, retryAfter)
	}

	// 同一窗口内继续超额不再重复通知
	if _, notify, _ := l.Allow(CatPose); notify {
		t.Error("同一窗口内应只通知一次")
	}
}

func TestLimiterWindowResets(t *testing.T) {
	l, now := newTestLimiter(time.UnixMilli(0))

	b := defaultBudgets[CatLobby]
	for i := 0; i <= b.limit; i++ {
		l.Allow(CatLobby)
	}
	if ok, _, _ := l.Allow(CatLobby); ok {
		t.Fatal("窗口内应保持拒绝")
	}

	*now = now.Add(b.window)
	if ok, _, _ := l.Allow(CatLobby); !ok {
		t.Error("窗口过期后应恢复放行")
	}
}

func TestLimiterCategoriesIndependent(t *testing.T) {
	l, _ := newTestLimiter(time.UnixMilli(0))

	b := defaultBudgets[CatSignal]
	for i := 0; i <= b.limit; i++ {
		l.Allow(CatSignal)
	}
	if ok, _, _ := l.Allow(CatSignal); ok {
		t.Fatal("signal 类别应已超额")
	}
	// 其他类别的额度不受挤占
	if ok, _, _ := l.Allow(CatInput); !ok {
		t.Error("input 类别应不受影响")
	}
}
