package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"driftkart/internal/server"
)

func main() {
	addr := flag.String("addr", ":9000", "监听地址")
	proto := flag.String("proto", "tcp", "传输协议: tcp / kcp / ws")
	laps := flag.Int("laps", 3, "完赛圈数")
	flag.Parse()

	log.Println("========================================")
	log.Println("  DriftKart 权威模拟服务器")
	log.Printf("  协议: %s  地址: %s  圈数: %d", *proto, *addr, *laps)
	log.Println("========================================")

	s, err := server.NewGameServer(*proto, *addr, int32(*laps))
	if err != nil {
		log.Fatalf("启动失败: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("收到信号 %v, 开始停机", sig)
		s.Stop()
	}()

	if err := s.Serve(); err != nil {
		log.Fatalf("服务异常退出: %v", err)
	}
	log.Println("服务器已停止")
}
