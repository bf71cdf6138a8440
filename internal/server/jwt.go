package server

import (
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// SessionTTL 会话令牌有效期：覆盖一局比赛加重连余量
	SessionTTL = 10 * time.Minute

	tokenIssuer = "driftkart-server"
)

// Claims 会话令牌声明：断线重连时凭此找回原有槽位。
type Claims struct {
	PlayerID string `json:"player_id"`
	RoomID   string `json:"room_id,omitempty"`
	jwt.RegisteredClaims
}

// getSigningKey 从环境变量 DRIFTKART_JWT_SECRET 读取签名密钥，
// 不存在时使用开发默认值。
func getSigningKey() []byte {
	secret := os.Getenv("DRIFTKART_JWT_SECRET")
	if secret == "" {
		secret = "driftkart-dev-secret-change-in-production"
	}
	return []byte(secret)
}

// GenerateSessionToken 生成会话令牌。
func GenerateSessionToken(playerID, roomID string) (string, error) {
	now := time.Now()
	claims := Claims{
		PlayerID: playerID,
		RoomID:   roomID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   playerID,
			ExpiresAt: jwt.NewNumericDate(now.Add(SessionTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(getSigningKey())
}

// VerifySessionToken 验证并解析令牌，返回 playerID 与 roomID。
func VerifySessionToken(tokenString string) (string, string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return getSigningKey(), nil
	})
	if err != nil {
		return "", "", fmt.Errorf("令牌解析失败: %w", err)
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims.PlayerID, claims.RoomID, nil
	}
	return "", "", fmt.Errorf("无效令牌")
}
