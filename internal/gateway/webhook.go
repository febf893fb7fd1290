package gateway

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// SignatureHeader содержит подпись тела уведомления.
const SignatureHeader = "X-Paystack-Signature"

// EventChargeSuccess приходит при успешном списании.
const EventChargeSuccess = "charge.success"

// ErrBadSignature возвращается, если подпись уведомления не совпала.
var ErrBadSignature = errors.New("invalid webhook signature")

// Event описывает уведомление шлюза.
type Event struct {
	Event string      `json:"event"`
	Data  Transaction `json:"data"`
}

// Sign возвращает hex-представление HMAC-SHA512 тела уведомления.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// ParseEvent проверяет подпись и разбирает уведомление.
func ParseEvent(secret string, body []byte, signature string) (*Event, error) {
	if secret == "" {
		return nil, ErrNotConfigured
	}

	want := Sign(secret, body)
	if !hmac.Equal([]byte(want), []byte(signature)) {
		return nil, ErrBadSignature
	}

	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("decode webhook: %w", err)
	}
	return &ev, nil
}
