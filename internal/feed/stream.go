package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"tradeforge/internal/domain"
)

const maxReconnectAttempts = 10

// klineEvent is the venue's kline stream payload. Only closed candles
// (Final == true) are forwarded downstream; a candle is immutable once
// emitted.
type klineEvent struct {
	EventType string `json:"e"`
	Kline     struct {
		OpenTime  int64  `json:"t"`
		CloseTime int64  `json:"T"`
		Open      string `json:"o"`
		High      string `json:"h"`
		Low       string `json:"l"`
		Close     string `json:"c"`
		Volume    string `json:"v"`
		Final     bool   `json:"x"`
	} `json:"k"`
}

// Stream connects to the kline websocket and forwards closed candles.
// Dropped connections reconnect with exponential backoff up to
// maxReconnectAttempts before the channel closes.
func (s *BinanceSource) Stream(ctx context.Context, symbol string, interval domain.Interval) (<-chan domain.Candle, error) {
	endpoint := fmt.Sprintf("%s/ws/%s@kline_%s", s.streamURL, strings.ToLower(symbol), interval)
	conn, err := dial(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("stream %s: %w", symbol, err)
	}

	out := make(chan domain.Candle)
	go s.readLoop(ctx, conn, endpoint, symbol, out)
	return out, nil
}

func dial(ctx context.Context, endpoint string) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, endpoint, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(65536)
	return conn, nil
}

func (s *BinanceSource) readLoop(ctx context.Context, conn *websocket.Conn, endpoint, symbol string, out chan<- domain.Candle) {
	defer close(out)
	defer func() {
		if conn != nil {
			conn.Close(websocket.StatusNormalClosure, "stream closed")
		}
	}()

	attempts := 0
	for {
		if conn == nil {
			attempts++
			if attempts > maxReconnectAttempts {
				s.logger.Error("stream reconnect budget exhausted", "symbol", symbol, "attempts", attempts)
				return
			}
			backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
			s.logger.Warn("stream dropped, reconnecting",
				"symbol", symbol,
				"attempt", attempts,
				"backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			var err error
			conn, err = dial(ctx, endpoint)
			if err != nil {
				s.logger.Warn("stream redial failed", "symbol", symbol, "error", err)
				conn = nil
				continue
			}
		}

		_, msg, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			conn.Close(websocket.StatusAbnormalClosure, "reconnecting")
			conn = nil
			continue
		}
		attempts = 0

		var event klineEvent
		if err := json.Unmarshal(msg, &event); err != nil || event.EventType != "kline" {
			continue
		}
		if !event.Kline.Final {
			continue
		}
		candle, err := candleFromStrings(
			event.Kline.OpenTime, event.Kline.CloseTime,
			event.Kline.Open, event.Kline.High, event.Kline.Low,
			event.Kline.Close, event.Kline.Volume,
		)
		if err != nil {
			s.logger.Warn("malformed kline event dropped", "symbol", symbol, "error", err)
			continue
		}
		select {
		case out <- candle:
		case <-ctx.Done():
			return
		}
	}
}
