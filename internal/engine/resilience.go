package engine

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ParseSignal разбирает сигнал "<id>:on" / "<id>:off". Сам id может содержать ':'.
func ParseSignal(payload string) (id string, status bool, ok bool) {
	i := strings.LastIndex(payload, ":")
	if i <= 0 || i == len(payload)-1 {
		return "", false, false
	}
	switch payload[i+1:] {
	case "on", "true":
		return payload[:i], true, true
	case "off", "false":
		return payload[:i], false, true
	default:
		return "", false, false
	}
}

// FormatSignal — обратная операция к ParseSignal.
func FormatSignal(id string, status bool) string {
	if status {
		return id + ":on"
	}
	return id + ":off"
}

// ListenStateResilient — универсальный цикл для "живучей" подписки на сигналы Redis.
// Обрабатывает переподключения, логирование и разбор сигналов.
func ListenStateResilient(
	ctx context.Context,
	rdb *redis.Client,
	logger *zap.Logger,
	channel string,
	onReconnect func() error, // Callback для синхронизации при переподключении
	onMessage func(id string, status bool), // Callback для обработки сообщения
) {
	for {
		if ctx.Err() != nil {
			return
		}
		pubsub := rdb.Subscribe(ctx, channel)

		// Проверка успешности подписки
		if _, err := pubsub.Receive(ctx); err != nil {
			pubsub.Close()
			if ctx.Err() != nil {
				return
			}
			logger.Error("failed to subscribe", zap.String("chan", channel), zap.Error(err))
			sleepCtx(ctx, 5*time.Second)
			continue
		}

		// Вызываем синхронизацию при каждом успешном коннекте
		if err := onReconnect(); err != nil {
			logger.Error("sync failed on reconnect", zap.Error(err))
		}

		ch := pubsub.Channel()

	loop:
		for {
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break loop // Канал закрыт, идем на переподключение
				}

				id, status, valid := ParseSignal(msg.Payload)
				if !valid {
					logger.Error("invalid signal format", zap.String("payload", msg.Payload))
					continue
				}
				onMessage(id, status)
			}
		}

		pubsub.Close()
		sleepCtx(ctx, time.Second)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
