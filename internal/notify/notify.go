// Package notify delivers fire-and-forget trading events to log, websocket and webhook sinks.
package notify

import (
	"time"

	"go.uber.org/zap"
)

// EventType 是通知事件的类型
type EventType string

const (
	OrderSubmitted  EventType = "order_submitted"
	OrderFilled     EventType = "order_filled"
	OrderCancelled  EventType = "order_cancelled"
	OrderFailed     EventType = "order_failed"
	StopLoss        EventType = "stop_loss"
	Liquidation     EventType = "liquidation"
	PositionSummary EventType = "position_summary"
)

// Event 是一条结构化通知
type Event struct {
	Type    EventType              `json:"type"`
	Market  string                 `json:"market,omitempty"`
	Message string                 `json:"message"`
	Fields  map[string]interface{} `json:"fields,omitempty"`
	Time    time.Time              `json:"time"`
}

// Notifier never blocks the trading cycle and never returns an error to it.
type Notifier interface {
	Notify(ev Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Notify(Event) {}

// Multi fans an event out to every sink.
type Multi []Notifier

func (m Multi) Notify(ev Event) {
	for _, n := range m {
		if n != nil {
			n.Notify(ev)
		}
	}
}

// LogNotifier writes events to the structured log.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Notify(ev Event) {
	fields := []zap.Field{
		zap.String("event", string(ev.Type)),
		zap.String("market", ev.Market),
		zap.Time("time", ev.Time),
	}
	for k, v := range ev.Fields {
		fields = append(fields, zap.Any(k, v))
	}
	switch ev.Type {
	case OrderFailed, StopLoss, Liquidation:
		l.logger.Warn(ev.Message, fields...)
	default:
		l.logger.Info(ev.Message, fields...)
	}
}
