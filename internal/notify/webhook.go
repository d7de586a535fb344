package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const (
	colorInfo  = 0x3498db
	colorAlert = 0xe74c3c
)

// Webhook posts Discord-style embeds. Delivery runs on its own goroutine.
type Webhook struct {
	url    string
	client *http.Client
	queue  chan Event
	logger *zap.Logger
}

// NewWebhook starts the delivery goroutine. An empty url yields nil.
func NewWebhook(url string, logger *zap.Logger) *Webhook {
	if url == "" {
		return nil
	}
	w := &Webhook{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		queue:  make(chan Event, 64),
		logger: logger,
	}
	go w.loop()
	return w
}

func (w *Webhook) Notify(ev Event) {
	select {
	case w.queue <- ev:
	default:
		w.logger.Debug("Webhook 队列已满, 丢弃事件", zap.String("event", string(ev.Type)))
	}
}

// Close stops delivery after the queued events are sent.
func (w *Webhook) Close() {
	close(w.queue)
}

func (w *Webhook) loop() {
	for ev := range w.queue {
		if err := w.send(ev); err != nil {
			w.logger.Warn("发送 Webhook 通知失败", zap.String("event", string(ev.Type)), zap.Error(err))
		}
	}
}

func (w *Webhook) send(ev Event) error {
	color := colorInfo
	switch ev.Type {
	case OrderFailed, StopLoss, Liquidation:
		color = colorAlert
	}

	fields := make([]map[string]interface{}, 0, len(ev.Fields))
	for k, v := range ev.Fields {
		fields = append(fields, map[string]interface{}{"name": k, "value": fmt.Sprint(v), "inline": true})
	}

	payload := map[string]interface{}{
		"embeds": []map[string]interface{}{
			{
				"title":       fmt.Sprintf("[%s] %s", ev.Type, ev.Market),
				"description": ev.Message,
				"color":       color,
				"fields":      fields,
				"timestamp":   ev.Time.Format(time.RFC3339),
			},
		},
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	resp, err := w.client.Post(w.url, "application/json", bytes.NewBuffer(data))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status: %d", resp.StatusCode)
	}
	return nil
}
