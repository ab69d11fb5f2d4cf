// Package alert envia alertas operacionais para um webhook com cooldown por chave.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/radieske/vault-settlement/internal/coord"
)

const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Alert é o corpo JSON enviado ao webhook
type Alert struct {
	Key      string         `json:"key"`
	Severity string         `json:"severity"`
	Title    string         `json:"title"`
	Message  string         `json:"message,omitempty"`
	Fields   map[string]any `json:"fields,omitempty"`
	Source   string         `json:"source,omitempty"`
	Ts       time.Time      `json:"ts"`
}

// Notifier é o recorte usado por breaker e auditorias
type Notifier interface {
	Notify(ctx context.Context, a Alert)
}

type Webhook struct {
	URL      string
	HTTP     *http.Client
	Source   string
	rdb      *redis.Client
	cooldown time.Duration
	log      *zap.Logger
}

// New cria o webhook; URL vazia => alertas só vão para o log
func New(url string, rdb *redis.Client, cooldown time.Duration, source string, log *zap.Logger) *Webhook {
	return &Webhook{
		URL:      url,
		HTTP:     &http.Client{Timeout: 5 * time.Second},
		Source:   source,
		rdb:      rdb,
		cooldown: cooldown,
		log:      log.With(zap.String("component", "alert")),
	}
}

// Notify dispara o alerta em background (fire-and-forget)
func (w *Webhook) Notify(ctx context.Context, a Alert) {
	ctx = context.WithoutCancel(ctx)
	go func() {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if _, err := w.Send(ctx, a); err != nil {
			w.log.Warn("alert delivery failed", zap.String("key", a.Key), zap.Error(err))
		}
	}()
}

// Send entrega o alerta se a chave não estiver em cooldown; retorna se foi enviado
func (w *Webhook) Send(ctx context.Context, a Alert) (bool, error) {
	if a.Ts.IsZero() {
		a.Ts = time.Now().UTC()
	}
	if a.Source == "" {
		a.Source = w.Source
	}

	if w.cooldown > 0 && a.Key != "" {
		ok, err := w.rdb.SetNX(ctx, coord.AlertCooldownKey(a.Key), a.Ts.Unix(), w.cooldown).Result()
		if err != nil {
			return false, fmt.Errorf("alert cooldown: %w", err)
		}
		if !ok {
			w.log.Debug("alert suppressed by cooldown", zap.String("key", a.Key))
			return false, nil
		}
	}

	w.log.Warn("alert",
		zap.String("key", a.Key),
		zap.String("severity", a.Severity),
		zap.String("title", a.Title),
		zap.String("message", a.Message),
		zap.Any("fields", a.Fields),
	)
	if w.URL == "" {
		return true, nil
	}

	if err := w.post(ctx, a); err != nil {
		// libera o cooldown para a próxima tentativa
		if w.cooldown > 0 && a.Key != "" {
			_ = w.rdb.Del(ctx, coord.AlertCooldownKey(a.Key)).Err()
		}
		return false, err
	}
	return true, nil
}

func (w *Webhook) post(ctx context.Context, a Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := w.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		return fmt.Errorf("alert webhook http %d", res.StatusCode)
	}
	return nil
}
