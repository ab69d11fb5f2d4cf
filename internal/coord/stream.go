package coord

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const payloadField = "payload"

// Entry é uma mensagem lida do stream
type Entry struct {
	ID      string
	Payload []byte
}

// DeadLetter é o formato gravado no stream de dead-letter
type DeadLetter struct {
	OriginalID string    `json:"original_id"`
	Stream     string    `json:"stream"`
	Error      string    `json:"error"`
	Reason     string    `json:"reason,omitempty"`
	Payload    string    `json:"payload"`
	Timestamp  time.Time `json:"timestamp"`
}

// Stream encapsula o log append-only de eventos e seu dead-letter
type Stream struct {
	rdb  *redis.Client
	name string
	dlq  string
}

func NewStream(rdb *redis.Client, name, dlq string) *Stream {
	return &Stream{rdb: rdb, name: name, dlq: dlq}
}

func (s *Stream) Name() string { return s.name }

// Append grava v (JSON) no fim do stream e retorna o id gerado
func (s *Stream) Append(ctx context.Context, v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal stream payload: %w", err)
	}
	return s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.name,
		Values: map[string]any{payloadField: b},
	}).Result()
}

// Read lê até n entradas a partir do início do stream (pull, sem consumer group)
func (s *Stream) Read(ctx context.Context, n int64) ([]Entry, error) {
	msgs, err := s.rdb.XRangeN(ctx, s.name, "-", "+", n).Result()
	if err != nil {
		return nil, fmt.Errorf("xrange %s: %w", s.name, err)
	}
	out := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, Entry{ID: m.ID, Payload: fieldBytes(m.Values[payloadField])})
	}
	return out, nil
}

// Remove apaga entradas já processadas
func (s *Stream) Remove(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.rdb.XDel(ctx, s.name, ids...).Err()
}

// Len retorna a profundidade atual do stream
func (s *Stream) Len(ctx context.Context) (int64, error) {
	return s.rdb.XLen(ctx, s.name).Result()
}

// MoveToDLQ grava a entrada no dead-letter com o erro e a remove do stream vivo
func (s *Stream) MoveToDLQ(ctx context.Context, e Entry, cause error, reason string) error {
	dl := DeadLetter{
		OriginalID: e.ID,
		Stream:     s.name,
		Reason:     reason,
		Payload:    string(e.Payload),
		Timestamp:  time.Now().UTC(),
	}
	if cause != nil {
		dl.Error = cause.Error()
	}
	b, err := json.Marshal(dl)
	if err != nil {
		return err
	}
	if err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.dlq,
		Values: map[string]any{payloadField: b},
	}).Err(); err != nil {
		return fmt.Errorf("xadd dlq: %w", err)
	}
	return s.Remove(ctx, e.ID)
}

// DeadLetters lê até n entradas do dead-letter (usado pelo vaultctl)
func (s *Stream) DeadLetters(ctx context.Context, n int64) ([]DeadLetter, error) {
	msgs, err := s.rdb.XRangeN(ctx, s.dlq, "-", "+", n).Result()
	if err != nil {
		return nil, fmt.Errorf("xrange %s: %w", s.dlq, err)
	}
	out := make([]DeadLetter, 0, len(msgs))
	for _, m := range msgs {
		var dl DeadLetter
		if err := json.Unmarshal(fieldBytes(m.Values[payloadField]), &dl); err != nil {
			continue
		}
		out = append(out, dl)
	}
	return out, nil
}

// Requeue devolve até n entradas do dead-letter ao stream vivo, na ordem original
func (s *Stream) Requeue(ctx context.Context, n int64) (int, error) {
	msgs, err := s.rdb.XRangeN(ctx, s.dlq, "-", "+", n).Result()
	if err != nil {
		return 0, fmt.Errorf("xrange %s: %w", s.dlq, err)
	}
	moved := 0
	for _, m := range msgs {
		var dl DeadLetter
		if err := json.Unmarshal(fieldBytes(m.Values[payloadField]), &dl); err != nil {
			return moved, fmt.Errorf("decode dead letter %s: %w", m.ID, err)
		}
		_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.XAdd(ctx, &redis.XAddArgs{Stream: s.name, Values: map[string]any{payloadField: dl.Payload}})
			p.XDel(ctx, s.dlq, m.ID)
			return nil
		})
		if err != nil {
			return moved, fmt.Errorf("requeue %s: %w", m.ID, err)
		}
		moved++
	}
	return moved, nil
}

// DeadLetterLen retorna o tamanho do dead-letter
func (s *Stream) DeadLetterLen(ctx context.Context) (int64, error) {
	return s.rdb.XLen(ctx, s.dlq).Result()
}

func fieldBytes(v any) []byte {
	switch t := v.(type) {
	case string:
		return []byte(t)
	case []byte:
		return t
	default:
		return nil
	}
}
