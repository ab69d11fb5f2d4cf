// Package effects acumula efeitos colaterais que só podem rodar depois do commit
// durável no ledger (pub/sub, cache, gatilhos). Falhas são logadas e nunca propagadas.
package effects

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type effect struct {
	name string
	fn   func(ctx context.Context) error
}

// Queue não é thread-safe; cada mutação usa a sua
type Queue struct {
	items []effect
}

// Add registra um efeito; a ordem de execução é a de inserção
func (q *Queue) Add(name string, fn func(ctx context.Context) error) {
	q.items = append(q.items, effect{name: name, fn: fn})
}

func (q *Queue) Len() int { return len(q.items) }

// Run executa todos os efeitos com timeout individual e esvazia a fila.
// Retorna quantos falharam.
func (q *Queue) Run(ctx context.Context, log *zap.Logger, timeout time.Duration) int {
	failed := 0
	for _, e := range q.items {
		ectx, cancel := context.WithTimeout(ctx, timeout)
		err := safeRun(ectx, e.fn)
		cancel()
		if err != nil {
			failed++
			log.Warn("post-commit effect failed", zap.String("effect", e.name), zap.Error(err))
		}
	}
	q.items = q.items[:0]
	return failed
}

// Discard abandona os efeitos (mutação não foi aplicada)
func (q *Queue) Discard() { q.items = q.items[:0] }

func safeRun(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError{r}
		}
	}()
	return fn(ctx)
}

type panicError struct{ v any }

func (p panicError) Error() string { return "panic in effect" }
