package effects

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestQueue_RunsInOrderAndSwallowsFailures(t *testing.T) {
	var q Queue
	var order []string

	q.Add("a", func(context.Context) error { order = append(order, "a"); return nil })
	q.Add("b", func(context.Context) error { order = append(order, "b"); return errors.New("boom") })
	q.Add("c", func(context.Context) error { panic("bad") })
	q.Add("d", func(context.Context) error { order = append(order, "d"); return nil })

	failed := q.Run(context.Background(), zap.NewNop(), time.Second)
	assert.Equal(t, 2, failed)
	assert.Equal(t, []string{"a", "b", "d"}, order)
	assert.Equal(t, 0, q.Len())
}

func TestQueue_Discard(t *testing.T) {
	var q Queue
	ran := false
	q.Add("x", func(context.Context) error { ran = true; return nil })
	q.Discard()
	q.Run(context.Background(), zap.NewNop(), time.Second)
	assert.False(t, ran)
}
