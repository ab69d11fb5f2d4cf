// Package leader elege, por job, uma única réplica via lease no Redis e executa o job
// periodicamente enquanto a réplica for a líder.
package leader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/radieske/vault-settlement/internal/coord"
)

var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Job é uma tarefa singleton do cluster
type Job struct {
	Name     string
	Interval time.Duration
	TTL      time.Duration
	Run      func(ctx context.Context) error
}

// JobStatus é o estado exposto em /v1/status/leadership
type JobStatus struct {
	Job       string    `json:"job"`
	Leader    bool      `json:"leader"`
	Holder    string    `json:"holder,omitempty"`
	Interval  string    `json:"interval"`
	LastRun   time.Time `json:"lastRun,omitempty"`
	LastError string    `json:"lastError,omitempty"`
}

type jobState struct {
	job      Job
	leaseKey string

	mu       sync.Mutex
	isLeader bool
	cancel   context.CancelFunc // keepalive do lease enquanto o corpo roda
	lastRun  time.Time
	lastErr  string
}

func (js *jobState) leader() bool {
	js.mu.Lock()
	defer js.mu.Unlock()
	return js.isLeader
}

type Scheduler struct {
	rdb     *redis.Client
	id      string
	log     *zap.Logger
	metrics *Metrics
	now     func() time.Time
	// onChange observa as trocas de liderança (testes)
	onChange func(job string, leader bool)

	mu   sync.Mutex
	jobs []*jobState
}

// NewScheduler cria o scheduler; instanceID vazio => uuid
func NewScheduler(rdb *redis.Client, instanceID string, log *zap.Logger, m *Metrics) *Scheduler {
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	return &Scheduler{
		rdb:     rdb,
		id:      instanceID,
		log:     log.With(zap.String("component", "leader"), zap.String("instance_id", instanceID)),
		metrics: m,
		now:     time.Now,
	}
}

func (s *Scheduler) InstanceID() string { return s.id }

// Add registra um job; TTL padrão = 3x o intervalo
func (s *Scheduler) Add(j Job) {
	if j.Interval <= 0 {
		j.Interval = time.Minute
	}
	if j.TTL <= j.Interval {
		j.TTL = 3 * j.Interval
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, &jobState{job: j, leaseKey: coord.LeaderKey(j.Name)})
}

func (s *Scheduler) states() []*jobState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*jobState(nil), s.jobs...)
}

// Run roda um loop por job até o contexto acabar e então libera os leases
func (s *Scheduler) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, js := range s.states() {
		js := js
		g.Go(func() error {
			s.loop(gctx, js)
			return nil
		})
	}
	err := g.Wait()

	relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()
	s.Release(relCtx)
	if err != nil {
		return err
	}
	return ctx.Err()
}

func (s *Scheduler) loop(ctx context.Context, js *jobState) {
	s.log.Info("job scheduled",
		zap.String("job", js.job.Name),
		zap.Duration("interval", js.job.Interval),
		zap.Duration("ttl", js.job.TTL),
	)
	s.tick(ctx, js)
	ticker := time.NewTicker(js.job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, js)
		}
	}
}

// Tick executa um ciclo de todos os jobs em sequência (usado em testes e no vaultctl)
func (s *Scheduler) Tick(ctx context.Context) {
	for _, js := range s.states() {
		s.tick(ctx, js)
	}
}

func (s *Scheduler) tick(ctx context.Context, js *jobState) {
	ok, err := s.ensureLease(ctx, js)
	if err != nil {
		s.log.Warn("lease check failed", zap.String("job", js.job.Name), zap.Error(err))
		return
	}
	if !ok {
		return
	}

	kctx, cancel := context.WithCancel(ctx)
	js.mu.Lock()
	js.cancel = cancel
	js.mu.Unlock()
	go s.keepAlive(kctx, js)

	start := s.now()
	runErr := js.job.Run(ctx)
	elapsed := s.now().Sub(start)

	cancel()
	js.mu.Lock()
	js.cancel = nil
	js.lastRun = start
	js.lastErr = ""
	if runErr != nil {
		js.lastErr = runErr.Error()
	}
	js.mu.Unlock()

	result := "ok"
	if runErr != nil {
		result = "error"
		if !errors.Is(runErr, context.Canceled) {
			s.log.Warn("job failed", zap.String("job", js.job.Name), zap.Duration("elapsed", elapsed), zap.Error(runErr))
		}
	} else {
		s.log.Debug("job done", zap.String("job", js.job.Name), zap.Duration("elapsed", elapsed))
	}
	if s.metrics != nil {
		s.metrics.Runs.WithLabelValues(js.job.Name, result).Inc()
		s.metrics.RunDur.WithLabelValues(js.job.Name).Observe(elapsed.Seconds())
	}
}

// ensureLease renova o lease se já for líder, senão tenta adquirir
func (s *Scheduler) ensureLease(ctx context.Context, js *jobState) (bool, error) {
	if js.leader() {
		ok, err := s.renew(ctx, js)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		s.setLeader(js, false)
	}

	ok, err := s.rdb.SetNX(ctx, js.leaseKey, s.id, js.job.TTL).Result()
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", js.leaseKey, err)
	}
	if ok {
		s.setLeader(js, true)
	}
	return ok, nil
}

func (s *Scheduler) renew(ctx context.Context, js *jobState) (bool, error) {
	n, err := renewScript.Run(ctx, s.rdb, []string{js.leaseKey}, s.id, js.job.TTL.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("renew %s: %w", js.leaseKey, err)
	}
	return n == 1, nil
}

// keepAlive renova o lease a cada TTL/3 enquanto o corpo do job roda
func (s *Scheduler) keepAlive(ctx context.Context, js *jobState) {
	t := time.NewTicker(js.job.TTL / 3)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			ok, err := s.renew(ctx, js)
			if err != nil {
				if ctx.Err() == nil {
					s.log.Warn("lease renew failed", zap.String("job", js.job.Name), zap.Error(err))
				}
				continue
			}
			if !ok {
				// o corpo em execução termina; a próxima rodada não roda
				s.setLeader(js, false)
				return
			}
		}
	}
}

func (s *Scheduler) setLeader(js *jobState, v bool) {
	js.mu.Lock()
	changed := js.isLeader != v
	js.isLeader = v
	js.mu.Unlock()
	if !changed {
		return
	}
	event := "lost"
	gauge := 0.0
	if v {
		event, gauge = "acquired", 1
	}
	s.log.Info("leadership "+event, zap.String("job", js.job.Name))
	if s.onChange != nil {
		s.onChange(js.job.Name, v)
	}
	if s.metrics != nil {
		s.metrics.IsLeader.WithLabelValues(js.job.Name).Set(gauge)
		s.metrics.Changes.WithLabelValues(js.job.Name, event).Inc()
	}
}

// Release devolve os leases que esta instância ainda detém (compare-and-delete).
// A instância deixa de se considerar líder antes de apagar o lease.
func (s *Scheduler) Release(ctx context.Context) {
	for _, js := range s.states() {
		js.mu.Lock()
		if js.cancel != nil {
			js.cancel()
		}
		js.mu.Unlock()
		if !js.leader() {
			continue
		}
		s.setLeader(js, false)
		if err := releaseScript.Run(ctx, s.rdb, []string{js.leaseKey}, s.id).Err(); err != nil {
			s.log.Warn("lease release failed", zap.String("job", js.job.Name), zap.Error(err))
		}
	}
}

// Status devolve o estado local de cada job com o dono atual do lease
func (s *Scheduler) Status(ctx context.Context) ([]JobStatus, error) {
	states := s.states()
	out := make([]JobStatus, 0, len(states))
	for _, js := range states {
		holder, err := s.rdb.Get(ctx, js.leaseKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("get %s: %w", js.leaseKey, err)
		}
		js.mu.Lock()
		out = append(out, JobStatus{
			Job:       js.job.Name,
			Leader:    js.isLeader,
			Holder:    holder,
			Interval:  js.job.Interval.String(),
			LastRun:   js.lastRun,
			LastError: js.lastErr,
		})
		js.mu.Unlock()
	}
	return out, nil
}
