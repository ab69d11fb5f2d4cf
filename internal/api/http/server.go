// Package httpapi expõe a ingestão de eventos, saldos, auditorias e endpoints de status via REST.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/radieske/vault-settlement/internal/api/ws"
	"github.com/radieske/vault-settlement/internal/audit"
	"github.com/radieske/vault-settlement/internal/coord"
	"github.com/radieske/vault-settlement/internal/ledger/repo"
	"github.com/radieske/vault-settlement/internal/leader"
	"github.com/radieske/vault-settlement/internal/mutator"
	"github.com/radieske/vault-settlement/internal/oracle"
	"github.com/radieske/vault-settlement/internal/settlement"
	"github.com/radieske/vault-settlement/pkg/contracts/events"
)

type Applier interface {
	Apply(ctx context.Context, ev events.TransactionEvent) (mutator.Result, error)
}

type Enqueuer interface {
	Append(ctx context.Context, v any) (string, error)
}

type BalanceStore interface {
	GetBalance(ctx context.Context, username string) (int64, error)
}

type Auditor interface {
	Reconcile(ctx context.Context) (audit.ReconReport, error)
	PnL(ctx context.Context) (audit.PnLReport, error)
	GemFairness(ctx context.Context) (audit.FairnessReport, error)
}

type Bankroll interface {
	Check(ctx context.Context) (oracle.BankrollStatus, error)
	Last(ctx context.Context) (oracle.BankrollStatus, bool, error)
}

type Prices interface {
	Cached(ctx context.Context) (oracle.Quote, bool, error)
	SourceStats(ctx context.Context) (map[string]string, error)
}

type Circuit interface {
	Status(ctx context.Context) (settlement.BreakerStatus, error)
}

// API agrupa as dependências dos handlers REST
type API struct {
	Log      *zap.Logger
	Redis    *redis.Client
	Applier  Applier
	Stream   Enqueuer
	Ledger   BalanceStore
	Balances *coord.BalanceCache
	Auditor  Auditor
	Bankroll Bankroll
	Prices   Prices
	Circuit  Circuit
	Hub      *ws.Hub
	Jobs     []string // jobs com lease exibidos em /v1/status/leadership

	ApplyTimeout time.Duration
}

// Router retorna o roteador HTTP com os endpoints REST
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Post("/v1/transactions", a.submitTransaction)    // Ingestão de eventos dos game servers
	r.Get("/v1/balances/{username}", a.getBalance)     // Saldo (cache -> ledger)
	r.Get("/v1/audits/{name}", a.lastAudit)            // Último resultado publicado
	r.Post("/v1/audits/{name}", a.runAudit)            // Executa a auditoria agora
	r.Get("/v1/status/price", a.priceStatus)           // Preço em cache e estatística por fonte
	r.Get("/v1/status/bankroll", a.bankrollStatus)     // Último status do bankroll
	r.Get("/v1/status/leadership", a.leadershipStatus) // Dono de cada lease
	r.Get("/v1/status/circuit", a.circuitStatus)       // Estado do circuit breaker
	if a.Hub != nil {
		r.Get("/v1/ws", a.Hub.HandleWS) // Push de saldo por WebSocket
	}
	return r
}

// writeJSON serializa a resposta em JSON e define o status HTTP
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// submitTransaction aplica o evento (sync) ou enfileira no stream (?mode=async)
func (a *API) submitTransaction(w http.ResponseWriter, r *http.Request) {
	var ev events.TransactionEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeJSON(w, http.StatusBadRequest, TxResponse{Status: "rejected", Error: "invalid json: " + err.Error()})
		return
	}

	if strings.EqualFold(r.URL.Query().Get("mode"), "async") {
		if strings.TrimSpace(ev.EventID) == "" {
			writeJSON(w, http.StatusBadRequest, TxResponse{Status: "rejected", Error: "eventId required"})
			return
		}
		id, err := a.Stream.Append(r.Context(), ev)
		if err != nil {
			a.Log.Error("stream append failed", zap.String("event_id", ev.EventID), zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, TxResponse{Status: "error", Error: "queue unavailable"})
			return
		}
		writeJSON(w, http.StatusAccepted, TxResponse{Status: "queued", EntryID: id})
		return
	}

	ctx := r.Context()
	if a.ApplyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.ApplyTimeout)
		defer cancel()
	}
	res, err := a.Applier.Apply(ctx, ev)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, fromResult(res))
	case errors.Is(err, mutator.ErrInFlight):
		// outra réplica está aplicando o mesmo eventId; o cliente repete e recebe duplicate
		writeJSON(w, http.StatusConflict, TxResponse{Status: "in_progress", Error: err.Error()})
	case errors.Is(err, mutator.ErrValidation):
		writeJSON(w, http.StatusBadRequest, TxResponse{Status: "rejected", Error: err.Error()})
	case errors.Is(err, repo.ErrInsufficientFunds):
		writeJSON(w, http.StatusConflict, TxResponse{Status: "insufficient_funds", Error: err.Error()})
	default:
		a.Log.Error("apply failed", zap.String("event_id", ev.EventID), zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, TxResponse{Status: "error", Error: err.Error()})
	}
}

// getBalance retorna o saldo, preferencialmente do cache
func (a *API) getBalance(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	if a.Balances != nil {
		if bal, seq, ok, err := a.Balances.Get(r.Context(), username); err == nil && ok {
			writeJSON(w, http.StatusOK, BalanceResponse{Username: username, Balance: bal, Source: "cache", Seq: seq})
			return
		}
	}

	bal, err := a.Ledger.GetBalance(r.Context(), username)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{Username: username, Balance: bal, Source: "ledger"})
}

// lastAudit devolve o último resultado publicado no Redis
func (a *API) lastAudit(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var (
		raw json.RawMessage
		ok  bool
		err error
	)
	switch name {
	case "bankroll":
		ok, err = coord.ReadJSON(r.Context(), a.Redis, coord.BankrollKey, &raw)
	case audit.NameReconciliation, audit.NamePnL, audit.NameGemFairness:
		ok, err = audit.Last(r.Context(), a.Redis, name, &raw)
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown audit"})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no result published"})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

// runAudit executa a auditoria sob demanda e devolve o resultado
func (a *API) runAudit(w http.ResponseWriter, r *http.Request) {
	var (
		out any
		err error
	)
	switch chi.URLParam(r, "name") {
	case audit.NameReconciliation:
		out, err = a.Auditor.Reconcile(r.Context())
	case audit.NamePnL:
		out, err = a.Auditor.PnL(r.Context())
	case audit.NameGemFairness:
		out, err = a.Auditor.GemFairness(r.Context())
	case "bankroll":
		out, err = a.Bankroll.Check(r.Context())
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown audit"})
		return
	}
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) priceStatus(w http.ResponseWriter, r *http.Request) {
	var out PriceResponse
	q, ok, err := a.Prices.Cached(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if ok {
		out.Cached = true
		out.Price = q.Price.String()
		out.Source = q.Source
		out.FetchedAt = q.FetchedAt.UnixMilli()
	}
	if stats, err := a.Prices.SourceStats(r.Context()); err == nil {
		out.Sources = stats
	}
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, out)
}

func (a *API) bankrollStatus(w http.ResponseWriter, r *http.Request) {
	st, ok, err := a.Bankroll.Last(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no bankroll check published"})
		return
	}
	status := http.StatusOK
	if !st.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, st)
}

func (a *API) leadershipStatus(w http.ResponseWriter, r *http.Request) {
	ls, err := leader.Leases(r.Context(), a.Redis, a.Jobs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, ls)
}

func (a *API) circuitStatus(w http.ResponseWriter, r *http.Request) {
	st, err := a.Circuit.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
