package ledgersync

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/crypto/bcrypt"

	"github.com/hazyhaar/sheetledger/breaker"
	"github.com/hazyhaar/sheetledger/kit"
	"github.com/hazyhaar/sheetledger/ledger"
	"github.com/hazyhaar/sheetledger/ledgersync/internal/approval"
	"github.com/hazyhaar/sheetledger/ledgersync/internal/lock"
	"github.com/hazyhaar/sheetledger/ledgersync/internal/store"
	"github.com/hazyhaar/sheetledger/safeguard"
	"github.com/hazyhaar/sheetledger/shield"
)

// Handler returns the operator HTTP API. /health and /metrics are public;
// everything under /api requires basic auth against cfg.Users.
func (svc *Service) Handler() http.Handler {
	ep := svc.endpoints
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(shield.SecurityHeaders(shield.APIHeaders()))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", svc.metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(svc.requireOperator)

		r.Get("/health", svc.handle(ep.health, http.StatusOK, bindNone))

		r.Get("/queue", svc.handle(ep.listQueue, http.StatusOK, bindNone))
		r.Post("/queue/pause", svc.handle(ep.pauseQueue, http.StatusOK, bindNone))
		r.Post("/queue/resume", svc.handle(ep.resumeQueue, http.StatusOK, bindNone))
		r.Post("/sync", svc.handle(ep.submitSync, http.StatusAccepted, bindBody[syncRequest]))
		r.Get("/runs", svc.handle(ep.listRuns, http.StatusOK, func(r *http.Request) (any, error) {
			return &runsRequest{SheetID: r.URL.Query().Get("sheet"), Limit: queryInt(r, "limit", 50)}, nil
		}))

		r.Post("/sheets/{sheet}/circuit/reset", svc.handle(ep.resetCircuit, http.StatusOK, bindSheet))
		r.Post("/sheets/{sheet}/cache/invalidate", svc.handle(ep.invalidateCache, http.StatusOK, bindSheet))
		r.Get("/sheets", svc.handle(ep.listSheets, http.StatusOK, func(r *http.Request) (any, error) {
			return &listSheetsRequest{ActiveOnly: r.URL.Query().Get("active") == "true"}, nil
		}))
		r.Put("/sheets/{sheet}", svc.handle(ep.registerSheet, http.StatusOK, func(r *http.Request) (any, error) {
			p, err := bindBody[registerSheetRequest](r)
			if err != nil {
				return nil, err
			}
			p.(*registerSheetRequest).ID = chi.URLParam(r, "sheet")
			return p, nil
		}))
		r.Put("/budgets/{department}/{period}", svc.handle(ep.setBudget, http.StatusOK, func(r *http.Request) (any, error) {
			p, err := bindBody[budgetRequest](r)
			if err != nil {
				return nil, err
			}
			b := p.(*budgetRequest)
			b.Department = chi.URLParam(r, "department")
			b.Period = chi.URLParam(r, "period")
			return b, nil
		}))

		r.Get("/approvals", svc.handle(ep.listPending, http.StatusOK, func(r *http.Request) (any, error) {
			return &departmentRequest{Department: r.URL.Query().Get("department")}, nil
		}))
		r.Post("/approvals/bulk", svc.handle(ep.bulkApprove, http.StatusOK, bindBody[bulkApproveRequest]))
		r.Post("/approvals/{id}/approve", svc.handle(ep.approve, http.StatusOK, func(r *http.Request) (any, error) {
			p, err := bindBody[approveRequest](r)
			if err != nil {
				return nil, err
			}
			p.(*approveRequest).ID = chi.URLParam(r, "id")
			return p, nil
		}))
		r.Post("/approvals/{id}/reject", svc.handle(ep.reject, http.StatusOK, func(r *http.Request) (any, error) {
			p, err := bindBody[rejectRequest](r)
			if err != nil {
				return nil, err
			}
			p.(*rejectRequest).ID = chi.URLParam(r, "id")
			return p, nil
		}))
		r.Get("/transactions", svc.handle(ep.listTransactions, http.StatusOK, func(r *http.Request) (any, error) {
			q := r.URL.Query()
			return &transactionsRequest{
				Status:     q.Get("status"),
				Department: q.Get("department"),
				SheetID:    q.Get("sheet"),
				Period:     q.Get("period"),
				Limit:      queryInt(r, "limit", 0),
			}, nil
		}))

		r.Get("/anomalies", svc.handle(ep.listAnomalies, http.StatusOK, func(r *http.Request) (any, error) {
			q := r.URL.Query()
			return &anomaliesRequest{
				TransactionID:  q.Get("transaction"),
				Type:           q.Get("type"),
				MinSeverity:    q.Get("min_severity"),
				IncludeIgnored: q.Get("include_ignored") == "true",
				Limit:          queryInt(r, "limit", 0),
			}, nil
		}))
		r.Post("/anomalies/{id}/ignore", svc.handle(ep.ignoreAnomaly, http.StatusOK, bindID))
		r.Post("/anomalies/digest", svc.handle(ep.sendDigest, http.StatusOK, bindBody[digestRequest]))

		r.Get("/locks", svc.handle(ep.listLocks, http.StatusOK, func(r *http.Request) (any, error) {
			return &sheetRequest{SheetID: r.URL.Query().Get("sheet")}, nil
		}))
		r.Post("/locks/{sheet}/{period}", svc.handle(ep.lock, http.StatusOK, bindPeriod))
		r.Delete("/locks/{sheet}/{period}", svc.handle(ep.unlock, http.StatusOK, bindPeriod))
		r.Post("/locks/sweep", svc.handle(ep.sweep, http.StatusOK, bindNone))
		r.Get("/unlock-requests", svc.handle(ep.listUnlockRequests, http.StatusOK, func(r *http.Request) (any, error) {
			return &statusRequest{Status: r.URL.Query().Get("status")}, nil
		}))
		r.Post("/unlock-requests", svc.handle(ep.requestUnlock, http.StatusCreated, bindBody[unlockRequest]))
		r.Post("/unlock-requests/{id}/approve", svc.handle(ep.approveUnlock, http.StatusOK, bindID))

		r.Get("/audit", svc.handle(ep.auditLog, http.StatusOK, func(r *http.Request) (any, error) {
			q := r.URL.Query()
			return &auditRequest{
				Action:   q.Get("action"),
				EntityID: q.Get("entity"),
				Actor:    q.Get("actor"),
				Limit:    queryInt(r, "limit", 100),
			}, nil
		}))
	})
	return r
}

// requireOperator checks basic-auth credentials against the bcrypt hashes
// of cfg.Users and binds the operator to the request context. Clients with
// too many recent failures are refused before the password is checked.
func (svc *Service) requireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ip := shield.ClientIP(r, svc.cfg.HTTP.TrustProxy)
		if svc.lockout.Blocked(ctx, ip) {
			w.Header().Set("Retry-After", strconv.Itoa(svc.lockout.RetryAfter()))
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "too many failed logins"})
			return
		}
		name, password, ok := r.BasicAuth()
		hash, known := svc.cfg.Users[name]
		if !ok || !known || bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
			if _, err := svc.lockout.Fail(ctx, ip); err != nil {
				svc.logger.Warn("ledgersync: record login failure", "ip", ip, "error", err)
			}
			w.Header().Set("WWW-Authenticate", `Basic realm="sheetledger"`)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
			return
		}
		if err := svc.lockout.Reset(ctx, ip); err != nil {
			svc.logger.Warn("ledgersync: reset login failures", "ip", ip, "error", err)
		}
		ctx = kit.WithCaller(ctx, kit.Caller{
			Actor:      name,
			Transport:  "http",
			RequestID:  middleware.GetReqID(ctx),
			RemoteAddr: ip,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (svc *Service) handle(ep kit.Endpoint, code int, bind func(*http.Request) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := bind(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		resp, err := ep(r.Context(), req)
		if err != nil {
			code := statusFor(err)
			if code >= http.StatusInternalServerError {
				svc.logger.Error("ledgersync: http", "path", r.URL.Path, "error", err)
			}
			writeError(w, code, err)
			return
		}
		writeJSON(w, code, resp)
	}
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, lock.ErrSelfApproval):
		return http.StatusForbidden
	case errors.Is(err, approval.ErrConflict),
		errors.Is(err, store.ErrStale),
		errors.Is(err, lock.ErrResolved),
		errors.Is(err, lock.ErrNotLocked):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidInput),
		errors.Is(err, approval.ErrReasonRequired),
		errors.Is(err, lock.ErrReasonRequired),
		errors.Is(err, ledger.ErrInvalidEntry):
		return http.StatusBadRequest
	case errors.Is(err, lock.ErrCurrentPeriod),
		errors.Is(err, ledger.ErrUnknownFund),
		errors.Is(err, ledger.ErrUnknownAccount):
		return http.StatusUnprocessableEntity
	}
	var open *breaker.OpenError
	if errors.As(err, &open) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func bindNone(*http.Request) (any, error) { return &emptyRequest{}, nil }

func bindSheet(r *http.Request) (any, error) {
	return &sheetRequest{SheetID: chi.URLParam(r, "sheet")}, nil
}

func bindID(r *http.Request) (any, error) {
	return &idRequest{ID: chi.URLParam(r, "id")}, nil
}

func bindPeriod(r *http.Request) (any, error) {
	return &periodRequest{SheetID: chi.URLParam(r, "sheet"), Period: chi.URLParam(r, "period")}, nil
}

// bindBody decodes an optional JSON body into a fresh T.
func bindBody[T any](r *http.Request) (any, error) {
	var v T
	data, err := safeguard.LimitedReadAll(r.Body, safeguard.MaxBody)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return &v, nil
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("invalid JSON body: %w", err)
	}
	return &v, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
