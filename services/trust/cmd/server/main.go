package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/rivalapexmediation/trustlayer/pkg/breaker"
	"github.com/rivalapexmediation/trustlayer/pkg/db"
	"github.com/rivalapexmediation/trustlayer/pkg/httpx"
	"github.com/rivalapexmediation/trustlayer/pkg/redisx"
	"github.com/rivalapexmediation/trustlayer/services/trust/internal/alert"
	"github.com/rivalapexmediation/trustlayer/services/trust/internal/config"
	"github.com/rivalapexmediation/trustlayer/services/trust/internal/keystore"
	"github.com/rivalapexmediation/trustlayer/services/trust/internal/ledger"
	"github.com/rivalapexmediation/trustlayer/services/trust/internal/reconcile"
	"github.com/rivalapexmediation/trustlayer/services/trust/internal/reportsclient"
	"github.com/rivalapexmediation/trustlayer/services/trust/internal/transparency"
)

func main() {
	log := logrus.New()

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("loading config")
	}
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	}

	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("connecting to postgres")
	}
	rdb, err := redisx.Connect(ctx, cfg.RedisAddr)
	if err != nil {
		log.WithError(err).Fatal("connecting to redis")
	}
	alerts := alert.NewLogEmitter(log)

	keyStore, err := keystore.NewPGStore(ctx, pool)
	if err != nil {
		log.WithError(err).Fatal("preparing key store")
	}
	custodian := keystore.New(keyStore, keystore.WithLogger(log))
	if _, err := custodian.Generate(ctx, cfg.SigningKeyID, "trust", nil); err != nil &&
		!errors.Is(err, keystore.ErrKeyExists) {
		log.WithError(err).Fatal("provisioning signing key")
	}

	registry, err := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		SuccessThreshold: cfg.BreakerSuccessThreshold,
		Timeout:          cfg.BreakerTimeout,
		MonitoringPeriod: cfg.BreakerMonitoringPeriod,
	}, breaker.WithLogger(log))
	if err != nil {
		log.WithError(err).Fatal("building breaker registry")
	}

	auctionStore, err := transparency.NewPGStore(ctx, pool)
	if err != nil {
		log.WithError(err).Fatal("preparing transparency store")
	}
	writer, err := transparency.NewWriter(transparency.Config{
		SamplingBps:   cfg.SamplingBps,
		SigningKeyID:  cfg.SigningKeyID,
		BreakerName:   cfg.BreakerName,
		FeeBps:        cfg.FeeBps,
		RetryAttempts: cfg.RetryAttempts,
		RetryMinDelay: cfg.RetryMinDelay,
		RetryMaxDelay: cfg.RetryMaxDelay,
	}, auctionStore, custodian, registry, alerts, transparency.WithLogger(log))
	if err != nil {
		log.WithError(err).Fatal("building transparency writer")
	}

	ledgerStore, err := ledger.NewPGStore(ctx, pool)
	if err != nil {
		log.WithError(err).Fatal("preparing ledger store")
	}
	led, err := ledger.New(ledgerStore, custodian, cfg.SigningKeyID, ledger.WithLogger(log))
	if err != nil {
		log.WithError(err).Fatal("building ledger")
	}
	proofCache := ledger.NewRedisProofCache(rdb)

	reconcileStore, err := reconcile.NewPGStore(ctx, pool)
	if err != nil {
		log.WithError(err).Fatal("preparing reconciliation store")
	}
	reconciler, err := reconcile.New(reconcileStore, ledgerStore, reportsclient.New(cfg.ReportsBaseURL), alerts,
		reconcile.Config{
			TolerancePct:     decimal.NewFromFloat(cfg.ReconcileTolerancePct),
			EscalationAmount: decimal.NewFromFloat(cfg.ReconcileEscalation),
			Retention:        cfg.ReconcileRetention,
		}, reconcile.WithLogger(log))
	if err != nil {
		log.WithError(err).Fatal("building reconciler")
	}

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })

	r.Route("/trust", func(api chi.Router) {

		api.Post("/auctions", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Request   transparency.AuctionRequest `json:"request"`
				Result    transparency.AuctionResult  `json:"result"`
				Timestamp *time.Time                  `json:"timestamp"`
			}
			if err := httpx.ReadJSON(w, r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			ts := time.Now().UTC()
			if req.Timestamp != nil {
				ts = *req.Timestamp
			}
			if err := writer.RecordAuction(r.Context(), req.Request, req.Result, ts); err != nil {
				httpx.WriteError(w, 500, "WRITE_FAILED", err.Error(), nil)
				return
			}
			httpx.Reply(w, 202, map[string]any{"recorded": true})
		})

		api.Post("/ledger/{publisher_id}/entries", func(w http.ResponseWriter, r *http.Request) {
			publisherID := chi.URLParam(r, "publisher_id")
			var req struct {
				SubjectID string         `json:"subject_id"`
				Payload   ledger.Payload `json:"payload"`
			}
			if err := httpx.ReadJSON(w, r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			entry, err := led.Append(r.Context(), ledger.Draft{
				SubjectID:   req.SubjectID,
				PublisherID: publisherID,
				Payload:     req.Payload,
			})
			if err != nil {
				httpx.WriteError(w, 500, "APPEND_FAILED", err.Error(), nil)
				return
			}
			httpx.Reply(w, 201, map[string]any{"entry": entry})
		})

		api.Get("/ledger/{publisher_id}/verify", func(w http.ResponseWriter, r *http.Request) {
			publisherID := chi.URLParam(r, "publisher_id")
			report, err := led.VerifyChain(r.Context(), publisherID)
			if err != nil {
				httpx.WriteError(w, 500, "VERIFY_FAILED", err.Error(), nil)
				return
			}
			httpx.Reply(w, 200, map[string]any{"report": report})
		})

		api.Post("/ledger/{publisher_id}/proof", func(w http.ResponseWriter, r *http.Request) {
			publisherID := chi.URLParam(r, "publisher_id")
			var req struct {
				PeriodStart time.Time `json:"period_start"`
				PeriodEnd   time.Time `json:"period_end"`
			}
			if err := httpx.ReadJSON(w, r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			proof, err := led.GenerateProof(r.Context(), proofCache, publisherID, req.PeriodStart, req.PeriodEnd, cfg.ProofCacheTTL)
			if err != nil {
				httpx.WriteError(w, 500, "PROOF_FAILED", err.Error(), nil)
				return
			}
			httpx.Reply(w, 200, map[string]any{"proof": proof})
		})

		api.Post("/reconcile", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				IdempotencyKey string `json:"idempotency_key"`
			}
			if err := httpx.ReadJSON(w, r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			if req.IdempotencyKey == "" {
				httpx.WriteError(w, 400, "MISSING_IDEMPOTENCY_KEY", "idempotency_key is required", nil)
				return
			}
			result, cached, err := reconciler.Reconcile(r.Context(), req.IdempotencyKey)
			if err != nil {
				httpx.WriteError(w, 500, "RECONCILE_FAILED", err.Error(), nil)
				return
			}
			httpx.Reply(w, 200, map[string]any{"cached": cached, "result": result})
		})

		api.Get("/metrics/writer", func(w http.ResponseWriter, r *http.Request) {
			httpx.Reply(w, 200, map[string]any{"metrics": writer.Metrics()})
		})

		api.Get("/breakers", func(w http.ResponseWriter, r *http.Request) {
			httpx.Reply(w, 200, map[string]any{
				"breakers":       registry.Snapshots(),
				"health_percent": registry.Health(),
			})
		})

		api.Get("/keys/export", func(w http.ResponseWriter, r *http.Request) {
			purpose := r.URL.Query().Get("purpose")
			keys, err := custodian.ExportPublicKeys(r.Context(), purpose)
			if err != nil {
				httpx.WriteError(w, 500, "EXPORT_FAILED", err.Error(), nil)
				return
			}
			httpx.Reply(w, 200, map[string]any{"keys": keys})
		})

		api.Post("/keys/rotate", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				OldKeyID  string `json:"old_key_id"`
				NewKeyID  string `json:"new_key_id"`
				Purpose   string `json:"purpose"`
				GraceDays int    `json:"grace_days"`
			}
			if err := httpx.ReadJSON(w, r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
				return
			}
			pair, err := custodian.Rotate(r.Context(), req.OldKeyID, req.NewKeyID, req.Purpose, req.GraceDays)
			if err != nil {
				if errors.Is(err, keystore.ErrKeyNotFound) {
					httpx.WriteError(w, 404, "NOT_FOUND", err.Error(), nil)
					return
				}
				httpx.WriteError(w, 500, "ROTATE_FAILED", err.Error(), nil)
				return
			}
			httpx.Reply(w, 200, map[string]any{"key": pair})
		})

		api.Post("/keys/expire", func(w http.ResponseWriter, r *http.Request) {
			n, err := custodian.ExpireOldKeys(r.Context())
			if err != nil {
				httpx.WriteError(w, 500, "SWEEP_FAILED", err.Error(), nil)
				return
			}
			httpx.Reply(w, 200, map[string]any{"deactivated": n})
		})
	})

	log.WithField("port", cfg.ServicePort).Info("trust service listening")
	if err := http.ListenAndServe(":"+cfg.ServicePort, r); err != nil {
		log.WithError(err).Fatal("server stopped")
	}
}
