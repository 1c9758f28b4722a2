package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	echomw "github.com/useautumn/autumn-sub003/middleware/echo"
	fibermw "github.com/useautumn/autumn-sub003/middleware/fiber"
	ginmw "github.com/useautumn/autumn-sub003/middleware/gin"
	httpmw "github.com/useautumn/autumn-sub003/middleware/http"
	"github.com/useautumn/autumn-sub003/pkg/billing"
	"github.com/useautumn/autumn-sub003/pkg/billing/stripe"
	"github.com/useautumn/autumn-sub003/pkg/billsync"
)

const webhookPath = "/webhooks/stripe"

func newServeCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the webhook endpoint",
		Long: `Serve POST /webhooks/stripe/{org}/{env} together with /healthz and /metrics.

The HTTP stack is selected with server.router (chi, http, gin, echo or fiber).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			wh, err := stripe.NewWebhookHandler(a.stripeConfig())
			if err != nil {
				return err
			}
			if len(a.tenants) == 0 {
				c.logger.Warn("no tenants configured; every webhook will be rejected")
			}
			return a.serve(ctx, wh)
		},
	}
}

func (a *app) serve(ctx context.Context, wh *stripe.WebhookHandler) error {
	srv := a.cfg.Server
	log := billsync.WithFields(a.logger, billsync.F("addr", srv.Addr), billsync.F("router", srv.Router))

	if srv.Router == "fiber" {
		fapp := a.fiberApp(wh)
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			log.Info("billsyncd listening")
			return fapp.Listen(srv.Addr)
		})
		g.Go(func() error {
			<-gctx.Done()
			return fapp.ShutdownWithTimeout(srv.ShutdownTimeout)
		})
		return g.Wait()
	}

	server := &http.Server{
		Addr:         srv.Addr,
		Handler:      a.handler(wh),
		ReadTimeout:  srv.ReadTimeout,
		WriteTimeout: srv.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("billsyncd listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), srv.ShutdownTimeout)
		defer cancel()
		log.Info("shutting down")
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// handler mounts the webhook route on the configured net/http-compatible router.
func (a *app) handler(wh *stripe.WebhookHandler) http.Handler {
	metrics := promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})
	maxBody := a.cfg.Stripe.MaxBodyBytes

	switch a.cfg.Server.Router {
	case "http":
		mux := http.NewServeMux()
		mux.Handle("POST "+webhookPath+"/{org}/{env}", httpmw.Handler(httpmw.Config{Receiver: wh, MaxBodyBytes: maxBody}))
		mux.HandleFunc("GET /healthz", a.healthz)
		mux.Handle("GET /metrics", metrics)
		return mux

	case "gin":
		gin.SetMode(gin.ReleaseMode)
		r := gin.New()
		r.Use(gin.Recovery())
		r.POST(webhookPath+"/:org/:env", ginmw.Webhook(ginmw.Config{Receiver: wh, MaxBodyBytes: maxBody}))
		r.GET("/healthz", gin.WrapF(a.healthz))
		r.GET("/metrics", gin.WrapH(metrics))
		return r

	case "echo":
		e := echo.New()
		e.HideBanner = true
		e.POST(webhookPath+"/:org/:env", echomw.Webhook(echomw.Config{Receiver: wh, MaxBodyBytes: maxBody}))
		e.GET("/healthz", echo.WrapHandler(http.HandlerFunc(a.healthz)))
		e.GET("/metrics", echo.WrapHandler(metrics))
		return e

	default:
		r := chi.NewRouter()
		r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
		r.Method(http.MethodPost, webhookPath+"/{org}/{env}", wh.Handler(chiScope))
		r.Get("/healthz", a.healthz)
		r.Method(http.MethodGet, "/metrics", metrics)
		return r
	}
}

func (a *app) fiberApp(wh *stripe.WebhookHandler) *fiber.App {
	maxBody := int(a.cfg.Stripe.MaxBodyBytes)
	fapp := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		BodyLimit:             maxBody,
		ReadTimeout:           a.cfg.Server.ReadTimeout,
		WriteTimeout:          a.cfg.Server.WriteTimeout,
	})
	fapp.Post(webhookPath+"/:org/:env", fibermw.Webhook(fibermw.Config{Receiver: wh, MaxBodyBytes: maxBody}))
	fapp.Get("/healthz", adaptor.HTTPHandlerFunc(a.healthz))
	fapp.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})))
	return fapp
}

func chiScope(r *http.Request) (billsync.Scope, error) {
	return billing.ParseScope(chi.URLParam(r, "org"), chi.URLParam(r, "env"))
}

func (a *app) healthz(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{}
	code := http.StatusOK
	for name, check := range a.checks {
		if err := check(r.Context()); err != nil {
			a.logger.Warn("health check failed", billsync.F("dependency", name), billsync.F("error", err))
			status[name] = "down"
			code = http.StatusServiceUnavailable
			continue
		}
		status[name] = "up"
	}
	writeJSON(w, code, map[string]interface{}{"ok": code == http.StatusOK, "dependencies": status})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
