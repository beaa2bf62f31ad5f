package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/nazeru/warehousing-go/internal/fulfillment/consumer"
	"github.com/nazeru/warehousing-go/internal/fulfillment/domain"
	"github.com/nazeru/warehousing-go/pkg/kafka"
	"github.com/nazeru/warehousing-go/pkg/logging"
	"github.com/nazeru/warehousing-go/pkg/metrics"
)

type cfg struct {
	Port            string
	DatabaseURL     string
	KafkaBrokers    string
	Topic           string
	GroupID         string
	MigrationsPath  string
	ShutdownTimeout time.Duration
}

func readCfg() cfg {
	return cfg{
		Port:            getenv("PORT", "8081"),
		DatabaseURL:     strings.TrimSpace(os.Getenv("DATABASE_URL")),
		KafkaBrokers:    getenv("KAFKA_BROKERS", ""),
		Topic:           getenv("KAFKA_TOPIC", "wms.reservation-events"),
		GroupID:         getenv("KAFKA_GROUP_ID", "fulfillment-service"),
		MigrationsPath:  getenv("MIGRATIONS_PATH", "file://db/migrations"),
		ShutdownTimeout: 15 * time.Second,
	}
}

func main() {
	_ = godotenv.Load()
	cfg := readCfg()
	logger := logging.New("fulfillment-service")
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var orderStore consumer.OrderStore
	if cfg.DatabaseURL != "" {
		if err := runMigrations(cfg); err != nil {
			logger.Fatal("migrations failed", zap.Error(err))
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("db connect failed", zap.Error(err))
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			logger.Fatal("db ping failed", zap.Error(err))
		}
		orderStore = consumer.NewPostgresOrderStore(pool)
		logger.Info("postgres order store ready")
	} else {
		orderStore = consumer.NewMemoryOrderStore()
		logger.Warn("DATABASE_URL not set, running on in-memory order store")
	}

	handler := consumer.NewHandler(orderStore, consumer.LoggingHooks{Logger: logger}, logger).
		WithMetrics(metrics.NewConsumerMetrics())

	kafkaClient := kafka.NewClient(cfg.KafkaBrokers)
	if kafkaClient.Enabled() {
		reader := kafkaClient.NewReader(cfg.Topic, cfg.GroupID)
		defer reader.Close()
		go func() {
			if err := consumer.New(reader, handler, logger).Run(ctx); err != nil {
				logger.Error("consumer stopped with error", zap.Error(err))
			}
		}()
	} else {
		logger.Warn("KAFKA_BROKERS not set, no events will be consumed")
	}

	srvMetrics := metrics.NewServerMetrics("fulfillment")
	api := &apiServer{store: orderStore}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", instrument(srvMetrics, "health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	}))
	mux.HandleFunc("/orders", instrument(srvMetrics, "orders", api.orders))
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("fulfillment-service listening", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
}

func runMigrations(cfg cfg) error {
	m, err := migrate.New(cfg.MigrationsPath, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

type apiServer struct {
	store consumer.OrderStore
}

func (s *apiServer) orders(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req struct {
			OrderID string `json:"order_id"`
			UserID  string `json:"user_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
			return
		}
		if strings.TrimSpace(req.OrderID) == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "order_id is required"})
			return
		}
		order := domain.NewOrder(req.OrderID, req.UserID)
		if err := s.store.Insert(r.Context(), order); err != nil {
			writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusCreated, orderView(order))
	case http.MethodGet:
		orderID := r.URL.Query().Get("order_id")
		order, err := s.store.Get(r.Context(), orderID)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, consumer.ErrOrderNotFound) {
				status = http.StatusNotFound
			}
			writeJSON(w, status, map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, orderView(order))
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
	}
}

func orderView(order *domain.Order) map[string]any {
	return map[string]any{
		"order_id":               order.OrderID,
		"user_id":                order.UserID,
		"inventory_status":       order.InventoryStatus,
		"reservation_id":         order.InventoryReservationID,
		"reservation_expires_at": order.InventoryReservationExpiresAt,
		"ready_for_picking":      order.ReadyForPicking(),
		"inventory_lost":         order.InventoryLost(),
		"notes":                  order.Notes,
		"created_at":             order.CreatedAt,
		"updated_at":             order.UpdatedAt,
	}
}

func instrument(m *metrics.ServerMetrics, handler string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next(wrapped, r)
		m.Requests.WithLabelValues(handler, strconv.Itoa(wrapped.status)).Inc()
		m.LatencyMS.WithLabelValues(handler).Observe(float64(time.Since(start).Milliseconds()))
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func getenv(k, def string) string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	return v
}
