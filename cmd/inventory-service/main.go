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

	"github.com/nazeru/warehousing-go/internal/inventory/domain"
	"github.com/nazeru/warehousing-go/internal/inventory/events"
	"github.com/nazeru/warehousing-go/internal/inventory/ledger"
	"github.com/nazeru/warehousing-go/internal/inventory/reservation"
	"github.com/nazeru/warehousing-go/pkg/idempotency"
	"github.com/nazeru/warehousing-go/pkg/kafka"
	"github.com/nazeru/warehousing-go/pkg/logging"
	"github.com/nazeru/warehousing-go/pkg/metrics"
	"github.com/nazeru/warehousing-go/pkg/outbox"
)

type cfg struct {
	Port            string
	DatabaseURL     string
	KafkaBrokers    string
	Topic           string
	SweepInterval   time.Duration
	RelayInterval   time.Duration
	DefaultTTL      time.Duration
	MigrationsPath  string
	ShutdownTimeout time.Duration
}

func readCfg() cfg {
	sweepMS, _ := strconv.Atoi(getenv("SWEEP_INTERVAL_MS", "30000"))
	relayMS, _ := strconv.Atoi(getenv("RELAY_INTERVAL_MS", "1000"))
	ttlMin, _ := strconv.Atoi(getenv("RESERVATION_TTL_MINUTES", "60"))
	return cfg{
		Port:            getenv("PORT", "8080"),
		DatabaseURL:     strings.TrimSpace(os.Getenv("DATABASE_URL")),
		KafkaBrokers:    getenv("KAFKA_BROKERS", ""),
		Topic:           getenv("KAFKA_TOPIC", "wms.reservation-events"),
		SweepInterval:   time.Duration(sweepMS) * time.Millisecond,
		RelayInterval:   time.Duration(relayMS) * time.Millisecond,
		DefaultTTL:      time.Duration(ttlMin) * time.Minute,
		MigrationsPath:  getenv("MIGRATIONS_PATH", "file://db/migrations"),
		ShutdownTimeout: 15 * time.Second,
	}
}

func main() {
	_ = godotenv.Load()
	cfg := readCfg()
	logger := logging.New("inventory-service")
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var stockStore ledger.Store
	var resStore reservation.Store
	var outboxStore outbox.Store

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
		stockStore = ledger.NewPostgresStore(pool)
		resStore = reservation.NewPostgresStore(pool)
		outboxStore = outbox.NewPostgresStore(pool)
		logger.Info("postgres stores ready")
	} else {
		stockStore = ledger.NewMemoryStore()
		resStore = reservation.NewMemoryStore()
		outboxStore = outbox.NewMemoryStore()
		logger.Warn("DATABASE_URL not set, running on in-memory stores")
	}

	led := ledger.New(stockStore, logger)
	invMetrics := metrics.NewInventoryMetrics()
	engine := reservation.NewEngine(led, resStore,
		events.NewOutboxPublisher(outboxStore, cfg.Topic), logger).WithMetrics(invMetrics)

	kafkaClient := kafka.NewClient(cfg.KafkaBrokers)
	if kafkaClient.Enabled() {
		writer := kafkaClient.NewWriter(cfg.Topic)
		defer writer.Close()
		relay := outbox.NewRelay(outboxStore, func(ctx context.Context, topic, key string, payload []byte) error {
			return writer.WriteMessages(ctx, kafka.RawMessage(key, payload))
		}, cfg.RelayInterval, logger)
		go relay.Run(ctx)
	} else {
		logger.Warn("KAFKA_BROKERS not set, outbox records will stay pending")
	}

	sweeper := reservation.NewSweeper(engine, cfg.SweepInterval, logger)
	go sweeper.Run(ctx)

	srvMetrics := metrics.NewServerMetrics("inventory")
	api := &apiServer{engine: engine, ledger: led, defaultTTL: cfg.DefaultTTL, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", instrument(srvMetrics, "health", api.health))
	mux.HandleFunc("/reservations", instrument(srvMetrics, "reservations", api.reservations))
	mux.HandleFunc("/reservations/confirm", instrument(srvMetrics, "confirm", api.confirm))
	mux.HandleFunc("/reservations/extend", instrument(srvMetrics, "extend", api.extend))
	mux.HandleFunc("/reservations/complete", instrument(srvMetrics, "complete", api.complete))
	mux.HandleFunc("/reservations/cancel", instrument(srvMetrics, "cancel", api.cancel))
	mux.HandleFunc("/stock", instrument(srvMetrics, "stock", api.stock))
	mux.HandleFunc("/stock/reserved", instrument(srvMetrics, "stock_reserved", api.stockReserved))
	mux.HandleFunc("/stock/adjust", instrument(srvMetrics, "stock_adjust", api.stockAdjust))
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("inventory-service listening", zap.String("port", cfg.Port))
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
	engine     *reservation.Engine
	ledger     *ledger.Ledger
	defaultTTL time.Duration
	logger     *zap.Logger
}

func (s *apiServer) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type lineRequest struct {
	ItemID     string `json:"item_id"`
	LocationID string `json:"location_id"`
	Quantity   int64  `json:"quantity"`
	UnitPrice  int64  `json:"unit_price"`
}

type createReservationRequest struct {
	OrderID    string        `json:"order_id"`
	UserID     string        `json:"user_id"`
	TTLMinutes int           `json:"ttl_minutes"`
	Priority   bool          `json:"priority"`
	Lines      []lineRequest `json:"lines"`
}

func (s *apiServer) reservations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createReservation(w, r)
	case http.MethodGet:
		s.getReservations(w, r)
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
	}
}

func (s *apiServer) createReservation(w http.ResponseWriter, r *http.Request) {
	var req createReservationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
		return
	}

	lines := make([]reservation.LineRequest, 0, len(req.Lines))
	for _, l := range req.Lines {
		lines = append(lines, reservation.LineRequest{
			ItemID:     domain.ItemID(l.ItemID),
			LocationID: domain.LocationID(l.LocationID),
			Quantity:   l.Quantity,
			UnitPrice:  l.UnitPrice,
		})
	}
	ttl := s.defaultTTL
	if req.TTLMinutes > 0 {
		ttl = time.Duration(req.TTLMinutes) * time.Minute
	}

	res, err := s.engine.CreateReservation(r.Context(), reservation.CreateRequest{
		OrderID:        req.OrderID,
		UserID:         req.UserID,
		Lines:          lines,
		TTL:            ttl,
		IdempotencyKey: idempotency.Key(r),
		Priority:       req.Priority,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, reservationView(res))
}

func (s *apiServer) getReservations(w http.ResponseWriter, r *http.Request) {
	if id := r.URL.Query().Get("id"); id != "" {
		res, err := s.engine.GetReservation(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, reservationView(res))
		return
	}
	orderID := r.URL.Query().Get("order_id")
	if orderID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "id or order_id is required"})
		return
	}
	list, err := s.engine.ListByOrder(r.Context(), orderID)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]map[string]any, 0, len(list))
	for _, res := range list {
		views = append(views, reservationView(res))
	}
	writeJSON(w, http.StatusOK, map[string]any{"reservations": views})
}

func (s *apiServer) confirm(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReservationID string `json:"reservation_id"`
	}
	if !decidePost(w, r, &req) {
		return
	}
	if err := s.engine.ConfirmReservation(r.Context(), req.ReservationID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "CONFIRMED"})
}

func (s *apiServer) extend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReservationID string `json:"reservation_id"`
		Minutes       int    `json:"minutes"`
	}
	if !decidePost(w, r, &req) {
		return
	}
	err := s.engine.ExtendReservation(r.Context(), req.ReservationID, time.Duration(req.Minutes)*time.Minute)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "EXTENDED"})
}

func (s *apiServer) complete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrderID string `json:"order_id"`
		UserID  string `json:"user_id"`
	}
	if !decidePost(w, r, &req) {
		return
	}
	done, err := s.engine.CompleteReservation(r.Context(), req.OrderID, req.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"completed": done})
}

func (s *apiServer) cancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrderID string `json:"order_id"`
	}
	if !decidePost(w, r, &req) {
		return
	}
	done, err := s.engine.CancelReservation(r.Context(), req.OrderID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": done})
}

func (s *apiServer) stock(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req struct {
			ItemID     string `json:"item_id"`
			LocationID string `json:"location_id"`
			Quantity   int64  `json:"quantity"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
			return
		}
		rec, err := s.ledger.CreateRecord(r.Context(), domain.ItemID(req.ItemID), domain.LocationID(req.LocationID), req.Quantity)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, stockView(rec))
	case http.MethodGet:
		itemID := domain.ItemID(r.URL.Query().Get("item_id"))
		locationID := domain.LocationID(r.URL.Query().Get("location_id"))
		if locationID != "" {
			rec, err := s.ledger.Get(r.Context(), itemID, locationID)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, stockView(rec))
			return
		}
		recs, err := s.ledger.ListByItem(r.Context(), itemID)
		if err != nil {
			writeError(w, err)
			return
		}
		views := make([]map[string]any, 0, len(recs))
		for _, rec := range recs {
			views = append(views, stockView(rec))
		}
		writeJSON(w, http.StatusOK, map[string]any{"records": views})
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
	}
}

func (s *apiServer) stockReserved(w http.ResponseWriter, r *http.Request) {
	itemID := domain.ItemID(r.URL.Query().Get("item_id"))
	locationID := domain.LocationID(r.URL.Query().Get("location_id"))
	total, err := s.engine.GetTotalReservedQuantity(r.Context(), itemID, locationID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"item_id": itemID, "reserved": total})
}

func (s *apiServer) stockAdjust(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ItemID     string `json:"item_id"`
		LocationID string `json:"location_id"`
		Delta      int64  `json:"delta"`
		Reason     string `json:"reason"`
	}
	if !decidePost(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "reason is required"})
		return
	}
	err := s.ledger.Adjust(r.Context(), domain.ItemID(req.ItemID), domain.LocationID(req.LocationID), req.Delta, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ADJUSTED"})
}

func reservationView(res *domain.Reservation) map[string]any {
	lines := make([]map[string]any, 0, len(res.Lines))
	for _, l := range res.Lines {
		lines = append(lines, map[string]any{
			"item_id":     l.ItemID,
			"location_id": l.LocationID,
			"quantity":    l.Quantity,
			"unit_price":  l.UnitPrice,
		})
	}
	return map[string]any{
		"id":              res.ID,
		"order_id":        res.OrderID,
		"user_id":         res.UserID,
		"priority":        res.Priority,
		"status":          res.Status,
		"expiration_time": res.ExpirationTime,
		"created_at":      res.CreatedAt,
		"updated_at":      res.UpdatedAt,
		"lines":           lines,
	}
}

func stockView(rec *domain.StockRecord) map[string]any {
	return map[string]any{
		"item_id":     rec.ItemID,
		"location_id": rec.LocationID,
		"available":   rec.Available,
		"reserved":    rec.Reserved,
		"committed":   rec.Committed,
		"total":       rec.Total,
		"status":      rec.Status,
	}
}

func decidePost(w http.ResponseWriter, r *http.Request, req any) bool {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInsufficientStock):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrInvalidState):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrInvalidTransition):
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, map[string]any{"error": err.Error()})
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
