package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/maine/set_news_watcher/internal/news"
)

// Tracker запоминает итог последнего запуска для /status.
type Tracker struct {
	mu        sync.RWMutex
	startedAt time.Time
	runs      int
	failures  int
	last      *news.RunReport
	lastErr   string
	lastAt    time.Time
	running   bool
}

func NewTracker(now time.Time) *Tracker {
	return &Tracker{startedAt: now}
}

// Begin отмечает начало запуска.
func (t *Tracker) Begin() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running = true
}

// Record сохраняет результат запуска.
func (t *Tracker) Record(report news.RunReport, err error, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running = false
	t.runs++
	t.last = &report
	t.lastAt = at
	t.lastErr = ""
	if err != nil {
		t.failures++
		t.lastErr = err.Error()
	}
}

// Snapshot — состояние трекера в виде ответа /status.
type Snapshot struct {
	StartedAt time.Time       `json:"started_at"`
	Running   bool            `json:"running"`
	Runs      int             `json:"runs"`
	Failures  int             `json:"failures"`
	LastRunAt *time.Time      `json:"last_run_at,omitempty"`
	LastRun   *news.RunReport `json:"last_run,omitempty"`
	LastError string          `json:"last_error,omitempty"`
}

func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := Snapshot{
		StartedAt: t.startedAt,
		Running:   t.running,
		Runs:      t.runs,
		Failures:  t.failures,
		LastError: t.lastErr,
	}
	if t.last != nil {
		report := *t.last
		at := t.lastAt
		s.LastRun = &report
		s.LastRunAt = &at
	}
	return s
}

// NewRouter собирает HTTP-маршруты: /healthz и /status.
func NewRouter(tracker *Tracker) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, tracker.Snapshot())
	})
	return r
}

// Serve слушает addr до отмены ctx, затем корректно останавливает сервер.
func Serve(ctx context.Context, addr string, handler http.Handler, logger zerolog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("status server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
