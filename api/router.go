// Package api assembles the HTTP surface: REST handlers, the WebSocket
// endpoint and the Prometheus scrape endpoint.
package api

import (
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kilianp07/lastmile/api/drivers"
	"github.com/kilianp07/lastmile/api/journal"
	"github.com/kilianp07/lastmile/api/orders"
	corejournal "github.com/kilianp07/lastmile/core/journal"
	"github.com/kilianp07/lastmile/core/logger"
)

// Deps lists what the router serves. Nil members leave their routes out.
type Deps struct {
	Drivers      *drivers.Handler
	Orders       *orders.Handler
	Journal      corejournal.Store
	JournalToken string
	// WS is mounted on WSPath.
	WS     http.Handler
	WSPath string
	// Metrics adds /metrics backed by the default Prometheus registry.
	Metrics        bool
	AllowedOrigins []string
}

// NewRouter builds the handler tree wrapped with CORS and panic recovery.
func NewRouter(d Deps, log logger.Logger) http.Handler {
	if log == nil {
		log = logger.NopLogger{}
	}
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	if d.Drivers != nil {
		d.Drivers.Register(r)
	}
	if d.Orders != nil {
		d.Orders.Register(r)
	}
	if d.Journal != nil {
		r.Handle("/api/journal", journal.NewHandler(d.Journal, d.JournalToken))
	}
	if d.Metrics {
		r.Handle("/metrics", promhttp.Handler())
	}
	if d.WS != nil {
		path := d.WSPath
		if path == "" {
			path = "/ws"
		}
		r.Handle(path, d.WS)
	}

	origins := d.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	cors := handlers.CORS(
		handlers.AllowedOrigins(origins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
	)
	recovery := handlers.RecoveryHandler(handlers.RecoveryLogger(recoveryLogger{log}), handlers.PrintRecoveryStack(false))
	return recovery(cors(r))
}

type recoveryLogger struct{ log logger.Logger }

func (l recoveryLogger) Println(v ...any) { l.log.Errorf("http handler panic: %v", v) }
