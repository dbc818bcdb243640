package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/pbudner/pulselog/pipeline"
	"github.com/pbudner/pulselog/query"
	"github.com/pbudner/pulselog/storage"
	"github.com/pbudner/pulselog/stores"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type JSON map[string]interface{}

// Store is the storage engine as seen by the HTTP API.
type Store interface {
	storage.Reader
	Err() error
}

// Sampler reports the current ingestion rate.
type Sampler interface {
	GetSample() float64
}

// SessionLister returns the most recent sensor sessions.
type SessionLister interface {
	GetLast(count int) ([]stores.Session, error)
}

type Options struct {
	Version      string
	GitCommit    string
	ClientAPIKey string
	Store        Store
	Queries      *query.Engine
	Broadcaster  *pipeline.Broadcaster
	Sessions     SessionLister
	Rate         Sampler
}

// NewRouter wires every HTTP route. Only /metrics is served without the
// client API key.
func NewRouter(opts Options) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	secured := e.Group("", Authorizer(opts.ClientAPIKey))
	secured.GET("/ws", ServeQueries(opts.Queries, opts.Broadcaster))
	secured.GET("/data", FetchIndex(opts.Queries, opts.Store.Catalog()))
	RegisterApiHandlers(secured.Group("/api"), opts.Version, opts.GitCommit, opts.Store, opts.Broadcaster, opts.Sessions, opts.Rate)
	return e
}

func RegisterApiHandlers(g *echo.Group, version, gitCommit string, store Store, broadcaster *pipeline.Broadcaster, sessions SessionLister, rate Sampler) {
	build := gitCommit
	if len(build) > 6 {
		build = build[:6]
	}

	v1 := g.Group("/v1")
	v1.GET("/", func(c echo.Context) error {
		return c.JSON(http.StatusOK, JSON{
			"message": "Hello, world! Welcome to pulselog API!",
			"version": version,
			"build":   build,
		})
	})

	v1.GET("/status", func(c echo.Context) error {
		snap := store.Snapshot()
		status := JSON{
			"record_width": store.RecordWidth(),
			"index_width":  store.IndexWidth(),
			"resolutions":  store.Catalog().Widths(),
			"log":          snap.Log,
			"bars":         snap.Bars,
			"healthy":      true,
		}

		if rate != nil {
			status["records_per_second"] = rate.GetSample()
		}

		if broadcaster != nil {
			status["subscribers"] = broadcaster.Len()
			status["live_subscribers"] = broadcaster.Live()
		}

		if err := store.Err(); err != nil {
			status["healthy"] = false
			status["error"] = err.Error()
		}

		return c.JSON(http.StatusOK, status)
	})

	v1.GET("/sessions/last/:count", func(c echo.Context) error {
		counter := 10
		i, err := strconv.Atoi(c.Param("count"))
		if err == nil {
			if i < 0 {
				counter = 10
			} else if i > 50 {
				counter = 50
			} else {
				counter = i
			}
		}

		if sessions == nil {
			return c.JSON(http.StatusOK, JSON{
				"sessions": []stores.Session{},
				"count":    0,
			})
		}

		last, err := sessions.GetLast(counter)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, JSON{
				"error": err.Error(),
			})
		}

		return c.JSON(http.StatusOK, JSON{
			"sessions": last,
			"count":    len(last),
		})
	})
}
