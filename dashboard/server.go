package dashboard

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	appconfig "tradeindex/config"
	"tradeindex/ingest"
	"tradeindex/logger"
	"tradeindex/models"
	"tradeindex/query"
	"tradeindex/store"
)

// Server hosts the monitoring and query HTTP surface of the index.
type Server struct {
	cfg        appconfig.DashboardConfig
	log        *logger.Log
	store      *store.Store
	api        *query.API
	coord      *ingest.Coordinator
	objects    ingest.ObjectStore
	prefix     string
	httpServer *http.Server
	upgrader   websocket.Upgrader
}

// NewServer constructs the dashboard server when the feature is enabled.
// When the dashboard is disabled the returned server is nil.
func NewServer(cfg *appconfig.Config, s *store.Store, api *query.API, coord *ingest.Coordinator, objects ingest.ObjectStore, log *logger.Log) *Server {
	if !cfg.Dashboard.Enabled {
		return nil
	}

	address := cfg.Dashboard.Address
	if address == "" {
		address = "0.0.0.0:8080"
	}

	return &Server{
		cfg:     appconfig.DashboardConfig{Enabled: true, Address: address},
		log:     log,
		store:   s,
		api:     api,
		coord:   coord,
		objects: objects,
		prefix:  cfg.Ingest.Prefix,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Run starts the HTTP server and blocks until the context is cancelled or
// the server fails.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}

	router, err := s.buildRouter()
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:    s.cfg.Address,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

// Address reports the network address the server listens on.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func (s *Server) buildRouter() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/api/stats", s.handleStats)
	router.GET("/api/range", s.handleRange)
	router.GET("/api/nearest", s.handleNearest)
	router.GET("/api/aggregates", s.handleAggregates)
	router.GET("/api/storage", s.handleStorage)
	router.GET("/ws/live", s.handleLive)

	return router, nil
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"store":       s.store.Stats(),
		"coordinator": s.coord.Status(),
	})
}

func (s *Server) handleRange(c *gin.Context) {
	start, err1 := strconv.ParseInt(c.Query("start"), 10, 64)
	end, err2 := strconv.ParseInt(c.Query("end"), 10, 64)
	if err1 != nil || err2 != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "start and end must be millisecond timestamps"})
		return
	}

	opts := store.RangeOptions{
		Source: c.Query("source"),
		Side:   c.Query("side"),
	}
	if limitStr := c.Query("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer"})
			return
		}
		opts.Limit = limit
	}

	entries, err := s.api.ByRange(start, end, opts)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

func (s *Server) handleNearest(c *gin.Context) {
	t, err := strconv.ParseFloat(c.Query("t"), 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "t must be a millisecond timestamp"})
		return
	}

	tolerance := int64(-1)
	if tolStr := c.Query("tolerance"); tolStr != "" {
		tolerance, err = strconv.ParseInt(tolStr, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "tolerance must be milliseconds"})
			return
		}
	}

	entry, err := s.api.Nearest(t, tolerance)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if entry == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no entry within tolerance"})
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (s *Server) handleAggregates(c *gin.Context) {
	start, err1 := strconv.ParseInt(c.Query("start"), 10, 64)
	end, err2 := strconv.ParseInt(c.Query("end"), 10, 64)
	if err1 != nil || err2 != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "start and end must be millisecond timestamps"})
		return
	}

	agg, err := s.api.Aggregates(start, end)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, agg)
}

func (s *Server) handleStorage(c *gin.Context) {
	prefix := c.DefaultQuery("prefix", s.prefix)

	keys := make([]string, 0)
	continuation := ""
	for {
		page, err := s.objects.List(c.Request.Context(), prefix, continuation)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		keys = append(keys, page.Keys...)
		if page.Continuation == "" {
			break
		}
		continuation = page.Continuation
	}

	c.JSON(http.StatusOK, gin.H{"prefix": prefix, "keys": keys, "count": len(keys)})
}

// handleLive upgrades to a websocket and forwards the entries delivered on the
// store's entry topic until the client goes away. Only single Insert calls
// reach that topic; entries added through InsertBatch are not forwarded, and
// entries arriving while the 256-entry send buffer is full are dropped.
func (s *Server) handleLive(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.WithComponent("dashboard").WithError(err).Warn("websocket upgrade failed")
		return
	}

	entries := make(chan models.TradeEntry, 256)
	done := make(chan struct{})
	sub := s.store.SubscribeEntries(func(e models.TradeEntry) {
		select {
		case entries <- e:
		default:
		}
	})

	go func() {
		defer sub.Cancel()
		defer conn.Close()
		for {
			select {
			case <-done:
				return
			case entry := <-entries:
				if err := conn.WriteJSON(entry); err != nil {
					return
				}
			}
		}
	}()

	// Reader loop only to observe client close.
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
