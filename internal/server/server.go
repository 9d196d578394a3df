// Package server hosts the WebSocket and REST surfaces and wires the
// engine, market data, and failure injection together.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"exchange_simulator/internal/config"
	"exchange_simulator/internal/core"
	"exchange_simulator/internal/engine"
	"exchange_simulator/internal/failures"
	"exchange_simulator/internal/handlers"
	"exchange_simulator/internal/marketdata"
	"exchange_simulator/internal/protocol"
	"exchange_simulator/internal/router"
	"exchange_simulator/internal/session"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

// Server owns every long-lived component of the simulator
type Server struct {
	cfg *config.Config

	engine      *engine.Engine
	sessions    *session.Manager
	router      *router.Router
	injector    *failures.Injector
	scheduler   *failures.Scheduler
	restLimiter *failures.RestRateLimiter
	publisher   *marketdata.Publisher
	history     *marketdata.History
	sequencer   *marketdata.Sequencer

	httpServer *http.Server
	logger     core.ILogger
}

// New builds a fully wired server from the configuration
func New(cfg *config.Config, logger core.ILogger) *Server {
	accounts := engine.NewAccountManager(cfg.DefaultBalanceDecimal())
	eng := engine.NewEngine(cfg.Exchange.Symbols, cfg.InitialPricesDecimal(),
		accounts, cfg.Exchange.RejectUnfilledMarket, logger)

	history := marketdata.NewHistory(cfg.Exchange.HistorySize)
	sequencer := marketdata.NewSequencer()
	model := marketdata.NewModel(cfg.Exchange.PricingModel.ModelType,
		cfg.Exchange.PricingModel.Drift, cfg.Exchange.PricingModel.Volatility, nil)
	tickInterval := time.Duration(cfg.Exchange.TickInterval * float64(time.Second))
	publisher := marketdata.NewPublisher(model, cfg.InitialPricesDecimal(),
		tickInterval, cfg.Exchange.SpreadBps, cfg.Exchange.PricePrecision,
		history, sequencer, logger)

	injector := failures.NewInjectorFromConfig(&cfg.Failures, logger)
	scheduler := failures.NewScheduler(logger)

	var restLimiter *failures.RestRateLimiter
	if m := cfg.Failures.Mode("rate_limit"); m.Enabled {
		restLimiter = failures.NewRestRateLimiter(m.BaselineRPS)
	}

	sessions := session.NewManager(session.DefaultQueueSize, logger)

	r := router.New(logger)
	handlers.NewOrderHandler(eng, logger).Register(r)
	handlers.NewSubscriptionHandler(sessions, eng, logger).Register(r)
	handlers.NewHeartbeatHandler().Register(r)

	s := &Server{
		cfg:         cfg,
		engine:      eng,
		sessions:    sessions,
		router:      r,
		injector:    injector,
		scheduler:   scheduler,
		restLimiter: restLimiter,
		publisher:   publisher,
		history:     history,
		sequencer:   sequencer,
		logger:      logger.WithField("component", "server"),
	}

	eng.SetListener(s.onEngineEvent)
	publisher.Subscribe(s.onTick)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)
	if cfg.Telemetry.EnableMetrics {
		mux.Handle("GET /metrics", promhttp.Handler())
	}
	s.registerRESTRoutes(mux)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the HTTP handler for tests
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until the context is cancelled, then shuts down cleanly
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.scheduler.Run(ctx)
		return nil
	})
	g.Go(func() error {
		s.publisher.Run(ctx)
		return nil
	})
	g.Go(func() error {
		s.logger.Info("listening",
			"addr", s.httpServer.Addr, "failures_enabled", s.injector.Enabled())
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"sessions": s.sessions.Count(),
		"symbols":  s.engine.Symbols(),
	})
}

// onEngineEvent fans engine events out: private frames to their session,
// trades to the TRADES stream, and a book snapshot to ORDERBOOK.
func (s *Server) onEngineEvent(ev engine.Event) {
	switch ev.Type {
	case engine.EventOrderUpdate:
		if ev.Order != nil {
			s.sendToSession(ev.SessionID,
				protocol.NewData(protocol.TypeOrderUpdate, "", ev.Order))
		}
	case engine.EventFill:
		if ev.Fill != nil {
			s.sendToSession(ev.SessionID,
				protocol.NewData(protocol.TypeFill, "", ev.Fill))
		}
	case engine.EventTrade:
		if ev.Trade == nil {
			return
		}
		tradesTotal.Inc()
		s.publisher.AddTrade(ev.Symbol, ev.Trade.Quantity, ev.Trade.Timestamp)
		s.broadcast(protocol.ChannelTrades, ev.Symbol, protocol.TypeTrade, ev.Trade)
		s.broadcastOrderbook(ev.Symbol)
	}
}

// onTick serves both price streams from one publisher tick
func (s *Server) onTick(tick marketdata.Tick) {
	s.broadcastSeq(protocol.ChannelTicker, tick.Symbol, protocol.TypeTicker,
		s.sequencer.Next(protocol.ChannelTicker, tick.Symbol), tick)
	// MARKET_DATA reuses the sequence already stamped by the publisher
	s.broadcastSeq(protocol.ChannelMarketData, tick.Symbol, protocol.TypeMarketData,
		tick.SequenceID, tick)
}

func (s *Server) broadcastOrderbook(symbol string) {
	bids, asks, err := s.engine.Depth(symbol, 20)
	if err != nil {
		return
	}
	s.broadcast(protocol.ChannelOrderbook, symbol, protocol.TypeOrderbook,
		map[string]interface{}{"bids": bids, "asks": asks})
}

// broadcast stamps the stream's next sequence number and delivers to all
// subscribers.
func (s *Server) broadcast(channel, symbol, msgType string, data interface{}) {
	s.broadcastSeq(channel, symbol, msgType, s.sequencer.Next(channel, symbol), data)
}

func (s *Server) broadcastSeq(channel, symbol, msgType string, seq uint64, data interface{}) {
	subs := s.sessions.Subscribers(channel, symbol)
	if len(subs) == 0 {
		return
	}
	frame := protocol.NewChannelData(msgType, channel, symbol, seq, data)
	for _, sub := range subs {
		s.sendToSession(sub.ID, frame)
	}
}
