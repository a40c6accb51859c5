// Package engine wires every component spec §2's table names into one
// running process: it is the single owner that constructs the
// Exchange, Shadow Balance/Event Ledger, API Weight Governor, Dynamic
// Liquidity Engine, Order Mirror, User Data Stream ingester, TWAP
// Rebalancer, Metrics & Risk Breaker, and Hedge Bridge, and threads the
// narrow capability interfaces between them so that no two components
// import each other directly (spec §9 Design Notes, "engine wires
// capabilities, no back-pointers").
//
// Grounded on the teacher's main.go, which built this same kind of
// object graph inline in func main(); that wiring is extracted here so
// main.go reduces to config load + engine construct + signal-driven
// shutdown, the shape 0xtitan6-polymarket-mm's cmd/ entrypoint also
// uses.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"

	"trading-core/internal/awg"
	"trading-core/internal/config"
	"trading-core/internal/dle"
	"trading-core/internal/events"
	"trading-core/internal/exchange"
	"trading-core/internal/hedge"
	"trading-core/internal/hedge/hedgepb"
	"trading-core/internal/ledger"
	"trading-core/internal/metrics"
	"trading-core/internal/mirror"
	"trading-core/internal/shadow"
	"trading-core/internal/twap"
	"trading-core/internal/uds"
	"trading-core/pkg/db"
	"trading-core/pkg/decimal"
	layerconfig "trading-core/pkg/config"
	"trading-core/pkg/exchanges/common"
	"trading-core/pkg/timerwheel"
)

// layersPath is the checked-in per-layer quote table's default
// location (spec §4.3.1, loaded via pkg/config.LoadLayers).
const layersPath = "configs/layers.yaml"

// Engine owns every long-running component and their shared lifecycle.
type Engine struct {
	cfg *config.Config

	ex        exchange.Exchange
	priceScl  uint8
	qtyScl    uint8
	ledger    *ledger.Ledger
	shadow    *shadow.Shadow
	gov       *awg.AWG
	wheel     *timerwheel.Wheel
	dle       *dle.DLE
	registry  *metrics.Registry
	breaker   *metrics.Breaker
	bus       *events.Bus
	hedge     *hedge.Bridge
	database  *db.Database
	queries   *db.Queries
	mirror    *mirror.Mirror
	auditor   *shadow.Auditor
	readiness *ledger.Readiness
	uds       *uds.Ingester
	twap      *twap.Rebalancer
	grpcSrv   *grpc.Server
}

// New constructs every component and wires their capability interfaces
// together. It performs the startup REST calls (exchange info, account
// snapshot) needed before any background loop can run, but does not
// start any of them — call Run for that.
func New(cfg *config.Config) (*Engine, error) {
	ctx := context.Background()

	ex := buildExchange(cfg)

	rules, err := ex.GetExchangeInfo(ctx, cfg.Symbol)
	if err != nil {
		return nil, fmt.Errorf("engine: get exchange info: %w", err)
	}
	priceScl := scaleFromStep(rules.TickSize)
	qtyScl := scaleFromStep(rules.StepSize)

	led := ledger.New(cfg.LedgerPath)
	if err := led.Load(); err != nil {
		return nil, fmt.Errorf("engine: load ledger: %w", err)
	}

	balances, err := ex.GetAccount(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine: get account: %w", err)
	}
	totals := make(map[string]float64, len(balances))
	for _, b := range balances {
		totals[b.Asset] = b.Free + b.Locked
	}
	readiness := ledger.NewReadiness(3)
	readiness.Observe(led.SnapshotSync(totals))

	sh := shadow.New(led, cfg.ReserveFactor)

	database, err := db.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("engine: open db: %w", err)
	}
	if err := db.ApplyMigrations(database); err != nil {
		return nil, fmt.Errorf("engine: apply migrations: %w", err)
	}
	queries := db.NewQueries(database.DB)

	gov := awg.New(awg.Config{
		Cap1s: cfg.AWGCap1s, Cap10s: cfg.AWGCap10s, Cap1m: cfg.AWGCap1m,
		ErrorThreshold: cfg.AWGErrorThreshold,
		RecoveryPeriod: time.Duration(cfg.AWGRecoveryPeriod) * time.Second,
		ThrottleFactor: cfg.AWGThrottleFactor,
		DegradeFactor:  cfg.AWGDegradeFactor,
		// mm_* channels carry the DLE's own placement/cancel traffic;
		// rb_* channels share the same budgets for the TWAP rebalancer's
		// drip, since both ultimately submit through dle.DLE.
		ChannelBudgets10s: map[string]int{
			"mm_new": cfg.FillBudget10s, "rb_new": cfg.FillBudget10s,
			"mm_cancel": cfg.CancelBudget10s, "rb_cancel": cfg.CancelBudget10s,
		},
		ChannelBurst: map[string]int{
			"mm_new": cfg.FillBurst, "rb_new": cfg.FillBurst,
			"mm_cancel": cfg.CancelBurst, "rb_cancel": cfg.CancelBurst,
		},
		POVCapNotional: cfg.DLEPOVCapNotional,
	})

	wheel := timerwheel.New(100*time.Millisecond, 600)

	layers, err := layerconfig.LoadLayers(layersPath)
	if err != nil {
		return nil, fmt.Errorf("engine: load layers: %w", err)
	}
	envelope := dle.NewEnvelope(layers)

	dleCfg := dle.Config{
		Symbol: cfg.Symbol, BaseAsset: cfg.BaseAsset, QuoteAsset: cfg.QuoteAsset,
		PriceScale: priceScl, QtyScale: qtyScl,
		AlphaBase:        cfg.DLETargetUtil,
		GuardTicksBase:   cfg.MakerGuardBase,
		GuardTicksStress: cfg.MakerGuardStress,
		PerPriceLimit:    int(cfg.DLEPerPriceLimit),
		SoftCapNew:       cfg.DLESoftCapNew,
		HardCapNew:       cfg.DLEHardCapNew,
		CushionQuote:     cfg.CushionUSDT,
		CushionBase:      cfg.CushionDOGE,
		TTL:              20 * time.Second,
	}
	d := dle.New(dleCfg, envelope, ex, sh, gov, wheel, *rules)

	registry := metrics.New()
	breaker := metrics.NewBreaker(metrics.BreakerConfig{}, registry)
	d.SetRiskGate(breaker)
	d.SetMetrics(registry)

	bus := events.NewBus()
	hedgeBridge := hedge.NewBridge(bus)
	breaker.OnTrip(func(reason string) {
		bus.Publish(events.EventRiskBreakerTrip, reason)
		slog.Warn("engine: risk breaker tripped", "reason", reason)
	})
	sh.SetFillObserver(hedgeFillObserver{bridge: hedgeBridge})

	mir := mirror.New(ex, cfg.Symbol, d, queries, time.Duration(cfg.MirrorSyncIntervalSec)*time.Second)

	auditor := shadow.NewAuditor(sh, ex, queries, 30*time.Second, []string{cfg.BaseAsset, cfg.QuoteAsset})

	udsCfg := uds.Config{
		Symbol: cfg.Symbol, BaseAsset: cfg.BaseAsset, QuoteAsset: cfg.QuoteAsset,
		KeepaliveInterval:  time.Duration(cfg.UDSKeepaliveSec) * time.Second,
		SeedSuppressWindow: time.Duration(cfg.UDSAuditSeedSuppressSec) * time.Second,
	}
	ingester := uds.New(ex, udsCfg, sh, d, mirrorReseeder{mir}, bus)

	twapCfg := twap.Config{
		Symbol: cfg.Symbol, BaseAsset: cfg.BaseAsset, QuoteAsset: cfg.QuoteAsset,
		PriceScale: priceScl, QtyScale: qtyScl,
		TargetDuration:  time.Duration(cfg.TWAPTargetDurationSec) * time.Second,
		SliceInterval:   time.Duration(cfg.TWAPSliceIntervalSec) * time.Second,
		MaxSlicePct:     cfg.TWAPMaxSlicePct,
		SliceTimeout:    time.Duration(cfg.TWAPSliceTimeoutSec) * time.Second,
		SoftBandPct:     cfg.TWAPSoftBandPct,
		PersistTicks:    cfg.TWAPPersistTicks,
		MinImbalanceUSD: cfg.TWAPMinImbalanceUSD,
	}
	rebalancer := twap.New(twapCfg, sh, twap.ExchangeMarketView{Ex: ex, Symbol: cfg.Symbol}, d, queries)

	var grpcSrv *grpc.Server
	if cfg.EnableHedge {
		grpcSrv = grpc.NewServer()
		hedgepb.RegisterHedgeFeedServer(grpcSrv, hedgeBridge)
	}

	return &Engine{
		cfg: cfg,
		ex:  ex, priceScl: priceScl, qtyScl: qtyScl,
		ledger: led, shadow: sh, gov: gov, wheel: wheel, dle: d,
		registry: registry, breaker: breaker, bus: bus, hedge: hedgeBridge,
		database: database, queries: queries, mirror: mir, auditor: auditor,
		readiness: readiness, uds: ingester, twap: rebalancer, grpcSrv: grpcSrv,
	}, nil
}

// buildExchange selects Binance or an in-memory Mock per cfg.DryRun.
// The Mock is seeded with the symbol's default DOGEUSDT-shaped rules
// and a working-capital balance so a dry run can plan and place
// immediately without a real account to query.
func buildExchange(cfg *config.Config) exchange.Exchange {
	if !cfg.DryRun {
		return exchange.NewBinance(exchange.BinanceConfig{
			APIKey: cfg.BinanceAPIKey, APISecret: cfg.BinanceAPISecret, Testnet: cfg.BinanceTestnet,
		})
	}
	mock := exchange.NewMock(
		exchange.SymbolRules{Symbol: cfg.Symbol, TickSize: 0.0001, StepSize: 1, MinQty: 1, MinNotional: 5},
		[]exchange.AccountBalance{
			{Asset: cfg.BaseAsset, Free: 10000},
			{Asset: cfg.QuoteAsset, Free: 2000},
		},
	)
	mock.SetBook(exchange.OrderBook{
		Bids: []exchange.BookLevel{{Price: 0.2000, Qty: 1000}},
		Asks: []exchange.BookLevel{{Price: 0.2002, Qty: 1000}},
	})
	return mock
}

// scaleFromStep derives the decimal scale (number of fractional digits)
// a tick/step size implies, e.g. 0.0001 -> 4, 1 -> 0. Exchange rules
// arrive as floats; every internal quantity is pkg/decimal fixed-point,
// so this is the one conversion point between the two.
func scaleFromStep(step float64) uint8 {
	if step <= 0 {
		return 8
	}
	for scale := uint8(0); scale < 8; scale++ {
		scaled := step * pow10(scale)
		if scaled-float64(int64(scaled+0.5)) < 1e-6 && scaled-float64(int64(scaled+0.5)) > -1e-6 {
			return scale
		}
	}
	return 8
}

func pow10(n uint8) float64 {
	v := 1.0
	for i := uint8(0); i < n; i++ {
		v *= 10
	}
	return v
}

// hedgeFillObserver adapts shadow.FillObserver onto the Hedge Bridge,
// the one place allowed to depend on both packages. Non-base-asset
// deltas (quote-asset fee debits, were Shadow ever to report one as a
// fill) never reach this path — UDS always normalizes ExecutionReport
// against the base asset (spec §3.1).
type hedgeFillObserver struct {
	bridge *hedge.Bridge
}

func (o hedgeFillObserver) OnFill(asset string, isBuy bool, qty, price float64, at time.Time) {
	side := common.SideSell
	if isBuy {
		side = common.SideBuy
	}
	o.bridge.Publish(hedge.FillEvent{Side: side, Qty: qty, Price: price, Ts: at})
}

// mirrorReseeder adapts mirror.Mirror onto uds.Reseeder: a UDS-triggered
// reseed is a forced full mirror sync (spec §4.4's "After reconnect, run
// one seed: GET open orders, reapply").
type mirrorReseeder struct {
	m *mirror.Mirror
}

func (r mirrorReseeder) Reseed(ctx context.Context) error {
	_, err := r.m.Sync(ctx, true)
	return err
}

// midPrice derives the planning mid price from the current top of book,
// the same source twap.ExchangeMarketView uses for its own BestBidAsk.
func (e *Engine) midPrice() (decimal.Decimal, bool) {
	book, err := e.ex.GetOrderBook(context.Background(), e.cfg.Symbol, 1)
	if err != nil || len(book.Bids) == 0 || len(book.Asks) == 0 {
		return decimal.Decimal{}, false
	}
	mid := (book.Bids[0].Price + book.Asks[0].Price) / 2
	return decimal.FromFloat(mid, e.priceScl), true
}

// Run starts every background loop and blocks until ctx is cancelled,
// then shuts each down and persists final state.
func (e *Engine) Run(ctx context.Context) error {
	go e.wheel.Run()
	defer e.wheel.Stop()

	go e.dle.Run(ctx, e.midPrice)
	go e.mirror.Run(ctx)
	go e.auditor.Run(ctx)
	go e.breaker.Run(ctx)
	go e.twap.Run(ctx)
	go e.readinessLoop(ctx)

	go func() {
		if err := e.uds.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("engine: uds ingester exited", "error", err)
		}
	}()

	if e.grpcSrv != nil {
		lis, err := net.Listen("tcp", e.cfg.HedgeBridgeAddr)
		if err != nil {
			return fmt.Errorf("engine: listen hedge bridge: %w", err)
		}
		go func() {
			if err := e.grpcSrv.Serve(lis); err != nil {
				slog.Warn("engine: hedge bridge grpc server stopped", "error", err)
			}
		}()
		defer e.grpcSrv.GracefulStop()
	}

	<-ctx.Done()
	if err := e.ledger.Persist(); err != nil {
		slog.Error("engine: persist ledger on shutdown", "error", err)
	}
	return e.database.Close()
}

// readinessLoop re-derives the three-way snapshot sync on the same
// cadence as the audit pass, feeding ledger.Readiness so trading stays
// paused after a cold start or a forced repair until three consecutive
// clean syncs are observed (spec §4.2.1).
func (e *Engine) readinessLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			balances, err := e.ex.GetAccount(ctx)
			if err != nil {
				slog.Warn("engine: readiness account fetch failed", "error", err)
				continue
			}
			totals := make(map[string]float64, len(balances))
			for _, b := range balances {
				totals[b.Asset] = b.Free + b.Locked
			}
			e.readiness.Observe(e.ledger.SnapshotSync(totals))
		}
	}
}

// Ready reports whether the cold-start consistency window has closed
// (spec §4.2.1). The ops API's /health endpoint surfaces this.
func (e *Engine) Ready() bool { return e.readiness.Ready() }

// Registry exposes the metrics registry for the ops API.
func (e *Engine) Registry() *metrics.Registry { return e.registry }

// Breaker exposes the risk breaker for the ops API's /risk/reset.
func (e *Engine) Breaker() *metrics.Breaker { return e.breaker }
