package services

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/LovationAdmin/bank-aggregator/config"
	"github.com/LovationAdmin/bank-aggregator/models"
	"github.com/LovationAdmin/bank-aggregator/utils"
)

const DefaultConcurrency = 4

type Options struct {
	// Concurrency caps simultaneous (connection, account) fetches.
	Concurrency int
	// Timeout bounds a whole aggregated call; zero means no limit.
	Timeout time.Duration
	// Logger replaces the logger carried by the caller's context.
	Logger *zerolog.Logger
}

// Aggregator fans queries out over the configured connections and merges
// the normalized results.
type Aggregator struct {
	connections []config.Connection
	byID        map[string]config.Connection
	registry    *Registry
	cache       *Cache
	opts        Options
}

func NewAggregator(connections []config.Connection, registry *Registry, cache *Cache, opts Options) *Aggregator {
	if cache == nil {
		cache = NewCache()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	a := &Aggregator{
		connections: append([]config.Connection(nil), connections...),
		byID:        make(map[string]config.Connection, len(connections)),
		registry:    registry,
		cache:       cache,
		opts:        opts,
	}
	for _, c := range connections {
		a.byID[c.ID] = c
	}
	return a
}

// Connections returns the configured connections in configuration order.
func (a *Aggregator) Connections() []config.Connection {
	return append([]config.Connection(nil), a.connections...)
}

type AccountsResult struct {
	Accounts []models.Account `json:"accounts"`
	Failures []models.Failure `json:"failures,omitempty"`
}

type TransactionsResult struct {
	Transactions []models.Transaction `json:"transactions"`
	Failures     []models.Failure     `json:"failures,omitempty"`
}

type BalancesResult struct {
	Balances []models.Balance `json:"balances"`
	Failures []models.Failure `json:"failures,omitempty"`
}

// ============================================================================
// RESOLUTION
// ============================================================================

type target struct {
	conn     config.Connection
	provider Provider
}

// resolve picks the connections a call addresses ("" = all) and validates
// every config before anything touches the network.
func (a *Aggregator) resolve(connectionID string) ([]target, error) {
	conns := a.connections
	if connectionID != "" {
		c, ok := a.byID[connectionID]
		if !ok {
			return nil, &models.AggregationError{Kind: models.UnknownConnection, ConnectionID: connectionID}
		}
		conns = []config.Connection{c}
	}

	targets := make([]target, 0, len(conns))
	for _, c := range conns {
		p, ok := a.registry.Get(c.Provider)
		if !ok {
			return nil, &models.ConfigError{Provider: c.Provider, Reason: "no adapter registered for connection " + c.ID}
		}
		if err := p.ValidateConfig(c.Config); err != nil {
			return nil, err
		}
		targets = append(targets, target{conn: c, provider: p})
	}
	return targets, nil
}

// start applies the logger and the overall timeout.
func (a *Aggregator) start(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.opts.Logger != nil {
		ctx = utils.WithLogger(ctx, *a.opts.Logger)
	}
	if a.opts.Timeout > 0 {
		return context.WithTimeout(ctx, a.opts.Timeout)
	}
	return context.WithCancel(ctx)
}

// finish turns an expired deadline into ErrTimeout. Anything met during the
// fetches, a late ConfigError included, stays a partial failure.
func finish(ctx context.Context, failures []models.Failure) ([]models.Failure, error) {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, models.ErrTimeout
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(failures, func(i, j int) bool {
		if failures[i].ConnectionID != failures[j].ConnectionID {
			return failures[i].ConnectionID < failures[j].ConnectionID
		}
		return failures[i].AccountID < failures[j].AccountID
	})
	return failures, nil
}

// collector gathers results and failures from the worker goroutines.
type collector[T any] struct {
	mu       sync.Mutex
	items    []T
	failures []models.Failure
}

func (c *collector[T]) add(items []T) {
	c.mu.Lock()
	c.items = append(c.items, items...)
	c.mu.Unlock()
}

func (c *collector[T]) fail(ctx context.Context, connectionID, accountID string, err error) {
	log := utils.LoggerFrom(ctx)
	log.Warn().Str("connection", connectionID).Str("account", utils.MaskID(accountID)).
		Str("kind", string(models.KindOf(err))).Msg(utils.MaskString(err.Error()))
	c.mu.Lock()
	c.failures = append(c.failures, models.NewFailure(connectionID, accountID, err))
	c.mu.Unlock()
}

func (a *Aggregator) group() *errgroup.Group {
	g := &errgroup.Group{}
	g.SetLimit(a.opts.Concurrency)
	return g
}

// ============================================================================
// ACCOUNTS
// ============================================================================

func (a *Aggregator) accounts(ctx context.Context, t target) ([]models.Account, error) {
	return cached(a.cache, cacheKey("accounts", t.conn.ID), AccountsTTL, func() ([]models.Account, error) {
		accounts, err := t.provider.ListAccounts(ctx, t.conn.Config)
		if err != nil {
			return nil, err
		}
		for i := range accounts {
			accounts[i].ConnectionID = t.conn.ID
			accounts[i].Provider = t.provider.Name()
		}
		return accounts, nil
	})
}

// ListAccounts lists the accounts of one connection, or of all of them.
func (a *Aggregator) ListAccounts(ctx context.Context, connectionID string) (AccountsResult, error) {
	targets, err := a.resolve(connectionID)
	if err != nil {
		return AccountsResult{}, err
	}
	ctx, cancel := a.start(ctx)
	defer cancel()

	var out collector[models.Account]
	g := a.group()
	for _, t := range targets {
		g.Go(func() error {
			accounts, err := a.accounts(ctx, t)
			if err != nil {
				out.fail(ctx, t.conn.ID, "", err)
				return nil
			}
			out.add(accounts)
			return nil
		})
	}
	_ = g.Wait()

	failures, err := finish(ctx, out.failures)
	if err != nil {
		return AccountsResult{}, err
	}
	sort.SliceStable(out.items, func(i, j int) bool {
		if out.items[i].ConnectionID != out.items[j].ConnectionID {
			return out.items[i].ConnectionID < out.items[j].ConnectionID
		}
		return out.items[i].UID < out.items[j].UID
	})
	return AccountsResult{Accounts: out.items, Failures: failures}, nil
}

// pair is one (connection, account) unit of work.
type pair struct {
	target
	accountID string
}

// pairs expands targets into accounts. A named account that no reachable
// connection reports is an AggregationError; connections whose account list
// failed are returned as failures instead.
func (a *Aggregator) pairs(ctx context.Context, targets []target, accountID string) ([]pair, []models.Failure, error) {
	var (
		mu       sync.Mutex
		pairs    []pair
		listFail collector[struct{}]
	)
	g := a.group()
	for _, t := range targets {
		g.Go(func() error {
			accounts, err := a.accounts(ctx, t)
			if err != nil {
				listFail.fail(ctx, t.conn.ID, "", err)
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			for _, acct := range accounts {
				if accountID == "" || acct.UID == accountID {
					pairs = append(pairs, pair{target: t, accountID: acct.UID})
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		return nil, nil, ctx.Err()
	}
	if accountID != "" && len(pairs) == 0 && len(listFail.failures) == 0 {
		connID := ""
		if len(targets) == 1 {
			connID = targets[0].conn.ID
		}
		return nil, nil, &models.AggregationError{Kind: models.UnknownAccount, ConnectionID: connID, AccountID: accountID}
	}
	sort.SliceStable(pairs, func(i, j int) bool {
		if pairs[i].conn.ID != pairs[j].conn.ID {
			return pairs[i].conn.ID < pairs[j].conn.ID
		}
		return pairs[i].accountID < pairs[j].accountID
	})
	return pairs, listFail.failures, nil
}

// ============================================================================
// TRANSACTIONS
// ============================================================================

// ListTransactions merges the transactions of every addressed account,
// filtered, newest first and truncated to the filter's limit. The date
// window is pushed to the providers; amount, type and limit are applied here.
func (a *Aggregator) ListTransactions(ctx context.Context, q models.Query) (TransactionsResult, error) {
	targets, err := a.resolve(q.ConnectionID)
	if err != nil {
		return TransactionsResult{}, err
	}
	ctx, cancel := a.start(ctx)
	defer cancel()

	pairs, listFailures, err := a.pairs(ctx, targets, q.AccountID)
	if err != nil {
		if ctx.Err() != nil {
			_, err = finish(ctx, nil)
		}
		return TransactionsResult{}, err
	}

	window := q.Filter.Window()
	from, to := window.DateWindow()

	out := collector[models.Transaction]{failures: listFailures}
	g := a.group()
	for _, w := range pairs {
		g.Go(func() error {
			key := cacheKey("transactions", w.conn.ID, w.accountID, from, to)
			txs, err := cached(a.cache, key, TransactionsTTL, func() ([]models.Transaction, error) {
				txs, err := w.provider.ListTransactions(ctx, w.conn.Config, w.accountID, window)
				if err != nil {
					return nil, err
				}
				for i := range txs {
					txs[i].ConnectionID = w.conn.ID
				}
				return txs, nil
			})
			if err != nil {
				out.fail(ctx, w.conn.ID, w.accountID, err)
				return nil
			}
			out.add(txs)
			return nil
		})
	}
	_ = g.Wait()

	failures, err := finish(ctx, out.failures)
	if err != nil {
		return TransactionsResult{}, err
	}
	return TransactionsResult{Transactions: q.Filter.Apply(out.items), Failures: failures}, nil
}

// ============================================================================
// BALANCES
// ============================================================================

func (a *Aggregator) GetBalances(ctx context.Context, connectionID, accountID string) (BalancesResult, error) {
	targets, err := a.resolve(connectionID)
	if err != nil {
		return BalancesResult{}, err
	}
	ctx, cancel := a.start(ctx)
	defer cancel()

	pairs, listFailures, err := a.pairs(ctx, targets, accountID)
	if err != nil {
		if ctx.Err() != nil {
			_, err = finish(ctx, nil)
		}
		return BalancesResult{}, err
	}

	out := collector[models.Balance]{failures: listFailures}
	g := a.group()
	for _, w := range pairs {
		g.Go(func() error {
			key := cacheKey("balances", w.conn.ID, w.accountID)
			balances, err := cached(a.cache, key, BalancesTTL, func() ([]models.Balance, error) {
				return w.provider.GetBalance(ctx, w.conn.Config, w.accountID)
			})
			if err != nil {
				out.fail(ctx, w.conn.ID, w.accountID, err)
				return nil
			}
			out.add(balances)
			return nil
		})
	}
	_ = g.Wait()

	failures, err := finish(ctx, out.failures)
	if err != nil {
		return BalancesResult{}, err
	}
	sort.SliceStable(out.items, func(i, j int) bool { return out.items[i].AccountID < out.items[j].AccountID })
	return BalancesResult{Balances: out.items, Failures: failures}, nil
}
