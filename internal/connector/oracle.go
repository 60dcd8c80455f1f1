package connector

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"market-pipeline/internal/config"
	"market-pipeline/internal/domain"
)

const aggregatorABIJSON = `[
{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"latestRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"},
{"inputs":[{"internalType":"uint80","name":"_roundId","type":"uint80"}],"name":"getRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"}
]`

var aggregatorABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(aggregatorABIJSON))
	if err != nil {
		panic("failed to parse aggregator ABI: " + err.Error())
	}
	aggregatorABI = parsed
}

// ContractCaller is the slice of ethclient.Client the oracle needs.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Oracle reads an on-chain price aggregator that exposes the
// latestRoundData/getRoundData interface. Each round becomes one record for
// the source's single zone, timestamped at the round's update time.
type Oracle struct {
	id        string
	zone      string
	priceType domain.PriceType
	rpcURL    string
	feed      common.Address
	decimals  int32
	batchSize int
	timeout   time.Duration
	limiter   *rate.Limiter
	logger    zerolog.Logger

	clientMux sync.Mutex
	client    ContractCaller
}

// NewOracle builds an oracle connector.
func NewOracle(cfg config.SourceConfig, logger zerolog.Logger) (*Oracle, error) {
	if cfg.Oracle.RPCURL == "" {
		return nil, errors.New("oracle.rpc_url is required")
	}
	if !common.IsHexAddress(cfg.Oracle.FeedAddress) {
		return nil, fmt.Errorf("oracle.feed_address %q is not a valid address", cfg.Oracle.FeedAddress)
	}
	if len(cfg.Zones) != 1 {
		return nil, errors.New("oracle sources feed exactly one zone")
	}
	pt := domain.PriceTypeSpot
	if cfg.Oracle.PriceType != "" {
		parsed, err := domain.ParsePriceType(cfg.Oracle.PriceType)
		if err != nil {
			return nil, fmt.Errorf("oracle.price_type: %w", err)
		}
		pt = parsed
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	batch := cfg.RangeBatchSize
	if batch <= 0 {
		batch = 500
	}
	perSecond := cfg.RateLimitPerSecond
	if perSecond <= 0 {
		perSecond = 5
	}

	return &Oracle{
		id:        cfg.ID,
		zone:      cfg.Zones[0],
		priceType: pt,
		rpcURL:    cfg.Oracle.RPCURL,
		feed:      common.HexToAddress(cfg.Oracle.FeedAddress),
		decimals:  cfg.Oracle.Decimals,
		batchSize: batch,
		timeout:   timeout,
		limiter:   rate.NewLimiter(rate.Limit(perSecond), max(cfg.RateBurst, 1)),
		logger:    logger.With().Str("component", "oracle_connector").Str("source", cfg.ID).Logger(),
	}, nil
}

// WithCaller replaces the RPC client, used in tests.
func (o *Oracle) WithCaller(caller ContractCaller) *Oracle {
	o.clientMux.Lock()
	o.client = caller
	o.clientMux.Unlock()
	return o
}

// ID implements Connector.
func (o *Oracle) ID() string { return o.id }

type round struct {
	id        *big.Int
	answer    *big.Int
	updatedAt uint64
}

// FetchLatest returns the latest round.
func (o *Oracle) FetchLatest(ctx context.Context) ([]domain.PriceRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	decimals, err := o.feedDecimals(ctx)
	if err != nil {
		return nil, err
	}
	latest, err := o.call(ctx, "latestRoundData")
	if err != nil {
		return nil, err
	}
	rec, err := o.record(latest, decimals)
	if err != nil {
		return nil, err
	}
	return []domain.PriceRecord{rec}, nil
}

// FetchRange binary-searches the first round at or after start within the
// current aggregator phase, then walks forward in ascending order.
func (o *Oracle) FetchRange(ctx context.Context, start, end time.Time) iter.Seq2[[]domain.PriceRecord, error] {
	return func(yield func([]domain.PriceRecord, error) bool) {
		decimals, err := o.feedDecimals(ctx)
		if err != nil {
			yield(nil, err)
			return
		}
		latest, err := o.call(ctx, "latestRoundData")
		if err != nil {
			yield(nil, err)
			return
		}

		phase, latestAgg := splitRoundID(latest.id)
		startUnix := uint64(start.Unix())

		lo, hi := uint64(1), latestAgg+1
		for lo < hi {
			mid := lo + (hi-lo)/2
			r, err := o.call(ctx, "getRoundData", composeRoundID(phase, mid))
			if err != nil {
				yield(nil, err)
				return
			}
			if r.updatedAt < startUnix {
				lo = mid + 1
			} else {
				hi = mid
			}
		}

		page := make([]domain.PriceRecord, 0, o.batchSize)
		for agg := lo; agg <= latestAgg; agg++ {
			r, err := o.call(ctx, "getRoundData", composeRoundID(phase, agg))
			if err != nil {
				yield(nil, err)
				return
			}
			ts := time.Unix(int64(r.updatedAt), 0).UTC()
			if !ts.Before(end) {
				break
			}
			if ts.Before(start) || r.updatedAt == 0 {
				continue
			}
			rec, err := o.record(r, decimals)
			if err != nil {
				yield(nil, err)
				return
			}
			page = append(page, rec)
			if len(page) >= o.batchSize {
				if !yield(page, nil) {
					return
				}
				page = make([]domain.PriceRecord, 0, o.batchSize)
			}
		}
		if len(page) > 0 {
			yield(page, nil)
		}
	}
}

func (o *Oracle) record(r round, decimals int32) (domain.PriceRecord, error) {
	if r.updatedAt == 0 {
		return domain.PriceRecord{}, newError(o.id, "decode round", ErrSourceFormat, errors.New("round has no update time"))
	}
	return domain.PriceRecord{
		MarketZone: o.zone,
		PriceType:  o.priceType,
		Timestamp:  time.Unix(int64(r.updatedAt), 0).UTC(),
		Price:      decimal.NewFromBigInt(r.answer, -decimals),
		SourceID:   o.id,
	}, nil
}

func (o *Oracle) feedDecimals(ctx context.Context) (int32, error) {
	o.clientMux.Lock()
	known := o.decimals
	o.clientMux.Unlock()
	if known > 0 {
		return known, nil
	}
	out, err := o.invoke(ctx, "decimals")
	if err != nil {
		return 0, err
	}
	d, ok := out[0].(uint8)
	if !ok {
		return 0, newError(o.id, "decimals", ErrSourceFormat, errors.New("unexpected decimals output"))
	}
	o.clientMux.Lock()
	o.decimals = int32(d)
	o.clientMux.Unlock()
	return int32(d), nil
}

func (o *Oracle) call(ctx context.Context, method string, args ...any) (round, error) {
	out, err := o.invoke(ctx, method, args...)
	if err != nil {
		return round{}, err
	}
	if len(out) != 5 {
		return round{}, newError(o.id, method, ErrSourceFormat, fmt.Errorf("expected 5 outputs, got %d", len(out)))
	}
	id, ok1 := out[0].(*big.Int)
	answer, ok2 := out[1].(*big.Int)
	updated, ok3 := out[3].(*big.Int)
	if !ok1 || !ok2 || !ok3 {
		return round{}, newError(o.id, method, ErrSourceFormat, errors.New("failed to decode round data"))
	}
	return round{id: id, answer: answer, updatedAt: updated.Uint64()}, nil
}

func (o *Oracle) invoke(ctx context.Context, method string, args ...any) ([]any, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return nil, newError(o.id, method, ErrSourceUnavailable, err)
	}
	client, err := o.getClient(ctx)
	if err != nil {
		return nil, newError(o.id, "dial rpc", ErrSourceUnavailable, err)
	}

	payload, err := aggregatorABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &o.feed, Data: payload}, nil)
	if err != nil {
		return nil, newError(o.id, method, ErrSourceUnavailable, err)
	}
	out, err := aggregatorABI.Unpack(method, res)
	if err != nil {
		return nil, newError(o.id, method, ErrSourceFormat, err)
	}
	if len(out) == 0 {
		return nil, newError(o.id, method, ErrSourceFormat, errors.New("empty response"))
	}
	return out, nil
}

func (o *Oracle) getClient(ctx context.Context) (ContractCaller, error) {
	o.clientMux.Lock()
	defer o.clientMux.Unlock()

	if o.client != nil {
		return o.client, nil
	}
	client, err := ethclient.DialContext(ctx, o.rpcURL)
	if err != nil {
		return nil, err
	}
	o.client = client
	return client, nil
}

var phaseShift = big.NewInt(0).Lsh(big.NewInt(1), 64)

// splitRoundID separates the proxy round id into phase and aggregator round.
func splitRoundID(id *big.Int) (uint64, uint64) {
	phase := new(big.Int).Rsh(id, 64)
	agg := new(big.Int).Mod(id, phaseShift)
	return phase.Uint64(), agg.Uint64()
}

func composeRoundID(phase, agg uint64) *big.Int {
	id := new(big.Int).Lsh(new(big.Int).SetUint64(phase), 64)
	return id.Add(id, new(big.Int).SetUint64(agg))
}

var _ Connector = (*Oracle)(nil)
