package accumulator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

const (
	factoryABIJSON = `[{"constant":true,"inputs":[{"internalType":"address","name":"","type":"address"},{"internalType":"address","name":"","type":"address"}],"name":"getPair","outputs":[{"internalType":"address","name":"","type":"address"}],"payable":false,"stateMutability":"view","type":"function"}]`
	pairABIJSON    = `[{"constant":true,"inputs":[],"name":"getReserves","outputs":[{"internalType":"uint112","name":"_reserve0","type":"uint112"},{"internalType":"uint112","name":"_reserve1","type":"uint112"},{"internalType":"uint32","name":"_blockTimestampLast","type":"uint32"}],"payable":false,"stateMutability":"view","type":"function"},{"constant":true,"inputs":[],"name":"price0CumulativeLast","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"payable":false,"stateMutability":"view","type":"function"},{"constant":true,"inputs":[],"name":"price1CumulativeLast","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"payable":false,"stateMutability":"view","type":"function"}]`
)

var (
	factoryABI abi.ABI
	pairABI    abi.ABI
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(factoryABIJSON))
	if err != nil {
		panic("failed to parse factory ABI: " + err.Error())
	}
	factoryABI = parsed

	parsed, err = abi.JSON(strings.NewReader(pairABIJSON))
	if err != nil {
		panic("failed to parse pair ABI: " + err.Error())
	}
	pairABI = parsed
}

// ChainBackend is the subset of ethclient.Client used by Chain.
type ChainBackend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// ChainOptions parameterise the on-chain source.
type ChainOptions struct {
	RPCURL         string
	FactoryAddress string
	Timeout        time.Duration
}

// Chain reads cumulative prices from Uniswap V2 pairs over Ethereum RPC.
type Chain struct {
	opts   ChainOptions
	logger zerolog.Logger

	clientMux sync.Mutex
	backend   ChainBackend

	pairMux sync.RWMutex
	pairs   map[pairKey]common.Address
}

// NewChain builds an on-chain source that dials RPCURL lazily.
func NewChain(opts ChainOptions, logger zerolog.Logger) *Chain {
	return &Chain{
		opts:   opts,
		logger: logger.With().Str("component", "chain_source").Logger(),
		pairs:  make(map[pairKey]common.Address),
	}
}

// NewChainWithBackend builds an on-chain source over an existing backend.
func NewChainWithBackend(opts ChainOptions, backend ChainBackend, logger zerolog.Logger) *Chain {
	c := NewChain(opts, logger)
	c.backend = backend
	return c
}

// Timestamp returns the latest block's timestamp truncated to 32 bits.
func (c *Chain) Timestamp(ctx context.Context) (uint32, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	backend, err := c.getBackend(ctx)
	if err != nil {
		return 0, err
	}
	header, err := backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("fetch latest header: %w", err)
	}
	return uint32(header.Time), nil
}

// CurrentCumulativePrices implements Source. All reads are pinned to the
// latest block so the counterfactual accumulation uses that block's time.
func (c *Chain) CurrentCumulativePrices(ctx context.Context, tokenA, tokenB common.Address) (Sample, error) {
	if c.opts.FactoryAddress == "" {
		return Sample{}, errors.New("uniswap factory address not configured")
	}
	token0, token1, err := SortTokens(tokenA, tokenB)
	if err != nil {
		return Sample{}, err
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	backend, err := c.getBackend(ctx)
	if err != nil {
		return Sample{}, err
	}
	header, err := backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return Sample{}, fmt.Errorf("fetch latest header: %w", err)
	}
	block := header.Number
	now := uint32(header.Time)

	pair, err := c.pairFor(ctx, backend, token0, token1, block)
	if err != nil {
		return Sample{}, err
	}
	if pair == (common.Address{}) {
		return Sample{}, fmt.Errorf("pair %s/%s not deployed: %w", token0.Hex(), token1.Hex(), ErrNoReserves)
	}

	outputs, err := c.call(ctx, backend, pairABI, pair, block, "getReserves")
	if err != nil {
		return Sample{}, err
	}
	if len(outputs) != 3 {
		return Sample{}, errors.New("unexpected getReserves response")
	}
	reserve0, ok0 := outputs[0].(*big.Int)
	reserve1, ok1 := outputs[1].(*big.Int)
	last, ok2 := outputs[2].(uint32)
	if !ok0 || !ok1 || !ok2 {
		return Sample{}, errors.New("failed to decode getReserves output")
	}
	if reserve0.Sign() == 0 || reserve1.Sign() == 0 {
		return Sample{}, ErrNoReserves
	}

	var sample Sample
	sample.Timestamp = now
	if err := c.callUint(ctx, backend, pair, block, "price0CumulativeLast", &sample.Price0Cumulative); err != nil {
		return Sample{}, err
	}
	if err := c.callUint(ctx, backend, pair, block, "price1CumulativeLast", &sample.Price1Cumulative); err != nil {
		return Sample{}, err
	}

	r0, _ := uint256.FromBig(reserve0)
	r1, _ := uint256.FromBig(reserve1)
	if err := accumulate(&sample, r0, r1, last, now); err != nil {
		return Sample{}, err
	}
	return sample, nil
}

func (c *Chain) pairFor(ctx context.Context, backend ChainBackend, token0, token1 common.Address, block *big.Int) (common.Address, error) {
	key := pairKey{token0, token1}
	c.pairMux.RLock()
	pair, ok := c.pairs[key]
	c.pairMux.RUnlock()
	if ok {
		return pair, nil
	}

	factory := common.HexToAddress(c.opts.FactoryAddress)
	outputs, err := c.call(ctx, backend, factoryABI, factory, block, "getPair", token0, token1)
	if err != nil {
		return common.Address{}, err
	}
	if len(outputs) != 1 {
		return common.Address{}, errors.New("unexpected getPair response")
	}
	pair, ok = outputs[0].(common.Address)
	if !ok {
		return common.Address{}, errors.New("failed to decode getPair output")
	}
	if pair == (common.Address{}) {
		return pair, nil
	}

	c.pairMux.Lock()
	c.pairs[key] = pair
	c.pairMux.Unlock()
	c.logger.Debug().Str("token0", token0.Hex()).Str("token1", token1.Hex()).Str("pair", pair.Hex()).Msg("resolved pair")
	return pair, nil
}

func (c *Chain) callUint(ctx context.Context, backend ChainBackend, pair common.Address, block *big.Int, method string, out *uint256.Int) error {
	outputs, err := c.call(ctx, backend, pairABI, pair, block, method)
	if err != nil {
		return err
	}
	if len(outputs) != 1 {
		return fmt.Errorf("unexpected %s response", method)
	}
	value, ok := outputs[0].(*big.Int)
	if !ok {
		return fmt.Errorf("failed to decode %s output", method)
	}
	if overflow := out.SetFromBig(value); overflow {
		return fmt.Errorf("decode %s: value exceeds 256 bits", method)
	}
	return nil
}

func (c *Chain) call(ctx context.Context, backend ChainBackend, contract abi.ABI, to common.Address, block *big.Int, method string, args ...any) ([]any, error) {
	payload, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	res, err := backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: payload}, block)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	outputs, err := contract.Unpack(method, res)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return outputs, nil
}

func (c *Chain) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := c.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

func (c *Chain) getBackend(ctx context.Context) (ChainBackend, error) {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()

	if c.backend != nil {
		return c.backend, nil
	}
	if c.opts.RPCURL == "" {
		return nil, errors.New("ethereum rpc url not configured")
	}
	client, err := ethclient.DialContext(ctx, c.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	c.backend = client
	return client, nil
}

var _ Source = (*Chain)(nil)
