package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
)

// EscrowABI is the interface of the wager escrow contract.
const EscrowABI = `[
  {"type":"function","name":"placeBet","stateMutability":"nonpayable","outputs":[],
   "inputs":[
     {"name":"betId","type":"uint256"},
     {"name":"agreeParticipants","type":"address[]"},
     {"name":"disagreeParticipants","type":"address[]"},
     {"name":"amount","type":"uint256"}]},
  {"type":"function","name":"resolveBet","stateMutability":"nonpayable","outputs":[],
   "inputs":[
     {"name":"betId","type":"uint256"},
     {"name":"agreeWon","type":"bool"}]}
]`

// EVMConfig addresses the escrow contract.
type EVMConfig struct {
	RPCURL          string
	ContractAddress string
	PrivateKey      string // hex, optional 0x prefix
	ChainID         int64
	TokenDecimals   int32
}

// Backend is what the connector needs from an Ethereum node.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
}

// EVMConnector settles wagers through the escrow contract, signing with one
// operator key. Transactions are sent one at a time so nonces don't collide.
type EVMConnector struct {
	backend  Backend
	contract *bind.BoundContract
	auth     *bind.TransactOpts
	decimals int32

	mu sync.Mutex
}

// DialEVM connects to cfg.RPCURL and binds the escrow contract.
func DialEVM(ctx context.Context, cfg EVMConfig) (*EVMConnector, error) {
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("settlement: dial %s: %w", cfg.RPCURL, err)
	}
	return NewEVMConnector(client, cfg)
}

// NewEVMConnector binds the escrow contract on an existing backend.
func NewEVMConnector(backend Backend, cfg EVMConfig) (*EVMConnector, error) {
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("settlement: bad contract address %q", cfg.ContractAddress)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("settlement: parse private key: %w", err)
	}
	auth, err := bind.NewKeyedTransactorWithChainID(key, big.NewInt(cfg.ChainID))
	if err != nil {
		return nil, fmt.Errorf("settlement: transactor: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(EscrowABI))
	if err != nil {
		return nil, fmt.Errorf("settlement: parse abi: %w", err)
	}
	addr := common.HexToAddress(cfg.ContractAddress)

	slog.Info("settlement connector bound",
		"contract", addr.Hex(),
		"operator", auth.From.Hex(),
		"chain_id", cfg.ChainID,
	)

	return &EVMConnector{
		backend:  backend,
		contract: bind.NewBoundContract(addr, parsed, backend, backend, backend),
		auth:     auth,
		decimals: cfg.TokenDecimals,
	}, nil
}

// Escrow calls placeBet and waits for the receipt.
func (c *EVMConnector) Escrow(ctx context.Context, wagerID int64, agree, disagree []string, stake decimal.Decimal) (string, error) {
	agreeAddrs, err := ParseAddresses(agree)
	if err != nil {
		return "", err
	}
	disagreeAddrs, err := ParseAddresses(disagree)
	if err != nil {
		return "", err
	}
	amount, err := ToBaseUnits(stake, c.decimals)
	if err != nil {
		return "", err
	}

	return c.transact(ctx, "placeBet", big.NewInt(wagerID), agreeAddrs, disagreeAddrs, amount)
}

// Distribute calls resolveBet and waits for the receipt.
func (c *EVMConnector) Distribute(ctx context.Context, wagerID int64, agreeWon bool) (string, error) {
	return c.transact(ctx, "resolveBet", big.NewInt(wagerID), agreeWon)
}

func (c *EVMConnector) transact(ctx context.Context, method string, params ...any) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	opts := *c.auth
	opts.Context = ctx

	tx, err := c.contract.Transact(&opts, method, params...)
	if err != nil {
		return "", fmt.Errorf("settlement: %s: %w", method, err)
	}
	slog.Info("settlement tx sent", "method", method, "tx", tx.Hash().Hex())

	receipt, err := bind.WaitMined(ctx, c.backend, tx)
	if err != nil {
		return tx.Hash().Hex(), fmt.Errorf("settlement: %s confirmation %s: %w", method, tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return tx.Hash().Hex(), fmt.Errorf("%w: %s %s", ErrReverted, method, tx.Hash().Hex())
	}
	return tx.Hash().Hex(), nil
}

// ParseAddresses converts participant identities to addresses. Every
// identity must be a hex address.
func ParseAddresses(ids []string) ([]common.Address, error) {
	out := make([]common.Address, 0, len(ids))
	for _, id := range ids {
		if !common.IsHexAddress(id) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, id)
		}
		out = append(out, common.HexToAddress(id))
	}
	return out, nil
}

// ToBaseUnits scales a decimal stake to the token's smallest unit. Stakes
// finer than the token's precision are rejected rather than rounded.
func ToBaseUnits(stake decimal.Decimal, decimals int32) (*big.Int, error) {
	if !stake.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, stake)
	}
	scaled := stake.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("%w: %s exceeds %d decimals", ErrInvalidAmount, stake, decimals)
	}
	return scaled.BigInt(), nil
}

var _ Connector = (*EVMConnector)(nil)
