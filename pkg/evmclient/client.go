/**
 * @description
 * This package provides a client for the EVM ledger that hosts the token
 * contract. It encapsulates transaction assembly, signing and submission for
 * the contract's batchTransfer call, plus receipt polling until the configured
 * confirmation depth.
 *
 * Key decisions:
 * - The treasury key signs every submission, so there is a single nonce
 *   sequence. The client reads the pending nonce per submission and relies on
 *   the caller to serialize submissions rather than managing nonces itself.
 * - Faults are classified at this boundary: connectivity problems surface as
 *   NETWORK_ERROR so the caller can retry, everything else is terminal for the
 *   attempt.
 *
 * @dependencies
 * - github.com/ethereum/go-ethereum: RPC client, ABI encoding, transaction
 *   types and signing.
 */

package evmclient

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/kudoshq/airdrop-service/internal/domain"
)

// tokenABI is the slice of the token contract interface this service uses.
const tokenABI = `[
	{
		"name": "batchTransfer",
		"type": "function",
		"stateMutability": "nonpayable",
		"inputs": [
			{"name": "recipients", "type": "address[]"},
			{"name": "amounts", "type": "uint256[]"}
		],
		"outputs": []
	},
	{
		"name": "BatchTransfer",
		"type": "event",
		"anonymous": false,
		"inputs": [
			{"name": "totalAmount", "type": "uint256", "indexed": false},
			{"name": "recipientCount", "type": "uint256", "indexed": false}
		]
	}
]`

// gasLimitHeadroomPercent pads the node's gas estimate so a batch near the
// estimate boundary does not run out of gas.
const gasLimitHeadroomPercent = 20

// Options configures the ledger client.
type Options struct {
	RPCURL          string
	ContractAddress string
	PrivateKeyHex   string
	ChainID         int64
	PollInterval    time.Duration
	ConfirmTimeout  time.Duration
}

// Client talks to the EVM ledger node over JSON-RPC.
type Client struct {
	eth            *ethclient.Client
	contractABI    abi.ABI
	contract       common.Address
	privateKey     *ecdsa.PrivateKey
	from           common.Address
	chainID        *big.Int
	pollInterval   time.Duration
	confirmTimeout time.Duration
}

// NewClient dials the ledger node and prepares the signing identity.
func NewClient(ctx context.Context, opts Options) (*Client, error) {
	parsedABI, err := abi.JSON(strings.NewReader(tokenABI))
	if err != nil {
		return nil, fmt.Errorf("parse token abi: %w", err)
	}

	keyHex := strings.TrimPrefix(strings.TrimSpace(opts.PrivateKeyHex), "0x")
	privateKey, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("parse treasury key: %w", err)
	}

	if !common.IsHexAddress(opts.ContractAddress) {
		return nil, fmt.Errorf("invalid token contract address %q", opts.ContractAddress)
	}

	eth, err := ethclient.DialContext(ctx, opts.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial ledger rpc: %w", err)
	}

	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	confirmTimeout := opts.ConfirmTimeout
	if confirmTimeout <= 0 {
		confirmTimeout = 10 * time.Minute
	}

	return &Client{
		eth:            eth,
		contractABI:    parsedABI,
		contract:       common.HexToAddress(opts.ContractAddress),
		privateKey:     privateKey,
		from:           crypto.PubkeyToAddress(privateKey.PublicKey),
		chainID:        big.NewInt(opts.ChainID),
		pollInterval:   pollInterval,
		confirmTimeout: confirmTimeout,
	}, nil
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	c.eth.Close()
}

// TreasuryAddress returns the address submissions are signed with.
func (c *Client) TreasuryAddress() string {
	return c.from.Hex()
}

// SubmitBatchTransfer assembles, signs and submits one batchTransfer call. It
// returns as soon as the node accepts the transaction into its pool.
func (c *Client) SubmitBatchTransfer(ctx context.Context, pairs []domain.TransferPair) (*domain.TxHandle, error) {
	recipients := make([]common.Address, 0, len(pairs))
	amounts := make([]*big.Int, 0, len(pairs))
	for _, pair := range pairs {
		if !common.IsHexAddress(pair.Recipient) {
			return nil, domain.NewFault(domain.FaultInvalidRequest, "submit batch transfer",
				fmt.Errorf("recipient %q is not a valid address", pair.Recipient))
		}
		recipients = append(recipients, common.HexToAddress(pair.Recipient))
		amounts = append(amounts, pair.Amount)
	}

	callData, err := c.contractABI.Pack("batchTransfer", recipients, amounts)
	if err != nil {
		return nil, domain.NewFault(domain.FaultInvalidRequest, "submit batch transfer", err)
	}

	nonce, err := c.eth.PendingNonceAt(ctx, c.from)
	if err != nil {
		return nil, classifyRPCError("read pending nonce", err)
	}

	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, classifyRPCError("suggest gas price", err)
	}

	gasLimit, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{
		From: c.from,
		To:   &c.contract,
		Data: callData,
	})
	if err != nil {
		// Estimation failure usually means the call would revert, which no
		// amount of retrying will fix.
		return nil, classifyRPCError("estimate gas", err)
	}
	gasLimit += gasLimit * gasLimitHeadroomPercent / 100

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &c.contract,
		Value:    big.NewInt(0),
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     callData,
	})

	signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.privateKey)
	if err != nil {
		return nil, domain.NewFault(domain.FaultUnknown, "sign batch transfer", err)
	}

	rawPayload, err := signedTx.MarshalBinary()
	if err != nil {
		return nil, domain.NewFault(domain.FaultUnknown, "encode batch transfer", err)
	}

	if err := c.eth.SendTransaction(ctx, signedTx); err != nil {
		return nil, classifyRPCError("send batch transfer", err)
	}

	return &domain.TxHandle{
		Hash:        signedTx.Hash().Hex(),
		FromAddress: c.from.Hex(),
		ToAddress:   c.contract.Hex(),
		Nonce:       nonce,
		GasLimit:    gasLimit,
		GasPrice:    gasPrice,
		RawPayload:  rawPayload,
	}, nil
}

// AwaitConfirmation polls for the transaction receipt and then waits until the
// chain head is at least `confirmations` blocks past the inclusion block. With
// zero confirmations the receipt alone is enough.
func (c *Client) AwaitConfirmation(ctx context.Context, handle *domain.TxHandle, confirmations int) (*domain.Receipt, error) {
	hash := common.HexToHash(handle.Hash)
	deadline := time.Now().Add(c.confirmTimeout)

	var receipt *types.Receipt
	for {
		var err error
		receipt, err = c.eth.TransactionReceipt(ctx, hash)
		if err == nil {
			break
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, classifyRPCError("poll receipt", err)
		}
		if time.Now().After(deadline) {
			// The transaction may still confirm later; treat the timeout as a
			// connectivity-class fault so the caller's retry budget applies.
			return nil, domain.NewFault(domain.FaultNetwork, "poll receipt",
				fmt.Errorf("no receipt for %s within %s", handle.Hash, c.confirmTimeout))
		}
		if err := sleepOrDone(ctx, c.pollInterval); err != nil {
			return nil, domain.NewFault(domain.FaultNetwork, "poll receipt", err)
		}
	}

	if confirmations > 0 {
		target := receipt.BlockNumber.Uint64() + uint64(confirmations)
		for {
			head, err := c.eth.BlockNumber(ctx)
			if err != nil {
				return nil, classifyRPCError("read chain head", err)
			}
			if head >= target {
				break
			}
			if time.Now().After(deadline) {
				return nil, domain.NewFault(domain.FaultNetwork, "await confirmations",
					fmt.Errorf("transaction %s not buried by %d blocks within %s", handle.Hash, confirmations, c.confirmTimeout))
			}
			if err := sleepOrDone(ctx, c.pollInterval); err != nil {
				return nil, domain.NewFault(domain.FaultNetwork, "await confirmations", err)
			}
		}
	}

	return c.toDomainReceipt(receipt), nil
}

func (c *Client) toDomainReceipt(receipt *types.Receipt) *domain.Receipt {
	out := &domain.Receipt{
		Succeeded:         receipt.Status == types.ReceiptStatusSuccessful,
		BlockNumber:       receipt.BlockNumber.Uint64(),
		BlockHash:         receipt.BlockHash.Hex(),
		GasUsed:           receipt.GasUsed,
		EffectiveGasPrice: receipt.EffectiveGasPrice,
	}

	batchTransferID := c.contractABI.Events["BatchTransfer"].ID
	for _, logEntry := range receipt.Logs {
		if logEntry.Address != c.contract || len(logEntry.Topics) == 0 || logEntry.Topics[0] != batchTransferID {
			continue
		}
		values, err := c.contractABI.Unpack("BatchTransfer", logEntry.Data)
		if err != nil || len(values) != 2 {
			continue
		}
		totalAmount, okAmount := values[0].(*big.Int)
		recipientCount, okCount := values[1].(*big.Int)
		if !okAmount || !okCount {
			continue
		}
		out.Events = append(out.Events, domain.LedgerEvent{
			Name:           "BatchTransfer",
			TotalAmount:    totalAmount,
			RecipientCount: recipientCount.Uint64(),
		})
	}
	return out
}

// classifyRPCError maps transport-level failures to NETWORK_ERROR and leaves
// everything else terminal.
func classifyRPCError(op string, err error) error {
	if isNetworkError(err) {
		return domain.NewFault(domain.FaultNetwork, op, err)
	}
	return domain.NewFault(domain.FaultUnknown, op, err)
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "i/o timeout") ||
		strings.Contains(msg, "EOF")
}

func sleepOrDone(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
