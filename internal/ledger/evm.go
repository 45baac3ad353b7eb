package ledger

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/trufnetwork/attestd/internal/types"
)

// anchorABI is the surface of the anchor contract: one write that records a
// batch and one view that answers digest membership.
const anchorABI = `[
  {"type":"function","name":"anchorBatch","stateMutability":"nonpayable","inputs":[{"name":"root","type":"bytes32"},{"name":"count","type":"uint256"},{"name":"leaves","type":"bytes32[]"}],"outputs":[]},
  {"type":"function","name":"isAnchored","stateMutability":"view","inputs":[{"name":"digest","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}]}
]`

const receiptPollInterval = 500 * time.Millisecond

// EVMLedger anchors batches through a deployed contract, paying with the
// deployer key. One instance is safe for concurrent use only from the single
// batcher; nonce assignment assumes no competing sender on the same key.
type EVMLedger struct {
	client   *ethclient.Client
	contract common.Address
	key      *ecdsa.PrivateKey
	from     common.Address
	chainID  *big.Int
	abi      abi.ABI
	logger   *zap.Logger
}

// NewEVM validates the anchor configuration and prepares a client. The RPC
// endpoint is not contacted until the first call.
func NewEVM(rpcURL, contractAddr, keyHex string, chainID int64, logger *zap.Logger) (*EVMLedger, error) {
	if !common.IsHexAddress(contractAddr) {
		return nil, errors.Errorf("invalid anchor contract address %q", contractAddr)
	}
	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
	if err != nil {
		return nil, errors.Wrap(err, "parse anchor key")
	}
	if chainID <= 0 {
		return nil, errors.Errorf("invalid chain id %d", chainID)
	}
	parsed, err := abi.JSON(strings.NewReader(anchorABI))
	if err != nil {
		return nil, errors.Wrap(err, "parse anchor abi")
	}
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, errors.Wrap(err, "dial ledger rpc")
	}
	return &EVMLedger{
		client:   client,
		contract: common.HexToAddress(contractAddr),
		key:      key,
		from:     ethcrypto.PubkeyToAddress(key.PublicKey),
		chainID:  big.NewInt(chainID),
		abi:      parsed,
		logger:   logger,
	}, nil
}

func (l *EVMLedger) AnchorBatch(ctx context.Context, root string, leafCount int, leaves []string) (string, error) {
	rootHash, err := parseDigest(root)
	if err != nil {
		return "", err
	}
	leafHashes := make([][32]byte, len(leaves))
	for i, leaf := range leaves {
		leafHashes[i], err = parseDigest(leaf)
		if err != nil {
			return "", err
		}
	}

	data, err := l.abi.Pack("anchorBatch", rootHash, big.NewInt(int64(leafCount)), leafHashes)
	if err != nil {
		return "", errors.Wrap(err, "pack anchor call")
	}

	nonce, err := l.client.PendingNonceAt(ctx, l.from)
	if err != nil {
		return "", types.WrapError(types.CodeExternal, err, "ledger unavailable")
	}
	gasPrice, err := l.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", types.WrapError(types.CodeExternal, err, "ledger unavailable")
	}
	gasLimit, err := l.client.EstimateGas(ctx, ethereum.CallMsg{
		From: l.from,
		To:   &l.contract,
		Data: data,
	})
	if err != nil {
		return "", types.WrapError(types.CodeExternal, err, "anchor estimate rejected")
	}

	tx := ethtypes.NewTransaction(nonce, l.contract, big.NewInt(0), gasLimit, gasPrice, data)
	signed, err := ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(l.chainID), l.key)
	if err != nil {
		return "", errors.Wrap(err, "sign anchor tx")
	}
	if err := l.client.SendTransaction(ctx, signed); err != nil {
		return "", types.WrapError(types.CodeExternal, err, "anchor broadcast failed")
	}

	l.logger.Info("anchor transaction sent",
		zap.String("tx", signed.Hash().Hex()),
		zap.String("root", root),
		zap.Int("leaves", leafCount))

	receipt, err := l.waitMined(ctx, signed.Hash())
	if err != nil {
		return "", types.WrapError(types.CodeExternal, err, "anchor confirmation failed")
	}
	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		return "", types.NewError(types.CodeExternal, "anchor transaction reverted")
	}
	return signed.Hash().Hex(), nil
}

func (l *EVMLedger) Lookup(ctx context.Context, digest string) (bool, error) {
	d, err := parseDigest(digest)
	if err != nil {
		return false, err
	}
	data, err := l.abi.Pack("isAnchored", d)
	if err != nil {
		return false, errors.Wrap(err, "pack lookup call")
	}
	out, err := l.client.CallContract(ctx, ethereum.CallMsg{To: &l.contract, Data: data}, nil)
	if err != nil {
		return false, types.WrapError(types.CodeExternal, err, "ledger unavailable")
	}
	vals, err := l.abi.Unpack("isAnchored", out)
	if err != nil {
		return false, errors.Wrap(err, "unpack lookup result")
	}
	anchored, ok := vals[0].(bool)
	if !ok {
		return false, errors.New("unexpected lookup result type")
	}
	return anchored, nil
}

// waitMined polls for the receipt until ctx expires.
func (l *EVMLedger) waitMined(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error) {
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()
	for {
		receipt, err := l.client.TransactionReceipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// parseDigest decodes a 0x-prefixed 32-byte hex digest.
func parseDigest(digest string) ([32]byte, error) {
	var out [32]byte
	raw, err := hexutil.Decode(digest)
	if err != nil {
		return out, types.WrapError(types.CodeValidation, err, "malformed digest")
	}
	if len(raw) != 32 {
		return out, types.NewError(types.CodeValidation, "digest is %d bytes, want 32", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}
