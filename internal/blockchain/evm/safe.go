package evm

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"vaultflow/internal/models"
)

// Operation is the Safe call type
type Operation uint8

const (
	OperationCall         Operation = 0
	OperationDelegateCall Operation = 1
)

var (
	safeDomainTypeHash = crypto.Keccak256([]byte("EIP712Domain(uint256 chainId,address verifyingContract)"))
	safeTxTypeHash     = crypto.Keccak256([]byte("SafeTx(address to,uint256 value,bytes data,uint8 operation,uint256 safeTxGas,uint256 baseGas,uint256 gasPrice,address gasToken,address refundReceiver,uint256 nonce)"))
)

// SafeTx is the transaction a Safe owner signs. Gas refund fields stay zero:
// the relay or the owner EOA pays gas outside the Safe.
type SafeTx struct {
	To             common.Address
	Value          *big.Int
	Data           []byte
	Operation      Operation
	SafeTxGas      *big.Int
	BaseGas        *big.Int
	GasPrice       *big.Int
	GasToken       common.Address
	RefundReceiver common.Address
	Nonce          *big.Int
}

// SafeDomainSeparator returns the EIP-712 domain separator of a Safe (v1.3+)
func SafeDomainSeparator(chainID uint64, safe common.Address) []byte {
	return crypto.Keccak256(
		safeDomainTypeHash,
		common.LeftPadBytes(new(big.Int).SetUint64(chainID).Bytes(), 32),
		common.LeftPadBytes(safe.Bytes(), 32),
	)
}

// Hash returns the EIP-712 digest the Safe checks signatures against
func (tx SafeTx) Hash(chainID uint64, safe common.Address) common.Hash {
	structHash := crypto.Keccak256(
		safeTxTypeHash,
		common.LeftPadBytes(tx.To.Bytes(), 32),
		word(tx.Value),
		crypto.Keccak256(tx.Data),
		common.LeftPadBytes([]byte{byte(tx.Operation)}, 32),
		word(tx.SafeTxGas),
		word(tx.BaseGas),
		word(tx.GasPrice),
		common.LeftPadBytes(tx.GasToken.Bytes(), 32),
		common.LeftPadBytes(tx.RefundReceiver.Bytes(), 32),
		word(tx.Nonce),
	)
	return crypto.Keccak256Hash([]byte{0x19, 0x01}, SafeDomainSeparator(chainID, safe), structHash)
}

// BatchSafeTx wraps sub-transactions into one SafeTx: a plain call for a
// single sub-transaction, a delegatecall to MultiSend otherwise.
func BatchSafeTx(txs []models.SubTransaction, multiSend common.Address, nonce *big.Int) (SafeTx, error) {
	if len(txs) == 0 {
		return SafeTx{}, fmt.Errorf("no transactions to send")
	}

	tx := SafeTx{
		SafeTxGas: new(big.Int),
		BaseGas:   new(big.Int),
		GasPrice:  new(big.Int),
		Nonce:     new(big.Int).Set(nonce),
	}

	if len(txs) == 1 {
		tx.To = txs[0].To
		tx.Value = valueOrZero(txs[0].Value)
		tx.Data = txs[0].Data
		tx.Operation = OperationCall
		return tx, nil
	}

	if multiSend == (common.Address{}) {
		return SafeTx{}, fmt.Errorf("multisend address is required to batch %d transactions", len(txs))
	}
	data, err := EncodeMultiSend(txs)
	if err != nil {
		return SafeTx{}, err
	}
	tx.To = multiSend
	tx.Value = new(big.Int)
	tx.Data = data
	tx.Operation = OperationDelegateCall
	return tx, nil
}

// EncodeMultiSend packs sub-transactions as multiSend(bytes) calldata.
// Each entry is operation(1) ++ to(20) ++ value(32) ++ dataLength(32) ++ data.
func EncodeMultiSend(txs []models.SubTransaction) ([]byte, error) {
	var packed []byte
	for _, t := range txs {
		packed = append(packed, byte(OperationCall))
		packed = append(packed, t.To.Bytes()...)
		packed = append(packed, word(t.Value)...)
		packed = append(packed, common.LeftPadBytes(big.NewInt(int64(len(t.Data))).Bytes(), 32)...)
		packed = append(packed, t.Data...)
	}
	return MultiSend.Pack("multiSend", packed)
}

// DecodeMultiSend reverses EncodeMultiSend
func DecodeMultiSend(calldata []byte) ([]models.SubTransaction, error) {
	if len(calldata) < 4 {
		return nil, fmt.Errorf("short multisend calldata")
	}
	args, err := MultiSend.Methods["multiSend"].Inputs.Unpack(calldata[4:])
	if err != nil {
		return nil, fmt.Errorf("failed to unpack multiSend: %w", err)
	}
	packed, ok := args[0].([]byte)
	if !ok {
		return nil, fmt.Errorf("unexpected multiSend argument type %T", args[0])
	}

	var txs []models.SubTransaction
	for i := 0; i < len(packed); {
		if len(packed)-i < 85 {
			return nil, fmt.Errorf("truncated multisend entry at offset %d", i)
		}
		to := common.BytesToAddress(packed[i+1 : i+21])
		value := new(big.Int).SetBytes(packed[i+21 : i+53])
		length := new(big.Int).SetBytes(packed[i+53 : i+85])
		if !length.IsUint64() || length.Uint64() > uint64(len(packed)-i-85) {
			return nil, fmt.Errorf("bad multisend data length at offset %d", i)
		}
		n := int(length.Uint64())
		data := append([]byte(nil), packed[i+85:i+85+n]...)
		txs = append(txs, models.SubTransaction{To: to, Value: value, Data: data})
		i += 85 + n
	}
	return txs, nil
}

// EncodeExecTransaction returns calldata for Safe.execTransaction
func EncodeExecTransaction(tx SafeTx, signatures []byte) ([]byte, error) {
	return Safe.Pack("execTransaction",
		tx.To,
		valueOrZero(tx.Value),
		tx.Data,
		uint8(tx.Operation),
		valueOrZero(tx.SafeTxGas),
		valueOrZero(tx.BaseGas),
		valueOrZero(tx.GasPrice),
		tx.GasToken,
		tx.RefundReceiver,
		signatures,
	)
}

// SafeSignatureFromECDSA converts a 65-byte [R || S || V] signature with V
// in {0,1} to the Safe encoding. ethSign marks a signature over the
// "\x19Ethereum Signed Message" prefixed digest (V+31); otherwise the
// signature is over the raw digest (V+27).
func SafeSignatureFromECDSA(sig []byte, ethSign bool) ([]byte, error) {
	if len(sig) != 65 {
		return nil, fmt.Errorf("invalid signature length %d", len(sig))
	}
	out := append([]byte(nil), sig...)
	v := out[64]
	if v >= 27 {
		v -= 27
	}
	if v > 1 {
		return nil, fmt.Errorf("invalid signature recovery id %d", sig[64])
	}
	if ethSign {
		out[64] = v + 31
	} else {
		out[64] = v + 27
	}
	return out, nil
}

// EthSignDigest returns the personal-message digest of hash
func EthSignDigest(hash common.Hash) []byte {
	return crypto.Keccak256([]byte("\x19Ethereum Signed Message:\n32"), hash.Bytes())
}

// RecoverSafeSigner returns the owner that produced a single Safe signature
func RecoverSafeSigner(hash common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("invalid signature length %d", len(sig))
	}
	digest := hash.Bytes()
	v := sig[64]
	switch {
	case v == 31 || v == 32:
		digest = EthSignDigest(hash)
		v -= 31
	case v == 27 || v == 28:
		v -= 27
	default:
		return common.Address{}, fmt.Errorf("unsupported signature type v=%d", v)
	}

	plain := append([]byte(nil), sig[:64]...)
	plain = append(plain, v)
	pub, err := crypto.SigToPub(digest, plain)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func word(v *big.Int) []byte {
	return common.LeftPadBytes(valueOrZero(v).Bytes(), 32)
}

func valueOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

