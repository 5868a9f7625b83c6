package evm

import (
	"bytes"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"vaultflow/internal/models"
)

func TestMultiSendRoundTrip(t *testing.T) {
	txs := []models.SubTransaction{
		{To: common.HexToAddress("0x01"), Value: big.NewInt(0), Data: []byte{0x09, 0x5e, 0xa7, 0xb3}},
		{To: common.HexToAddress("0x02"), Value: big.NewInt(7), Data: nil},
		{To: common.HexToAddress("0x03"), Value: big.NewInt(0), Data: bytes.Repeat([]byte{0xab}, 68)},
	}

	data, err := EncodeMultiSend(txs)
	if err != nil {
		t.Fatalf("EncodeMultiSend() failed: %v", err)
	}

	decoded, err := DecodeMultiSend(data)
	if err != nil {
		t.Fatalf("DecodeMultiSend() failed: %v", err)
	}
	if len(decoded) != len(txs) {
		t.Fatalf("decoded %d transactions, want %d", len(decoded), len(txs))
	}
	for i := range txs {
		if decoded[i].To != txs[i].To {
			t.Errorf("tx %d: to = %s, want %s", i, decoded[i].To.Hex(), txs[i].To.Hex())
		}
		if decoded[i].Value.Cmp(txs[i].Value) != 0 {
			t.Errorf("tx %d: value = %s, want %s", i, decoded[i].Value, txs[i].Value)
		}
		if !bytes.Equal(decoded[i].Data, txs[i].Data) {
			t.Errorf("tx %d: data mismatch", i)
		}
	}
}

func TestBatchSafeTx(t *testing.T) {
	multiSend := common.HexToAddress("0x38869bf66a61cF6bDB996A6aE40D5853Fd43B526")
	one := models.SubTransaction{To: common.HexToAddress("0x01"), Value: big.NewInt(5), Data: []byte{1}}
	two := models.SubTransaction{To: common.HexToAddress("0x02"), Data: []byte{2}}

	single, err := BatchSafeTx([]models.SubTransaction{one}, multiSend, big.NewInt(3))
	if err != nil {
		t.Fatalf("BatchSafeTx() failed: %v", err)
	}
	if single.Operation != OperationCall || single.To != one.To || single.Value.Int64() != 5 {
		t.Errorf("single transaction should be a plain call, got %+v", single)
	}

	batch, err := BatchSafeTx([]models.SubTransaction{one, two}, multiSend, big.NewInt(3))
	if err != nil {
		t.Fatalf("BatchSafeTx() failed: %v", err)
	}
	if batch.Operation != OperationDelegateCall || batch.To != multiSend {
		t.Errorf("batch should delegatecall multisend, got op %d to %s", batch.Operation, batch.To.Hex())
	}

	if _, err := BatchSafeTx(nil, multiSend, big.NewInt(0)); err == nil {
		t.Error("expected error for empty batch")
	}
	if _, err := BatchSafeTx([]models.SubTransaction{one, two}, common.Address{}, big.NewInt(0)); err == nil {
		t.Error("expected error for batch without multisend")
	}
}

func TestSafeTxHashBindsChainAndSafe(t *testing.T) {
	safe := common.HexToAddress("0x00000000000000000000000000000000000005af")
	tx, _ := BatchSafeTx([]models.SubTransaction{{To: common.HexToAddress("0x01"), Data: []byte{1}}}, common.Address{}, big.NewInt(0))

	h1 := tx.Hash(8453, safe)
	if h1 != tx.Hash(8453, safe) {
		t.Error("hash is not deterministic")
	}
	if h1 == tx.Hash(10, safe) {
		t.Error("hash does not depend on chain id")
	}
	if h1 == tx.Hash(8453, common.HexToAddress("0x01")) {
		t.Error("hash does not depend on safe address")
	}
	tx.Nonce = big.NewInt(1)
	if h1 == tx.Hash(8453, safe) {
		t.Error("hash does not depend on nonce")
	}
}

func TestSafeSignatureRecovery(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	owner := crypto.PubkeyToAddress(key.PublicKey)
	hash := crypto.Keccak256Hash([]byte("safe tx"))

	tests := []struct {
		name    string
		ethSign bool
		digest  []byte
		wantV   []byte
	}{
		{name: "eth_sign", ethSign: true, digest: EthSignDigest(hash), wantV: []byte{31, 32}},
		{name: "raw digest", ethSign: false, digest: hash.Bytes(), wantV: []byte{27, 28}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := crypto.Sign(tt.digest, key)
			if err != nil {
				t.Fatal(err)
			}
			sig, err := SafeSignatureFromECDSA(raw, tt.ethSign)
			if err != nil {
				t.Fatalf("SafeSignatureFromECDSA() failed: %v", err)
			}
			if sig[64] != tt.wantV[0] && sig[64] != tt.wantV[1] {
				t.Errorf("v = %d, want one of %v", sig[64], tt.wantV)
			}

			got, err := RecoverSafeSigner(hash, sig)
			if err != nil {
				t.Fatalf("RecoverSafeSigner() failed: %v", err)
			}
			if got != owner {
				t.Errorf("recovered %s, want %s", got.Hex(), owner.Hex())
			}
		})
	}
}
