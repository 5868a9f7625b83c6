package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Units is a base-unit amount that travels as a base-10 JSON string. Bare
// JSON numbers are accepted on input.
type Units big.Int

// MarshalJSON implements json.Marshaler
func (u *Units) MarshalJSON() ([]byte, error) {
	return json.Marshal((*big.Int)(u).String())
}

// UnmarshalJSON implements json.Unmarshaler
func (u *Units) UnmarshalJSON(data []byte) error {
	s := string(bytes.Trim(data, `"`))
	if _, ok := (*big.Int)(u).SetString(s, 10); !ok {
		return fmt.Errorf("invalid base-unit amount %s", data)
	}
	return nil
}

func units(v *big.Int) *Units { return (*Units)(v) }

func bigOf(u *Units) *big.Int { return (*big.Int)(u) }

// The methods below follow the enc/dec shadow-struct layout of go-ethereum's
// generated JSON codecs: amount fields are shadowed by *Units fields with the
// same key, everything else goes through the plain alias.

func (tx SubTransaction) MarshalJSON() ([]byte, error) {
	type subTransaction SubTransaction
	return json.Marshal(struct {
		subTransaction
		Value *Units        `json:"value"`
		Data  hexutil.Bytes `json:"data"`
	}{subTransaction(tx), units(tx.Value), tx.Data})
}

func (tx *SubTransaction) UnmarshalJSON(data []byte) error {
	type subTransaction SubTransaction
	dec := struct {
		*subTransaction
		Value *Units        `json:"value"`
		Data  hexutil.Bytes `json:"data"`
	}{subTransaction: (*subTransaction)(tx)}
	if err := json.Unmarshal(data, &dec); err != nil {
		return err
	}
	tx.Value, tx.Data = bigOf(dec.Value), dec.Data
	return nil
}

func (f FeeBreakdown) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		BridgeFee     *Units `json:"bridge_fee"`
		LPFee         *Units `json:"lp_fee"`
		RelayerGasFee *Units `json:"relayer_gas_fee"`
	}{units(f.BridgeFee), units(f.LPFee), units(f.RelayerGasFee)})
}

func (f *FeeBreakdown) UnmarshalJSON(data []byte) error {
	var dec struct {
		BridgeFee     *Units `json:"bridge_fee"`
		LPFee         *Units `json:"lp_fee"`
		RelayerGasFee *Units `json:"relayer_gas_fee"`
	}
	if err := json.Unmarshal(data, &dec); err != nil {
		return err
	}
	f.BridgeFee, f.LPFee, f.RelayerGasFee = bigOf(dec.BridgeFee), bigOf(dec.LPFee), bigOf(dec.RelayerGasFee)
	return nil
}

func (q BridgeQuote) MarshalJSON() ([]byte, error) {
	type bridgeQuote BridgeQuote
	return json.Marshal(struct {
		bridgeQuote
		InputAmount  *Units `json:"input_amount"`
		OutputAmount *Units `json:"output_amount"`
	}{bridgeQuote(q), units(q.InputAmount), units(q.OutputAmount)})
}

func (q *BridgeQuote) UnmarshalJSON(data []byte) error {
	type bridgeQuote BridgeQuote
	dec := struct {
		*bridgeQuote
		InputAmount  *Units `json:"input_amount"`
		OutputAmount *Units `json:"output_amount"`
	}{bridgeQuote: (*bridgeQuote)(q)}
	if err := json.Unmarshal(data, &dec); err != nil {
		return err
	}
	q.InputAmount, q.OutputAmount = bigOf(dec.InputAmount), bigOf(dec.OutputAmount)
	return nil
}

func (s Settlement) MarshalJSON() ([]byte, error) {
	type settlement Settlement
	return json.Marshal(struct {
		settlement
		Amount *Units `json:"amount"`
		Shares *Units `json:"shares,omitempty"`
	}{settlement(s), units(s.Amount), units(s.Shares)})
}

func (s *Settlement) UnmarshalJSON(data []byte) error {
	type settlement Settlement
	dec := struct {
		*settlement
		Amount *Units `json:"amount"`
		Shares *Units `json:"shares,omitempty"`
	}{settlement: (*settlement)(s)}
	if err := json.Unmarshal(data, &dec); err != nil {
		return err
	}
	s.Amount, s.Shares = bigOf(dec.Amount), bigOf(dec.Shares)
	return nil
}

func (a ArrivalTarget) MarshalJSON() ([]byte, error) {
	type arrivalTarget ArrivalTarget
	return json.Marshal(struct {
		arrivalTarget
		Baseline *Units `json:"baseline"`
		Expected *Units `json:"expected"`
	}{arrivalTarget(a), units(a.Baseline), units(a.Expected)})
}

func (a *ArrivalTarget) UnmarshalJSON(data []byte) error {
	type arrivalTarget ArrivalTarget
	dec := struct {
		*arrivalTarget
		Baseline *Units `json:"baseline"`
		Expected *Units `json:"expected"`
	}{arrivalTarget: (*arrivalTarget)(a)}
	if err := json.Unmarshal(data, &dec); err != nil {
		return err
	}
	a.Baseline, a.Expected = bigOf(dec.Baseline), bigOf(dec.Expected)
	return nil
}

// Payloads only travel outward, so they marshal and never unmarshal.

func (p ApprovalPayload) MarshalJSON() ([]byte, error) {
	type approvalPayload ApprovalPayload
	return json.Marshal(struct {
		approvalPayload
		Current *Units `json:"current"`
		Target  *Units `json:"target"`
	}{approvalPayload(p), units(p.Current), units(p.Target)})
}

func (p DepositPayload) MarshalJSON() ([]byte, error) {
	type depositPayload DepositPayload
	return json.Marshal(struct {
		depositPayload
		Assets         *Units `json:"assets"`
		ExpectedShares *Units `json:"expected_shares,omitempty"`
		ExpectedAssets *Units `json:"expected_assets,omitempty"`
		Shares         *Units `json:"shares,omitempty"`
	}{depositPayload(p), units(p.Assets), units(p.ExpectedShares), units(p.ExpectedAssets), units(p.Shares)})
}

func (p IndexingPayload) MarshalJSON() ([]byte, error) {
	type indexingPayload IndexingPayload
	return json.Marshal(struct {
		indexingPayload
		Before *Units `json:"before"`
	}{indexingPayload(p), units(p.Before)})
}
