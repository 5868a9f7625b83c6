package evmtest

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"vaultflow/internal/blockchain/evm"
)

// Vault is an ERC-4626 vault over a Token with standard round-down
// conversions.
type Vault struct {
	Address common.Address
	asset   *Token

	mu          sync.Mutex
	shares      map[common.Address]*big.Int
	totalShares *big.Int
	totalAssets *big.Int

	// Limit caps maxDeposit; nil means unlimited
	Limit *big.Int

	// CreditLag delays zapper-credited shares for this many balanceOf reads
	CreditLag int
	credits   map[common.Address]*big.Int
	creditIn  int
}

// NewVault deploys a vault at addr holding asset. The vault starts with
// seedAssets backing seedShares, which fixes the exchange rate.
func NewVault(chain *Chain, addr common.Address, asset *Token, seedAssets, seedShares *big.Int) *Vault {
	v := &Vault{
		Address:     addr,
		asset:       asset,
		shares:      make(map[common.Address]*big.Int),
		totalShares: new(big.Int).Set(seedShares),
		totalAssets: new(big.Int).Set(seedAssets),
		credits:     make(map[common.Address]*big.Int),
	}
	asset.Mint(addr, seedAssets)

	uintArg := func(fn func(*big.Int) *big.Int) Handler {
		return func(c Call) ([]interface{}, error) {
			return []interface{}{fn(c.Args[0].(*big.Int))}, nil
		}
	}

	chain.Deploy(addr, evm.ERC4626, map[string]Handler{
		"asset": func(c Call) ([]interface{}, error) {
			return []interface{}{asset.Address}, nil
		},
		"decimals": func(c Call) ([]interface{}, error) {
			return []interface{}{asset.decimals}, nil
		},
		"balanceOf": func(c Call) ([]interface{}, error) {
			return []interface{}{v.readShares(c.Args[0].(common.Address))}, nil
		},
		"previewDeposit":  uintArg(v.ConvertToShares),
		"convertToShares": uintArg(v.ConvertToShares),
		"convertToAssets": uintArg(v.ConvertToAssets),
		"maxDeposit": func(c Call) ([]interface{}, error) {
			v.mu.Lock()
			defer v.mu.Unlock()
			if v.Limit != nil {
				return []interface{}{new(big.Int).Set(v.Limit)}, nil
			}
			return []interface{}{new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))}, nil
		},
		"deposit": func(c Call) ([]interface{}, error) {
			minted, err := v.Deposit(c.From, c.Args[0].(*big.Int), c.Args[1].(common.Address))
			if err != nil {
				return nil, err
			}
			return []interface{}{minted}, nil
		},
		"redeem": func(c Call) ([]interface{}, error) {
			assets, err := v.redeem(c.From, c.Args[0].(*big.Int), c.Args[1].(common.Address), c.Args[2].(common.Address))
			if err != nil {
				return nil, err
			}
			return []interface{}{assets}, nil
		},
	})
	return v
}

// ConvertToShares rounds down
func (v *Vault) ConvertToShares(assets *big.Int) *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.toSharesLocked(assets)
}

// ConvertToAssets rounds down
func (v *Vault) ConvertToAssets(shares *big.Int) *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.totalShares.Sign() == 0 {
		return new(big.Int).Set(shares)
	}
	out := new(big.Int).Mul(shares, v.totalAssets)
	return out.Quo(out, v.totalShares)
}

// Shares returns committed shares of owner, ignoring credit lag
func (v *Vault) Shares(owner common.Address) *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return new(big.Int).Set(v.sharesLocked(owner))
}

// Deposit pulls assets from payer and mints shares to receiver
func (v *Vault) Deposit(payer common.Address, assets *big.Int, receiver common.Address) (*big.Int, error) {
	if err := v.asset.TransferFrom(v.Address, payer, v.Address, assets); err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	minted := v.toSharesLocked(assets)
	v.mintLocked(receiver, assets, minted)
	return minted, nil
}

// CreditAssets mints shares for assets already held by the vault, as a
// zapper does after wrapping the native coin. CreditLag applies.
func (v *Vault) CreditAssets(receiver common.Address, assets *big.Int) *big.Int {
	v.asset.Mint(v.Address, assets)

	v.mu.Lock()
	defer v.mu.Unlock()
	minted := v.toSharesLocked(assets)
	v.totalShares.Add(v.totalShares, minted)
	v.totalAssets.Add(v.totalAssets, assets)
	if v.CreditLag > 0 {
		prev := v.credits[receiver]
		if prev == nil {
			prev = new(big.Int)
		}
		v.credits[receiver] = new(big.Int).Add(prev, minted)
		v.creditIn = v.CreditLag
		return minted
	}
	v.shares[receiver] = new(big.Int).Add(v.sharesLocked(receiver), minted)
	return minted
}

func (v *Vault) redeem(caller common.Address, shares *big.Int, receiver, owner common.Address) (*big.Int, error) {
	v.mu.Lock()
	if caller != owner {
		v.mu.Unlock()
		return nil, fmt.Errorf("%w: caller is not owner", ErrReverted)
	}
	held := v.sharesLocked(owner)
	if held.Cmp(shares) < 0 {
		v.mu.Unlock()
		return nil, fmt.Errorf("%w: redeem exceeds balance", ErrReverted)
	}
	assets := new(big.Int).Mul(shares, v.totalAssets)
	assets.Quo(assets, v.totalShares)
	v.shares[owner] = new(big.Int).Sub(held, shares)
	v.totalShares.Sub(v.totalShares, shares)
	v.totalAssets.Sub(v.totalAssets, assets)
	v.mu.Unlock()

	if err := v.asset.TransferFrom(v.Address, v.Address, receiver, assets); err != nil {
		return nil, err
	}
	return assets, nil
}

func (v *Vault) readShares(owner common.Address) *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	if c, ok := v.credits[owner]; ok {
		if v.creditIn > 0 {
			v.creditIn--
		} else {
			v.shares[owner] = new(big.Int).Add(v.sharesLocked(owner), c)
			delete(v.credits, owner)
		}
	}
	return new(big.Int).Set(v.sharesLocked(owner))
}

func (v *Vault) toSharesLocked(assets *big.Int) *big.Int {
	if v.totalAssets.Sign() == 0 {
		return new(big.Int).Set(assets)
	}
	out := new(big.Int).Mul(assets, v.totalShares)
	return out.Quo(out, v.totalAssets)
}

func (v *Vault) mintLocked(receiver common.Address, assets, minted *big.Int) {
	v.shares[receiver] = new(big.Int).Add(v.sharesLocked(receiver), minted)
	v.totalShares.Add(v.totalShares, minted)
	v.totalAssets.Add(v.totalAssets, assets)
}

func (v *Vault) sharesLocked(owner common.Address) *big.Int {
	if s, ok := v.shares[owner]; ok {
		return s
	}
	return new(big.Int)
}

// NewZapper deploys a zapper at addr that turns attached native value into
// shares of whichever registered vault is named in the call.
func NewZapper(chain *Chain, addr common.Address, vaults ...*Vault) {
	byAddr := make(map[common.Address]*Vault, len(vaults))
	for _, v := range vaults {
		byAddr[v.Address] = v
	}
	chain.Deploy(addr, evm.Zapper, map[string]Handler{
		"depositNative": func(c Call) ([]interface{}, error) {
			v, ok := byAddr[c.Args[0].(common.Address)]
			if !ok {
				return nil, fmt.Errorf("%w: unknown vault", ErrReverted)
			}
			if c.Value == nil || c.Value.Sign() == 0 {
				return nil, fmt.Errorf("%w: no value", ErrReverted)
			}
			return []interface{}{v.CreditAssets(c.Args[1].(common.Address), c.Value)}, nil
		},
	})
}
