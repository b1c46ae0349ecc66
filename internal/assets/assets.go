// Package assets defines the closed set of chains and tokens the bridge can
// settle on, with per-asset contract addresses and decimal precision.
//
// On-chain amounts are always handled as big.Int in the token's smallest
// unit. Decimal strings are converted with ParseUnits/FormatUnits; floating
// point is never used for money.
package assets

import (
	"fmt"
	"math/big"
	"strings"
)

// Chain identifies a supported network.
type Chain string

const (
	ChainBase        Chain = "base"
	ChainBaseSepolia Chain = "base-sepolia"
	ChainCelo        Chain = "celo"
)

// Token identifies a supported stablecoin.
type Token string

const (
	TokenUSDC Token = "USDC"
	TokenUSDT Token = "USDT"
	TokenCUSD Token = "cUSD"
)

// Asset is the resolved configuration for a (chain, token) pair.
type Asset struct {
	Chain    Chain
	Token    Token
	Contract string // ERC-20 contract address
	Decimals int
}

// ChainInfo carries network-level settings for a supported chain.
type ChainInfo struct {
	ID            int64
	DefaultRPCURL string
}

// UnsupportedAssetError reports a (chain, token) pair outside the closed set.
type UnsupportedAssetError struct {
	Chain Chain
	Token Token
}

func (e *UnsupportedAssetError) Error() string {
	return fmt.Sprintf("assets: unsupported asset %s on %s", e.Token, e.Chain)
}

var chains = map[Chain]ChainInfo{
	ChainBase:        {ID: 8453, DefaultRPCURL: "https://mainnet.base.org"},
	ChainBaseSepolia: {ID: 84532, DefaultRPCURL: "https://sepolia.base.org"},
	ChainCelo:        {ID: 42220, DefaultRPCURL: "https://forno.celo.org"},
}

var registry = map[Chain]map[Token]Asset{
	ChainBase: {
		TokenUSDC: {ChainBase, TokenUSDC, "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", 6},
	},
	ChainBaseSepolia: {
		TokenUSDC: {ChainBaseSepolia, TokenUSDC, "0x036CbD53842c5426634e7929541eC2318f3dCF7e", 6},
	},
	ChainCelo: {
		TokenUSDC: {ChainCelo, TokenUSDC, "0xcebA9300f2b948710d2653dD7B07f33A8B32118C", 6},
		TokenUSDT: {ChainCelo, TokenUSDT, "0x48065fbBE25f71C9282ddf5e1cD6D6A887483D5e", 6},
		TokenCUSD: {ChainCelo, TokenCUSD, "0x765DE816845861e75A25fCA122bb6898B8B1282a", 18},
	},
}

// Lookup resolves a (chain, token) pair to its asset configuration.
// Returns *UnsupportedAssetError if the pair is not in the closed set.
func Lookup(chain Chain, token Token) (Asset, error) {
	tokens, ok := registry[chain]
	if !ok {
		return Asset{}, &UnsupportedAssetError{Chain: chain, Token: token}
	}
	asset, ok := tokens[token]
	if !ok {
		return Asset{}, &UnsupportedAssetError{Chain: chain, Token: token}
	}
	return asset, nil
}

// ChainByName resolves a chain identifier, failing on unknown chains.
func ChainByName(name string) (Chain, ChainInfo, error) {
	c := Chain(strings.ToLower(strings.TrimSpace(name)))
	info, ok := chains[c]
	if !ok {
		return "", ChainInfo{}, &UnsupportedAssetError{Chain: c}
	}
	return c, info, nil
}

// Chains returns the supported chains (stable order not guaranteed).
func Chains() map[Chain]ChainInfo {
	out := make(map[Chain]ChainInfo, len(chains))
	for c, info := range chains {
		out[c] = info
	}
	return out
}

// ParseUnits converts a decimal string (e.g. "7.46") to smallest-unit
// big.Int at the given precision. Negative amounts and malformed strings
// are rejected; fractional digits beyond the precision are truncated.
func ParseUnits(s string, decimals int) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("assets: empty amount")
	}
	if strings.HasPrefix(s, "-") {
		return nil, fmt.Errorf("assets: negative amount %q", s)
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, fmt.Errorf("assets: malformed amount %q", s)
	}
	whole := parts[0]
	frac := ""
	if len(parts) == 2 {
		frac = parts[1]
	}
	if whole == "" {
		whole = "0"
	}

	for len(frac) < decimals {
		frac += "0"
	}
	frac = frac[:decimals]

	result, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, fmt.Errorf("assets: malformed amount %q", s)
	}
	return result, nil
}

// FormatUnits converts a smallest-unit big.Int back to a decimal string
// with exactly the given number of fractional digits.
func FormatUnits(amount *big.Int, decimals int) string {
	if amount == nil {
		return "0"
	}
	neg := amount.Sign() < 0
	s := new(big.Int).Abs(amount).String()
	for len(s) < decimals+1 {
		s = "0" + s
	}
	cut := len(s) - decimals
	out := s[:cut]
	if decimals > 0 {
		out += "." + s[cut:]
	}
	if neg {
		out = "-" + out
	}
	return out
}
