package ledger

import (
	"fmt"
	"math/big"
	"strings"
)

// FormatUnits renders a raw token amount as a decimal string using the
// token's decimals, e.g. ("1500000", 6) -> "1.5".
func FormatUnits(amount string, decimals int) (string, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(amount), 10)
	if ok && decimals >= 0 {
		if decimals == 0 {
			return v.String(), nil
		}
		div := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
		quo, rem := new(big.Int).QuoRem(v, div, new(big.Int))
		frac := strings.TrimRight(fmt.Sprintf("%0*s", decimals, rem.Abs(rem).String()), "0")
		if frac == "" {
			return quo.String(), nil
		}
		return quo.String() + "." + frac, nil
	}
	return "", fmt.Errorf("invalid token amount %q", amount)
}
