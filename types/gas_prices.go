package types

import (
	"fmt"

	"github.com/holiman/uint256"
)

const gasPricesBinaryLen = 4 * FeltLength

// MarshalBinary writes the four prices as 32-byte big-endian words.
func (g GasPrices) MarshalBinary() ([]byte, error) {
	out := make([]byte, 0, gasPricesBinaryLen)
	for _, p := range []*uint256.Int{&g.EthL1GasPrice, &g.StrkL1GasPrice, &g.EthL1DataGasPrice, &g.StrkL1DataGasPrice} {
		b := p.Bytes32()
		out = append(out, b[:]...)
	}
	return out, nil
}

func (g *GasPrices) UnmarshalBinary(data []byte) error {
	if len(data) != gasPricesBinaryLen {
		return fmt.Errorf("gas prices: expected %d bytes, got %d", gasPricesBinaryLen, len(data))
	}
	for i, p := range []*uint256.Int{&g.EthL1GasPrice, &g.StrkL1GasPrice, &g.EthL1DataGasPrice, &g.StrkL1DataGasPrice} {
		p.SetBytes32(data[i*FeltLength : (i+1)*FeltLength])
	}
	return nil
}
