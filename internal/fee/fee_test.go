package fee

import (
	"math/big"
	"testing"

	"github.com/relaynet/chain-relayer/internal/relaymodel"
	"github.com/stretchr/testify/require"
)

func TestApplyMultiplier(t *testing.T) {
	result := ApplyMultiplier(big.NewInt(1000), 1.15)
	require.Equal(t, big.NewInt(1150), result)
}

func TestRequiredReplacementFeeIsTenPercentBump(t *testing.T) {
	previous := big.NewInt(1000)
	required := RequiredReplacementFee(previous)
	require.Equal(t, big.NewInt(1100), required)
}

func TestCheckReplacementCapBumpsBelowMinimum(t *testing.T) {
	previous := big.NewInt(1000)
	candidate := big.NewInt(1000) // caller didn't bump at all
	got, err := CheckReplacementCap(previous, candidate, nil)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(1100), got)
}

func TestCheckReplacementCapAcceptsSufficientBump(t *testing.T) {
	previous := big.NewInt(1000)
	candidate := big.NewInt(2000)
	got, err := CheckReplacementCap(previous, candidate, nil)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(2000), got)
}

func TestCheckReplacementCapRejectsOverCap(t *testing.T) {
	previous := big.NewInt(1000)
	candidate := big.NewInt(5000)
	cap := uint64(3000)
	_, err := CheckReplacementCap(previous, candidate, &cap)
	require.ErrorIs(t, err, relaymodel.ErrFeeCapReached)
}

func TestMedianBigIntOddAndEven(t *testing.T) {
	odd := []*big.Int{big.NewInt(1), big.NewInt(5), big.NewInt(3)}
	require.Equal(t, big.NewInt(3), medianBigInt(odd))

	even := []*big.Int{big.NewInt(1), big.NewInt(2), big.NewInt(3), big.NewInt(4)}
	require.Equal(t, big.NewInt(2), medianBigInt(even)) // (2+3)/2 truncated
}

func TestSelectorOfERC20Transfer(t *testing.T) {
	data := []byte{0xa9, 0x05, 0x9c, 0xbb, 0x00, 0x00}
	require.Equal(t, "a9059cbb", selectorOf(data))
}

func TestSelectorOfEmptyData(t *testing.T) {
	require.Equal(t, "", selectorOf(nil))
}

func TestStellarOracleFeeBumpMaxFeeDefault(t *testing.T) {
	o := NewStellarOracle()
	require.Equal(t, int64(1_000_000), o.FeeBumpMaxFee(nil))
}

func TestStellarOracleFeeBumpMaxFeeExplicit(t *testing.T) {
	o := NewStellarOracle()
	explicit := int64(5_000_000)
	require.Equal(t, explicit, o.FeeBumpMaxFee(&explicit))
}
