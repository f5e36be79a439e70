package match

import "math/bits"

// ComputeFee returns floor(total*bps/10000). bps above 100% is clamped to 100%.
func ComputeFee(total uint64, bps uint32) uint64 {
	if bps == 0 || total == 0 {
		return 0
	}
	if bps > BpsDenominator {
		bps = BpsDenominator
	}
	hi, lo := bits.Mul64(total, uint64(bps))
	fee, _ := bits.Div64(hi, lo, BpsDenominator)
	return fee
}

// SplitPot divides total into the winner's prize and the platform fee.
func SplitPot(total uint64, bps uint32, feeEnabled bool) (prize, fee uint64) {
	if feeEnabled {
		fee = ComputeFee(total, bps)
	}
	return total - fee, fee
}
