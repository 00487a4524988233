package lending

import (
	"math/big"
	"testing"
)

func usdcToEthInput(borrow Amount) CollateralInput {
	return CollateralInput{
		BorrowAmount:       borrow,
		BorrowPrice:        NewAmount(100_000_000),     // $1.00
		CollateralPrice:    NewAmount(300_000_000_000), // $3000.00
		LTVBps:             7500,
		BorrowDecimals:     6,
		CollateralDecimals: 18,
	}
}

func TestRequiredCollateralFloorsExactRational(t *testing.T) {
	in := usdcToEthInput(NewAmount(1_000_000))
	req := RequiredCollateral(in)
	if !req.Known() {
		t.Fatalf("expected known requirement, got %s", req.Status)
	}

	num := new(big.Int).Mul(big.NewInt(1_000_000), big.NewInt(100_000_000))
	num.Mul(num, big.NewInt(10_000))
	num.Mul(num, new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
	den := new(big.Int).Mul(big.NewInt(7500), big.NewInt(300_000_000_000))
	den.Mul(den, big.NewInt(1_000_000))
	quo, rem := new(big.Int).QuoRem(num, den, new(big.Int))
	if rem.Sign() == 0 {
		t.Fatalf("test vector should not divide exactly")
	}
	if req.Amount.Big().Cmp(quo) != 0 {
		t.Fatalf("expected floor %s, got %s", quo, req.Amount)
	}
	if req.Amount.String() != "444444444444444" {
		t.Fatalf("unexpected requirement %s", req.Amount)
	}
}

func TestRequiredCollateralPassesContractCheck(t *testing.T) {
	in := usdcToEthInput(NewAmount(1_000_000))
	req := RequiredCollateral(in)
	ok, known := CollateralSufficient(req.Amount, in)
	if !known || !ok {
		t.Fatalf("computed requirement %s must satisfy the contract check", req.Amount)
	}
	below := req.Amount.SubFloor(NewAmount(1))
	if ok, _ := CollateralSufficient(below, in); ok {
		t.Fatalf("one unit below the requirement must be rejected")
	}
}

func TestRequiredCollateralMonotonic(t *testing.T) {
	prev := Amount{}
	for _, borrow := range []uint64{1, 7, 1_000, 999_999, 1_000_000, 2_000_000, 4_000_000, 123_456_789} {
		req := RequiredCollateral(usdcToEthInput(NewAmount(borrow)))
		if !req.Known() {
			t.Fatalf("borrow %d: unknown requirement", borrow)
		}
		if req.Amount.Lt(prev) {
			t.Fatalf("borrow %d: requirement %s decreased from %s", borrow, req.Amount, prev)
		}
		prev = req.Amount
	}

	single := RequiredCollateral(usdcToEthInput(NewAmount(1_000_000))).Amount
	double := RequiredCollateral(usdcToEthInput(NewAmount(2_000_000))).Amount
	if double.Lt(single) {
		t.Fatalf("doubling borrow decreased collateral: %s < %s", double, single)
	}
}

func TestRequiredCollateralUnknownInputs(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*CollateralInput)
		want   RequirementStatus
	}{
		{"zero ltv", func(in *CollateralInput) { in.LTVBps = 0 }, RequirementNoTerms},
		{"ltv above 100%", func(in *CollateralInput) { in.LTVBps = 10_001 }, RequirementInvalidTerms},
		{"missing borrow price", func(in *CollateralInput) { in.BorrowPrice = Amount{} }, RequirementPriceUnavailable},
		{"missing collateral price", func(in *CollateralInput) { in.CollateralPrice = Amount{} }, RequirementPriceUnavailable},
		{"absurd decimals", func(in *CollateralInput) { in.CollateralDecimals = 80 }, RequirementOverflow},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := usdcToEthInput(NewAmount(1_000_000))
			tc.mutate(&in)
			req := RequiredCollateral(in)
			if req.Known() {
				t.Fatalf("expected unknown requirement")
			}
			if req.Status != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, req.Status)
			}
			if !req.Amount.IsZero() {
				t.Fatalf("unknown requirement must not carry an amount")
			}
			if req.Err() == nil {
				t.Fatalf("unknown requirement must convert to an error")
			}
		})
	}
}

func TestRequiredCollateralValueUSD(t *testing.T) {
	// 1000 USDC at 50% LTV needs $2000 of collateral.
	in := usdcToEthInput(NewAmount(1_000_000_000))
	in.LTVBps = 5000
	req := RequiredCollateral(in)
	if got := req.ValueUSD.String(); got != "200000000000" {
		t.Fatalf("unexpected value usd %s", got)
	}
	if got := req.ValueUSDDisplay().StringFixed(2); got != "2000.00" {
		t.Fatalf("unexpected display %s", got)
	}
}

func TestProportionalCollateral(t *testing.T) {
	req := ProportionalCollateral(NewAmount(1_000), NewAmount(333), NewAmount(1_000))
	if !req.Known() || req.Amount.String() != "333" {
		t.Fatalf("unexpected proportional requirement %+v", req)
	}
	req = ProportionalCollateral(NewAmount(10), NewAmount(1), NewAmount(3))
	if req.Amount.String() != "3" {
		t.Fatalf("expected floor(10/3)=3, got %s", req.Amount)
	}
	if req := ProportionalCollateral(NewAmount(10), NewAmount(1), Amount{}); req.Known() {
		t.Fatalf("zero lend amount must be unknown")
	}
}

func TestMaxBorrowableInvertsRequirement(t *testing.T) {
	in := usdcToEthInput(Amount{})
	oneEth := MustAmount("1000000000000000000")
	max, status := MaxBorrowable(oneEth, in)
	if status != RequirementKnown {
		t.Fatalf("unexpected status %s", status)
	}
	// 1 ETH at $3000 and 75% LTV supports 2250 USDC.
	if max.String() != "2250000000" {
		t.Fatalf("unexpected max borrow %s", max)
	}
	in.BorrowAmount = max
	if ok, _ := CollateralSufficient(oneEth, in); !ok {
		t.Fatalf("max borrowable must be covered by the same collateral")
	}
}

func TestFiatBorrowInput(t *testing.T) {
	// $500.00 against collateral priced at $2.00 with 18 decimals and 50% LTV.
	in := FiatBorrowInput(NewAmount(50_000), NewAmount(200_000_000), 5000, 18)
	req := RequiredCollateral(in)
	if req.Amount.String() != "500000000000000000000" {
		t.Fatalf("unexpected fiat collateral %s", req.Amount)
	}
}
