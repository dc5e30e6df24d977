package bdc_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/truetype/debt-engine/bdc"
	"github.com/truetype/debt-engine/generic"
)

func TestParsePaymentType(t *testing.T) {
	tests := map[string]bdc.PaymentType{
		"cash":          bdc.PaymentCash,
		"CREDIT":        bdc.PaymentCredit,
		"From Account":  bdc.PaymentFromAccount,
		"from  account": bdc.PaymentFromAccount,
		"from_account":  bdc.PaymentFromAccount,
	}
	for in, want := range tests {
		got, err := bdc.ParsePaymentType(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := bdc.ParsePaymentType("cheque")
	assert.ErrorIs(t, err, bdc.ErrInvalidPaymentType)
}

func TestNewObligation_RateTimesQuantity(t *testing.T) {
	o, err := bdc.NewObligation(bdc.Payable{
		ID:           "bp-1",
		BDC:          "bdc-juwel",
		OMC:          "STAR OIL",
		Quantity:     generic.MustParseDecimal("54000"),
		RatePerLitre: generic.MustParseDecimal("11.255"),
		PaymentType:  "From Account",
		Date:         generic.Date(2025, time.February, 1),
	})
	require.NoError(t, err)

	assert.Equal(t, "607770.00", o.DueAmount.String())
	assert.Equal(t, generic.PayeeKey("bdc-juwel"), o.PayeeKey)
	assert.Equal(t, string(bdc.PaymentFromAccount), o.Metadata[bdc.MetaPaymentType])
	assert.Equal(t, bdc.KindPayable, o.Kind)
}

func TestNewObligation_ExplicitAmountWins(t *testing.T) {
	o, err := bdc.NewObligation(bdc.Payable{
		ID:           "bp-2",
		BDC:          "bdc-1",
		Quantity:     generic.MustParseDecimal("100"),
		RatePerLitre: generic.MustParseDecimal("10"),
		Amount:       generic.MustParseDecimal("950.499"),
		PaymentType:  bdc.PaymentCash,
	})
	require.NoError(t, err)
	assert.Equal(t, "950.50", o.DueAmount.String())
}

func TestNewObligation_Rejections(t *testing.T) {
	_, err := bdc.NewObligation(bdc.Payable{ID: "x", PaymentType: bdc.PaymentCash, Amount: generic.MustParseDecimal("1")})
	assert.ErrorIs(t, err, bdc.ErrBDCRequired)

	_, err = bdc.NewObligation(bdc.Payable{ID: "x", BDC: "b", PaymentType: bdc.PaymentCredit})
	assert.ErrorIs(t, err, bdc.ErrNothingPayable)

	_, err = bdc.NewObligation(bdc.Payable{ID: "x", BDC: "b", PaymentType: "barter", Amount: generic.MustParseDecimal("1")})
	assert.ErrorIs(t, err, bdc.ErrInvalidPaymentType)
}
