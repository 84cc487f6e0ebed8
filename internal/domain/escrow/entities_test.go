package escrow

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestEntryType_Signed(t *testing.T) {
	amount := decimal.RequireFromString("12.50")
	cases := map[EntryType]string{
		EntryDeposit:    "12.5",
		EntryWithdrawal: "-12.5",
		EntryRelease:    "-12.5",
		EntryRefund:     "-12.5",
		"adjustment":    "0",
	}
	for typ, want := range cases {
		if got := typ.Signed(amount); !got.Equal(decimal.RequireFromString(want)) {
			t.Errorf("%s.Signed(12.50) = %s, want %s", typ, got, want)
		}
	}
}
