package suite

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSystemName(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "already a system name",
			input:    "CUSTOMER",
			expected: "CUSTOMER",
		},
		{
			name:     "test marker becomes T prefix",
			input:    "customer.test",
			expected: "TCUSTOMER",
		},
		{
			name:     "long name without uppercase falls back to raw characters",
			input:    "verylongcustomername",
			expected: "VERYLONGCU",
		},
		{
			name:     "camel case keeps first and uppercase characters",
			input:    "CustomerMasterFile",
			expected: "CMF",
		},
		{
			name:     "hyphen discards the remainder",
			input:    "orders-v2-final.test",
			expected: "TORDERS",
		},
		{
			name:     "underscore prefix",
			input:    "ar_InvoiceTotals.test",
			expected: "TARIT",
		},
		{
			name:     "directory components are ignored",
			input:    "qtestsrc/payroll.test",
			expected: "TPAYROLL",
		},
		{
			name:     "test marker is case insensitive",
			input:    "STOCKLVL.TEST",
			expected: "TSTOCKLVL",
		},
		{
			name:     "raw fallback respects prefix budget",
			input:    "inventoryadjust.test",
			expected: "TINVENTORY",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SystemName(tt.input)
			assert.Equal(t, tt.expected, got)
			assert.LessOrEqual(t, len(got), MaxSystemNameLength)
		})
	}
}
