package canonical

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercase", "ACME", "acme"},
		{"single suffix", "Acme Inc", "acme"},
		{"suffix with period", "Acme Inc.", "acme"},
		{"suffix with comma", "Acme, Inc.", "acme"},
		{"compound suffix", "Bank Corp, Ltd", "bank"},
		{"corporation", "Bank of America Corporation", "bank of america"},
		{"corp", "Bank of America Corp", "bank of america"},
		{"limited", "Standard Chartered Limited", "standard chartered"},
		{"holdings then company", "Omni Holdings Company", "omni"},
		{"whitespace collapse", "  Acme    Widgets  ", "acme widgets"},
		{"diacritics folded", "Société Générale SA", "societe generale"},
		{"embedded suffix word untouched", "Cosco Shipping", "cosco shipping"},
		{"empty", "", ""},
		{"only suffix", "Inc.", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestNormalizeDeterministic(t *testing.T) {
	// Same input, same output, every time.
	for i := 0; i < 100; i++ {
		assert.Equal(t, "bank of america", Normalize("Bank of America Corp"))
	}
}

func TestNormalizeSuffixVariantsCollide(t *testing.T) {
	assert.Equal(t, Normalize("Bank of America Corp"), Normalize("Bank of America Corporation"))
	assert.Equal(t, Normalize("Acme Inc"), Normalize("ACME Incorporated"))
}

func TestNormalizeDistinctNamesStayDistinct(t *testing.T) {
	// The ampersand is content, not a suffix.
	assert.NotEqual(t, Normalize("Wells Fargo & Company"), Normalize("Wells Fargo"))
	assert.NotEqual(t, Normalize("First National Bank"), Normalize("Second National Bank"))
}

func TestNormalizeMetricKey(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Annual Revenue", "annual_revenue"},
		{"annual_revenue", "annual_revenue"},
		{"EBITDA (2024)", "ebitda_2024"},
		{"  employee count  ", "employee_count"},
		{"%-growth!", "growth"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeMetricKey(tt.in), "key %q", tt.in)
	}
}
