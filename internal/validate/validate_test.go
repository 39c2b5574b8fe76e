package validate

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mrtesla07/goetia-bot/internal/errs"
)

func TestPhone(t *testing.T) {
	ok := map[string]string{
		"+79990000000":       "+79990000000",
		" +7 999 000-00-00 ": "+79990000000",
		"79990000000":        "+79990000000",
		"+1 (415) 555-2671":  "+14155552671",
	}
	for in, want := range ok {
		got, err := Phone(in)
		if err != nil {
			t.Fatalf("Phone(%q) error: %v", in, err)
		}
		if got != want {
			t.Fatalf("Phone(%q) = %q, want %q", in, got, want)
		}
	}

	for _, in := range []string{"", "   ", "+", "phone", "+7999abc0000", "+123", "+1234567890123456"} {
		_, err := Phone(in)
		require.ErrorIs(t, err, errs.ErrValidation, in)
	}
}

func TestCode(t *testing.T) {
	got, err := Code(" 12 345 6 ")
	require.NoError(t, err)
	require.Equal(t, "123456", got)

	got, err = Code("12345")
	require.NoError(t, err)
	require.Equal(t, "12345", got)

	for _, in := range []string{"", "1234", "1234567", "12a456", "-12345", "1.2345"} {
		_, err := Code(in)
		require.ErrorIs(t, err, errs.ErrValidation, in)
	}
}

func TestPassword(t *testing.T) {
	require.NoError(t, Password(" secret "))
	require.ErrorIs(t, Password(""), errs.ErrValidation)
}
