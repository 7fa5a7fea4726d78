package staging

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReferenceRoundTrip(t *testing.T) {
	ref := Reference{
		OwnerID:  "owner-1",
		Category: "model",
		EntityID: "e1",
		Field:    "icon",
		Version:  "2024010112",
		Digest:   "abcdef0123456789",
	}

	token := ref.Encode()
	decoded, err := DecodeReference(token)
	require.NoError(t, err)
	require.Equal(t, ref, decoded)
	require.Equal(t, ref.LedgerKey(), decoded.LedgerKey())
}

func TestDecodeReferenceRejectsMalformed(t *testing.T) {
	encode := func(raw string) string {
		return base64.RawURLEncoding.EncodeToString([]byte(raw))
	}

	cases := map[string]string{
		"非法 base64": "%%%not-base64%%%",
		"分段数不足":     encode("1|owner|model|e1|icon|v"),
		"分段数过多":     encode("1|owner|model|e1|icon|v|d|extra"),
		"版本标记不符":    encode("2|owner|model|e1|icon|v|d"),
		"存在空分段":     encode("1||model|e1|icon|v|d"),
	}

	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeReference(token)
			require.ErrorIs(t, err, ErrValidation)
		})
	}
}
