package handoff

import (
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService("test-signing-secret", 5*time.Minute)
	require.NoError(t, err)
	return svc
}

func TestMintVerifyRoundTrip(t *testing.T) {
	svc := newTestService(t)

	token := svc.Mint("checkout-abc")
	assert.NoError(t, svc.Verify(token, "checkout-abc"))
}

func TestVerifyRejectsWrongCheckout(t *testing.T) {
	svc := newTestService(t)

	token := svc.Mint("checkout-a")
	assert.ErrorIs(t, svc.Verify(token, "checkout-b"), ErrWrongCheckout)
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	svc := newTestService(t)

	token := svc.Mint("checkout-abc")
	parts := strings.Split(token, ".")
	require.Len(t, parts, 3)

	sig := []byte(parts[2])
	if sig[0] == 'a' {
		sig[0] = 'b'
	} else {
		sig[0] = 'a'
	}
	tampered := parts[0] + "." + parts[1] + "." + string(sig)

	assert.ErrorIs(t, svc.Verify(tampered, "checkout-abc"), ErrBadSignature)
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	svc := newTestService(t)

	good := svc.Mint("checkout-abc")
	evil := svc.Mint("checkout-evil")

	goodParts := strings.Split(good, ".")
	evilParts := strings.Split(evil, ".")

	// Splice the evil payload onto the good signature.
	spliced := evilParts[0] + "." + goodParts[1] + "." + goodParts[2]
	assert.ErrorIs(t, svc.Verify(spliced, "checkout-evil"), ErrBadSignature)
}

func TestVerifyRejectsMalformed(t *testing.T) {
	svc := newTestService(t)

	for _, token := range []string{
		"",
		"justonechunk",
		"two.chunks",
		"a.b.c.d",
		"a.b.not-hex!",
	} {
		assert.ErrorIs(t, svc.Verify(token, "x"), ErrMalformed, "token=%q", token)
	}
}

func TestVerifyRejectsCorruptPayloadSegments(t *testing.T) {
	svc := newTestService(t)

	// Correctly signed tokens whose payload segments cannot decode.
	future := strconv.FormatInt(time.Now().Add(time.Hour).UnixMilli(), 16)
	for _, payload := range []string{"!!!." + future, "cGF5bG9hZA.nothex"} {
		token := payload + "." + svc.sign(payload)
		assert.ErrorIs(t, svc.Verify(token, "payload"), ErrMalformed, "payload=%q", payload)
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	svc := newTestService(t)

	token := svc.Mint("checkout-abc")
	svc.now = func() time.Time { return time.Now().Add(6 * time.Minute) }

	assert.ErrorIs(t, svc.Verify(token, "checkout-abc"), ErrExpired)
}

func TestVerifyRejectsForeignSecret(t *testing.T) {
	svc := newTestService(t)
	other, err := NewService("a-different-secret", 5*time.Minute)
	require.NoError(t, err)

	token := other.Mint("checkout-abc")
	assert.ErrorIs(t, svc.Verify(token, "checkout-abc"), ErrBadSignature)
}

func TestNewServiceRequiresSecret(t *testing.T) {
	_, err := NewService("", time.Minute)
	assert.ErrorIs(t, err, ErrMissingSecret)
}
