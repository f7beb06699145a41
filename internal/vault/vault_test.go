package vault_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/m-mizutani/gt"

	"github.com/yorbuachi72/valora-memory-server-sub001/internal/models"
	"github.com/yorbuachi72/valora-memory-server-sub001/internal/vault"
)

var testParams = vault.Params{Time: 1, Memory: 1024, Threads: 1}

func newVault(t *testing.T, secret string) *vault.Vault {
	t.Helper()
	v, err := vault.New(secret, testParams)
	gt.NoError(t, err)
	return v
}

func TestNewRejectsShortSecret(t *testing.T) {
	_, err := vault.New("short", testParams)
	gt.Error(t, err)
	gt.True(t, errors.Is(err, models.ErrConfiguration))
}

func TestNewRejectsBadParams(t *testing.T) {
	_, err := vault.New("0123456789abcdef", vault.Params{Time: 0, Memory: 1024, Threads: 1})
	gt.True(t, errors.Is(err, models.ErrConfiguration))
}

func TestContainerRoundTrip(t *testing.T) {
	v := newVault(t, "correct horse battery staple")
	h, err := v.NewHeader()
	gt.NoError(t, err)

	plaintext := []byte(`{"memories":[{"content":"the launch code is 0000"}]}`)
	blob, err := v.SealContainer(h, plaintext)
	gt.NoError(t, err)
	gt.False(t, bytes.Contains(blob, []byte("launch code")))

	got, opened, err := v.OpenContainer(blob)
	gt.NoError(t, err)
	gt.Equal(t, opened, plaintext)
	gt.Equal(t, got.Salt, h.Salt)
	gt.Equal(t, got.Params, testParams)
}

func TestContainerWrongSecret(t *testing.T) {
	h, err := newVault(t, "correct horse battery staple").NewHeader()
	gt.NoError(t, err)
	blob, err := newVault(t, "correct horse battery staple").SealContainer(h, []byte("secret"))
	gt.NoError(t, err)

	_, _, err = newVault(t, "incorrect horse battery staple").OpenContainer(blob)
	gt.Error(t, err)
	gt.True(t, errors.Is(err, models.ErrAuthentication))
}

func TestContainerTampered(t *testing.T) {
	v := newVault(t, "correct horse battery staple")
	h, err := v.NewHeader()
	gt.NoError(t, err)
	blob, err := v.SealContainer(h, []byte("secret"))
	gt.NoError(t, err)

	t.Run("ciphertext bit flip", func(t *testing.T) {
		mutated := bytes.Clone(blob)
		mutated[len(mutated)-1] ^= 0x01
		_, _, err := v.OpenContainer(mutated)
		gt.True(t, errors.Is(err, models.ErrAuthentication))
	})

	t.Run("salt bit flip", func(t *testing.T) {
		mutated := bytes.Clone(blob)
		mutated[vault.HeaderSize-1] ^= 0x01
		_, _, err := v.OpenContainer(mutated)
		gt.True(t, errors.Is(err, models.ErrAuthentication))
	})

	t.Run("bad magic", func(t *testing.T) {
		mutated := bytes.Clone(blob)
		mutated[0] = 'X'
		_, _, err := v.OpenContainer(mutated)
		gt.True(t, errors.Is(err, models.ErrCorruption))
	})

	t.Run("truncated", func(t *testing.T) {
		_, _, err := v.OpenContainer(blob[:10])
		gt.True(t, errors.Is(err, models.ErrCorruption))
	})
}

func TestSealBindsAdditionalData(t *testing.T) {
	v := newVault(t, "correct horse battery staple")
	h, err := v.NewHeader()
	gt.NoError(t, err)

	sealed, err := v.Seal(h, []byte("row body"), []byte("id-1"))
	gt.NoError(t, err)

	opened, err := v.Open(h, sealed, []byte("id-1"))
	gt.NoError(t, err)
	gt.Equal(t, string(opened), "row body")

	_, err = v.Open(h, sealed, []byte("id-2"))
	gt.True(t, errors.Is(err, models.ErrAuthentication))
}

func TestFingerprint(t *testing.T) {
	v := newVault(t, "correct horse battery staple")
	h, err := v.NewHeader()
	gt.NoError(t, err)

	a, err := v.Fingerprint(h, "hello")
	gt.NoError(t, err)
	b, err := v.Fingerprint(h, "hello")
	gt.NoError(t, err)
	c, err := v.Fingerprint(h, "hello!")
	gt.NoError(t, err)

	gt.Equal(t, a, b)
	gt.NotEqual(t, a, c)

	other := newVault(t, "another secret value!")
	d, err := other.Fingerprint(h, "hello")
	gt.NoError(t, err)
	gt.NotEqual(t, a, d)
}
