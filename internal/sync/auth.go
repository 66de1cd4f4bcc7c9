package sync

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"io"
	"os"

	grerrors "github.com/helioloureiro/greyd/internal/errors"
)

// DeriveKey reproduces the legacy key-derivation quirk: the HMAC key is the
// lower-case hex encoding of the SHA1 digest of the key file's contents,
// not the raw digest bytes. This mismatches a "normal" HMAC-SHA1 setup but
// is required for wire compatibility with older peers that hashed the key
// file with a different helper (spec §4.5, §9 open question).
//
// A missing key file is not an error: it yields an empty key, matching
// "empty key when verify=0" for installs that never configured one.
func DeriveKey(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", grerrors.Wrapf(err, grerrors.KindUnavailable, "sync: opening key file %q", path)
	}
	defer f.Close()

	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", grerrors.Wrapf(err, grerrors.KindUnavailable, "sync: reading key file %q", path)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// sign computes the HMAC-SHA1 of pkt with the header's HMAC field zeroed,
// per spec §4.5 "HMAC-SHA1 over the full packet with the HMAC field
// zeroed".
func sign(key string, pkt []byte) [hmacLen]byte {
	scratch := make([]byte, len(pkt))
	copy(scratch, pkt)
	for i := 0; i < hmacLen; i++ {
		scratch[8+i] = 0
	}

	mac := hmac.New(sha1.New, []byte(key))
	mac.Write(scratch)
	var out [hmacLen]byte
	copy(out[:], mac.Sum(nil))
	return out
}

// SignAndFinalize patches pkt's HMAC field in place, matching the C
// original's "compute over zeroed HMAC field, write HMAC back in".
func SignAndFinalize(key string, pkt []byte) {
	sum := sign(key, pkt)
	copy(pkt[8:8+hmacLen], sum[:])
}

// Verify reports whether pkt's embedded HMAC matches the one computed with
// key, using a constant-time comparison.
func Verify(key string, pkt []byte) bool {
	if len(pkt) < headerSize {
		return false
	}
	var got [hmacLen]byte
	copy(got[:], pkt[8:8+hmacLen])
	want := sign(key, pkt)
	return hmac.Equal(got[:], want[:])
}
