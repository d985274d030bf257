package authorization

import (
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/dragonet/chainnode/core"
	"github.com/dragonet/chainnode/crypto"
)

func testVerifier(t *testing.T, rateLimit int, key SharedKey) *Verifier {
	t.Helper()
	return NewVerifier("my-dc-id", rateLimit, func(keyID string) (SharedKey, error) {
		if keyID != key.KeyID {
			return SharedKey{}, errors.New("unknown key")
		}
		return key, nil
	})
}

func sign(t *testing.T, key SharedKey, ts time.Time, verb, path, dcid string, body []byte) VerifyRequestOpts {
	t.Helper()
	tsStr := strconv.FormatInt(ts.Unix(), 10)
	header := BuildHeader(key, verb, path, dcid, tsStr, "application/json", body)
	return VerifyRequestOpts{
		Method: verb, Path: path, AuthorizationHdr: header,
		TimestampHdr: tsStr, DCIDHdr: dcid, ContentType: "application/json", Body: body,
	}
}

// TestVerifyHappyPath confirms a correctly-signed request passes.
func TestVerifyHappyPath(t *testing.T) {
	restore := fakeNow(time.Unix(1_700_000_000, 0))
	defer restore()

	key := SharedKey{KeyID: "KEYID1", Secret: []byte("secret"), Algo: crypto.HashSHA256}
	v := testVerifier(t, 5, key)
	opts := sign(t, key, nowFunc(), "POST", "/v1/enqueue", "my-dc-id", []byte(`{"x":1}`))

	if err := v.Verify(opts); err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}
}

// TestVerifyRejectsBadHMAC confirms a tampered body invalidates the
// signature.
func TestVerifyRejectsBadHMAC(t *testing.T) {
	restore := fakeNow(time.Unix(1_700_000_000, 0))
	defer restore()

	key := SharedKey{KeyID: "KEYID1", Secret: []byte("secret"), Algo: crypto.HashSHA256}
	v := testVerifier(t, 5, key)
	opts := sign(t, key, nowFunc(), "POST", "/v1/enqueue", "my-dc-id", []byte(`{"x":1}`))
	opts.Body = []byte(`{"x":2}`)

	if err := v.Verify(opts); !errors.Is(err, core.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for a tampered body, got %v", err)
	}
}

// TestVerifyRejectsClockSkew covers the ±600s timestamp tolerance.
func TestVerifyRejectsClockSkew(t *testing.T) {
	restore := fakeNow(time.Unix(1_700_000_000, 0))
	defer restore()

	key := SharedKey{KeyID: "KEYID1", Secret: []byte("secret"), Algo: crypto.HashSHA256}
	v := testVerifier(t, 5, key)
	skewed := nowFunc().Add(-700 * time.Second)
	opts := sign(t, key, skewed, "POST", "/v1/enqueue", "my-dc-id", nil)

	if err := v.Verify(opts); !errors.Is(err, core.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for clock skew beyond tolerance, got %v", err)
	}
}

// TestVerifyRejectsReplay: reusing a
// (keyId, hmac) pair within the replay window is rejected.
func TestVerifyRejectsReplay(t *testing.T) {
	restore := fakeNow(time.Unix(1_700_000_000, 0))
	defer restore()

	key := SharedKey{KeyID: "KEYID1", Secret: []byte("secret"), Algo: crypto.HashSHA256}
	v := testVerifier(t, 5, key)
	opts := sign(t, key, nowFunc(), "POST", "/v1/enqueue", "my-dc-id", []byte("body"))

	if err := v.Verify(opts); err != nil {
		t.Fatalf("first request should succeed: %v", err)
	}
	if err := v.Verify(opts); !errors.Is(err, core.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized on replay, got %v", err)
	}
}

// TestVerifyRateLimit: with a limit of 5, a
// 6th request within the sliding 60s window is rejected.
func TestVerifyRateLimit(t *testing.T) {
	restore := fakeNow(time.Unix(1_700_000_000, 0))
	defer restore()

	key := SharedKey{KeyID: "KEYID1", Secret: []byte("secret"), Algo: crypto.HashSHA256}
	v := testVerifier(t, 5, key)

	for i := 0; i < 5; i++ {
		opts := sign(t, key, nowFunc(), "POST", "/v1/enqueue", "my-dc-id", []byte{byte(i)})
		if err := v.Verify(opts); err != nil {
			t.Fatalf("request %d unexpectedly rejected: %v", i, err)
		}
	}
	sixth := sign(t, key, nowFunc(), "POST", "/v1/enqueue", "my-dc-id", []byte{99})
	if err := v.Verify(sixth); !errors.Is(err, core.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited on the 6th request, got %v", err)
	}
}

// TestVerifyRateLimitWindowSlides confirms the rate limit window slides
// rather than latching permanently.
func TestVerifyRateLimitWindowSlides(t *testing.T) {
	restore := fakeNow(time.Unix(1_700_000_000, 0))
	defer restore()

	key := SharedKey{KeyID: "KEYID1", Secret: []byte("secret"), Algo: crypto.HashSHA256}
	v := testVerifier(t, 2, key)

	opts1 := sign(t, key, nowFunc(), "POST", "/v1/enqueue", "my-dc-id", []byte{1})
	if err := v.Verify(opts1); err != nil {
		t.Fatal(err)
	}
	opts2 := sign(t, key, nowFunc(), "POST", "/v1/enqueue", "my-dc-id", []byte{2})
	if err := v.Verify(opts2); err != nil {
		t.Fatal(err)
	}

	nowFunc = func() time.Time { return time.Unix(1_700_000_000+61, 0) }
	opts3 := sign(t, key, nowFunc(), "POST", "/v1/enqueue", "my-dc-id", []byte{3})
	if err := v.Verify(opts3); err != nil {
		t.Fatalf("request after window slide should succeed: %v", err)
	}
}

// TestVerifyRejectsWrongChainID and TestVerifyRootOnly cover the remaining
// admission-control failure modes.
func TestVerifyRejectsWrongChainID(t *testing.T) {
	restore := fakeNow(time.Unix(1_700_000_000, 0))
	defer restore()

	key := SharedKey{KeyID: "KEYID1", Secret: []byte("secret"), Algo: crypto.HashSHA256}
	v := testVerifier(t, 5, key)
	opts := sign(t, key, nowFunc(), "POST", "/v1/enqueue", "not-my-dc-id", nil)
	if err := v.Verify(opts); !errors.Is(err, core.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for wrong chain id, got %v", err)
	}
}

func TestVerifyRootOnly(t *testing.T) {
	restore := fakeNow(time.Unix(1_700_000_000, 0))
	defer restore()

	key := SharedKey{KeyID: "KEYID1", Secret: []byte("secret"), Algo: crypto.HashSHA256, Root: false}
	v := testVerifier(t, 5, key)
	opts := sign(t, key, nowFunc(), "DELETE", "/v1/claim-check/1", "my-dc-id", nil)
	opts.RootOnly = true
	if err := v.Verify(opts); !errors.Is(err, core.ErrActionForbidden) {
		t.Fatalf("expected ErrActionForbidden for a non-root key on a root-only endpoint, got %v", err)
	}
}

func fakeNow(t time.Time) (restore func()) {
	orig := nowFunc
	nowFunc = func() time.Time { return t }
	return func() { nowFunc = orig }
}
