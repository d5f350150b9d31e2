package integrity

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"testing"
)

func TestVerifierAcceptsCorrectResponse(t *testing.T) {
	v := NewVerifier([]byte("shared-secret"))
	c := v.Issue([]byte("nonce-123"))

	mac := hmac.New(sha256.New, []byte("shared-secret"))
	mac.Write([]byte("nonce-123"))
	response := mac.Sum(nil)

	if !v.Verify(c.Token, response) {
		t.Error("expected correct response to verify")
	}
}

func TestVerifierRejectsWrongResponse(t *testing.T) {
	v := NewVerifier([]byte("shared-secret"))
	c := v.Issue([]byte("nonce-123"))
	if v.Verify(c.Token, []byte("garbage")) {
		t.Error("expected wrong response to fail verification")
	}
}

func TestVerifierTokenSingleUse(t *testing.T) {
	v := NewVerifier([]byte("secret"))
	c := v.Issue([]byte("n"))

	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write([]byte("n"))
	response := mac.Sum(nil)

	if !v.Verify(c.Token, response) {
		t.Fatal("first verify should succeed")
	}
	if v.Verify(c.Token, response) {
		t.Error("token must not be reusable after being consumed")
	}
}

func TestVerifierUnknownTokenRejected(t *testing.T) {
	v := NewVerifier([]byte("secret"))
	if v.Verify("not-a-real-token", []byte("x")) {
		t.Error("unknown token should never verify")
	}
}

func TestAllowAllGate(t *testing.T) {
	g := AllowAllGate{}
	ok, err := g.CheckHWID(context.Background(), "any-hwid")
	if err != nil || !ok {
		t.Errorf("AllowAllGate should always allow, got ok=%v err=%v", ok, err)
	}
}

type fakeGate struct {
	calls int
	allow bool
	err   error
}

func (f *fakeGate) CheckHWID(context.Context, string) (bool, error) {
	f.calls++
	return f.allow, f.err
}

func TestCachedGateCachesVerdict(t *testing.T) {
	fg := &fakeGate{allow: true}
	g := NewCachedGate(fg)

	for i := 0; i < 5; i++ {
		ok, err := g.CheckHWID(context.Background(), "hwid-1")
		if err != nil || !ok {
			t.Fatalf("call %d: ok=%v err=%v", i, ok, err)
		}
	}
	if fg.calls != 1 {
		t.Errorf("upstream called %d times, want 1 (cached after first)", fg.calls)
	}
}

func TestCachedGatePropagatesUpstreamError(t *testing.T) {
	fg := &fakeGate{err: errors.New("backend unreachable")}
	g := NewCachedGate(fg)
	_, err := g.CheckHWID(context.Background(), "hwid-2")
	if err == nil {
		t.Error("expected upstream error to propagate")
	}
}

func TestTraceIDUnique(t *testing.T) {
	a := TraceID()
	b := TraceID()
	if a == b {
		t.Error("expected distinct trace ids")
	}
}
