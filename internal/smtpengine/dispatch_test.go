package smtpengine

import (
	"errors"
	"net/textproto"
	"testing"
)

func TestClassifyPermanentFailure(t *testing.T) {
	err := classify(&textproto.Error{Code: 550, Msg: "mailbox unavailable"})
	var perm *PermanentFailure
	if !errors.As(err, &perm) {
		t.Fatalf("classify(550) = %T, want *PermanentFailure", err)
	}
	if perm.Code != 550 {
		t.Fatalf("code = %d", perm.Code)
	}
}

func TestClassifyTransientFailure(t *testing.T) {
	err := classify(&textproto.Error{Code: 421, Msg: "service not available"})
	var trans *TransientFailure
	if !errors.As(err, &trans) {
		t.Fatalf("classify(421) = %T, want *TransientFailure", err)
	}
	if trans.Code != 421 {
		t.Fatalf("code = %d", trans.Code)
	}
}

func TestClassifyNetworkErrorIsTransient(t *testing.T) {
	err := classify(errors.New("dial tcp: connection refused"))
	var trans *TransientFailure
	if !errors.As(err, &trans) {
		t.Fatalf("classify(network error) = %T, want *TransientFailure", err)
	}
}

func TestClassifyNilIsNil(t *testing.T) {
	if classify(nil) != nil {
		t.Fatal("classify(nil) should be nil")
	}
}
