package remote

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsPermanent(t *testing.T) {
	pe := &PermanentError{Status: 422, Msg: "too long"}
	if !IsPermanent(pe) {
		t.Error("PermanentError not recognized")
	}
	if !IsPermanent(fmt.Errorf("send: %w", pe)) {
		t.Error("wrapped PermanentError not recognized")
	}
	if IsPermanent(errors.New("connection reset")) {
		t.Error("plain error classified as permanent")
	}
	if IsPermanent(nil) {
		t.Error("nil classified as permanent")
	}
}

func TestIsPermanentStatus(t *testing.T) {
	cases := map[int]bool{
		200: false,
		400: true,
		403: true,
		404: true,
		408: false, // timeout is retryable
		422: true,
		429: false, // rate limit is retryable
		500: false,
		503: false,
	}
	for code, want := range cases {
		if got := isPermanentStatus(code); got != want {
			t.Errorf("isPermanentStatus(%d) = %v, want %v", code, got, want)
		}
	}
}

func TestCursorZero(t *testing.T) {
	if !(Cursor{}).Zero() {
		t.Error("zero cursor not reported as zero")
	}
	if (Cursor{BeforeCreatedAt: 1, BeforeID: "m1"}).Zero() {
		t.Error("set cursor reported as zero")
	}
}
