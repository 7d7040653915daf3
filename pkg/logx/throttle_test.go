package logx

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestThrottleSuppressesAndReports(t *testing.T) {
	th := NewThrottle(time.Hour, 1)

	if ok, n := th.Allow("k"); !ok || n != 0 {
		t.Fatalf("first Allow = (%v, %d), want (true, 0)", ok, n)
	}
	for i := 0; i < 3; i++ {
		if ok, _ := th.Allow("k"); ok {
			t.Fatalf("Allow #%d should be throttled", i+2)
		}
	}
	if ok, _ := th.Allow("other"); !ok {
		t.Fatal("independent key should not be throttled")
	}
}

func TestThrottleWarnWritesOnce(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug")
	th := NewThrottle(time.Hour, 1)

	th.Warn(log, "probe", "probe failed")
	th.Warn(log, "probe", "probe failed")

	if got := strings.Count(buf.String(), "probe failed"); got != 1 {
		t.Fatalf("lines written = %d, want 1 (%s)", got, buf.String())
	}
}

func TestNilThrottleAllowsEverything(t *testing.T) {
	var th *Throttle
	if ok, _ := th.Allow("x"); !ok {
		t.Fatal("nil throttle must allow")
	}
}

func TestZeroLoggerIsNoop(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero Logger should report IsZero")
	}
	l.Info("ignored", String("k", "v"))
}
