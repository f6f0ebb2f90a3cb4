package testutil

import (
	"errors"
	"net/http"
	"testing"
	"time"
)

func TestSeries(t *testing.T) {
	s := Series("coolant_temp", Epoch, 100*time.Millisecond, 190, 191, 192)
	if len(s) != 3 {
		t.Fatalf("len = %d, want 3", len(s))
	}
	if got := s[2].Timestamp.Sub(Epoch); got != 200*time.Millisecond {
		t.Errorf("third sample offset = %v, want 200ms", got)
	}
	if s[1].Value != 191 || s[1].Channel != "coolant_temp" {
		t.Errorf("unexpected sample %v", s[1])
	}
}

func TestConstant(t *testing.T) {
	s := Constant("battery_voltage", Epoch, time.Second, 4, 13.8)
	if len(s) != 4 {
		t.Fatalf("len = %d, want 4", len(s))
	}
	for _, x := range s {
		if x.Value != 13.8 {
			t.Errorf("value = %v, want 13.8", x.Value)
		}
	}
}

func TestMerge(t *testing.T) {
	a := Series("a", Epoch, 2*time.Second, 1, 2)
	b := Series("b", Epoch, time.Second, 10, 20, 30)
	m := Merge(a, b)
	want := []string{"a", "b", "b", "a", "b"}
	if len(m) != len(want) {
		t.Fatalf("len = %d, want %d", len(m), len(want))
	}
	for i, ch := range want {
		if m[i].Channel != ch {
			t.Errorf("m[%d].Channel = %s, want %s", i, m[i].Channel, ch)
		}
	}
}

func TestAt(t *testing.T) {
	if got := At(1.5).Sub(Epoch); got != 1500*time.Millisecond {
		t.Errorf("At(1.5) offset = %v", got)
	}
}

func TestAssertHelpers(t *testing.T) {
	AssertStatusCode(t, http.StatusOK, http.StatusOK)
	AssertNoError(t, nil)
	AssertError(t, errors.New("boom"))
	if r := NewTestRequest("GET", "/api/latest"); r.URL.Path != "/api/latest" {
		t.Errorf("path = %s", r.URL.Path)
	}
}
