package workerdev

import (
	"reflect"
	"testing"
)

func TestExitHooks_SetReplaces(t *testing.T) {
	h := NewExitHooks()
	var calls []string
	h.Set("host", func() { calls = append(calls, "old") })
	h.Set("proxy", func() { calls = append(calls, "proxy") })
	h.Set("host", func() { calls = append(calls, "new") })

	if h.Len() != 2 {
		t.Fatalf("Len = %d, want 2", h.Len())
	}
	h.Run()
	if want := []string{"new", "proxy"}; !reflect.DeepEqual(calls, want) {
		t.Errorf("calls = %v, want %v", calls, want)
	}
}

func TestExitHooks_Remove(t *testing.T) {
	h := NewExitHooks()
	ran := false
	h.Set("host", func() { ran = true })
	h.Remove("host")
	h.Remove("missing")
	h.Run()
	if ran || h.Len() != 0 {
		t.Errorf("removed hook ran=%v len=%d", ran, h.Len())
	}
}
