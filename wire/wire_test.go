package wire

import (
	"bytes"
	"errors"
	"net"
	"strings"
	"testing"
	"time"
)

func TestRoundTrip(t *testing.T) {
	cases := []Message{
		{},
		{"state": "run"},
		{"state": "run", "connections": map[string]any{"1": "127.0.0.1:9000"}},
		{"options": map[string]any{"min_processes": int64(3), "max_threads": int64(1)}},
		{"detach": true},
	}

	for _, want := range cases {
		var buf bytes.Buffer
		if err := NewWriter(&buf).WriteMessage(want); err != nil {
			t.Fatalf("WriteMessage(%v): %v", want, err)
		}

		got, err := NewReader(&buf).ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage after WriteMessage(%v): %v", want, err)
		}

		if len(got) != len(want) {
			t.Fatalf("round trip %v: got %v", want, got)
		}
		for k, v := range want {
			gv, ok := got[k]
			if !ok {
				t.Fatalf("round trip %v: missing key %q in %v", want, k, got)
			}
			if !deepEqualish(v, gv) {
				t.Fatalf("round trip %v: key %q got %v want %v", want, k, gv, v)
			}
		}
	}
}

func deepEqualish(a, b any) bool {
	am, aok := a.(map[string]any)
	bm, bok := b.(map[string]any)
	if aok != bok {
		return false
	}
	if aok {
		if len(am) != len(bm) {
			return false
		}
		for k, v := range am {
			if !deepEqualish(v, bm[k]) {
				return false
			}
		}
		return true
	}
	return a == b
}

func TestReadMessageMalformedLength(t *testing.T) {
	cases := []string{
		"notanumber\n",
		"12",    // no newline
		"\n",    // empty length
		"-5\n",  // negative
		"1 2\n", // not pure digits
	}

	for _, input := range cases {
		_, err := NewReader(strings.NewReader(input)).ReadMessage()
		if !errors.Is(err, ErrPeerGone) {
			t.Errorf("input %q: got err %v, want ErrPeerGone", input, err)
		}
	}
}

func TestReadMessageShortRead(t *testing.T) {
	// Claims 100 bytes of payload but supplies none.
	_, err := NewReader(strings.NewReader("100\n")).ReadMessage()
	if !errors.Is(err, ErrPeerGone) {
		t.Errorf("got err %v, want ErrPeerGone", err)
	}
}

func TestReadMessageEOF(t *testing.T) {
	_, err := NewReader(strings.NewReader("")).ReadMessage()
	if !errors.Is(err, ErrPeerGone) {
		t.Errorf("got err %v, want ErrPeerGone", err)
	}
}

func TestReadMessageTimeout(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	if err := server.SetReadDeadline(time.Now().Add(20 * time.Millisecond)); err != nil {
		t.Fatalf("SetReadDeadline: %v", err)
	}

	_, err := NewReader(server).ReadMessage()
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("got err %v, want ErrTimeout", err)
	}
}

func TestSanitizeDropsUnserializable(t *testing.T) {
	fn := func() {}
	in := map[string]any{
		"keep_int":    42,
		"keep_str":    "hello",
		"keep_bool":   true,
		"drop_func":   fn,
		"drop_chan":   make(chan int),
		"nested_keep": map[string]any{"a": int64(1), "b": fn},
	}

	out := Sanitize(in)

	if _, ok := out["drop_func"]; ok {
		t.Error("drop_func should have been dropped")
	}
	if _, ok := out["drop_chan"]; ok {
		t.Error("drop_chan should have been dropped")
	}
	if out["keep_int"] != 42 {
		t.Errorf("keep_int = %v, want 42", out["keep_int"])
	}
	nested, ok := out["nested_keep"].(map[string]any)
	if !ok {
		t.Fatalf("nested_keep not sanitized to a map[string]any: %T", out["nested_keep"])
	}
	if _, ok := nested["b"]; ok {
		t.Error("nested_keep.b should have been dropped")
	}
	if nested["a"] != int64(1) {
		t.Errorf("nested_keep.a = %v, want 1", nested["a"])
	}
}

func TestSanitizeRoundTripsThroughWire(t *testing.T) {
	in := map[string]any{
		"min_processes": 5,
		"bad":           func() {},
	}
	msg := Sanitize(in)

	var buf bytes.Buffer
	if err := NewWriter(&buf).WriteMessage(msg); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	got, err := NewReader(&buf).ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if _, ok := got["bad"]; ok {
		t.Error("sanitized-out key reappeared after round trip")
	}
}
