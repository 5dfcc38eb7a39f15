package transfer

import (
	"testing"

	rsm "github.com/statewise/go-rsm"
)

func apply(t *testing.T, kv *KV, id int64, cmd string) any {
	t.Helper()
	out, err := kv.Transform(rsm.Input{ID: id, Content: []byte(cmd)})
	if err != nil {
		t.Fatalf("Transform(%q) failed: %v", cmd, err)
	}
	return out
}

func TestParseInstruction(t *testing.T) {
	instr, err := ParseInstruction([]byte("SET user alice smith"))
	if err != nil {
		t.Fatal(err)
	}
	if instr.Cmd != "set" || instr.Key != "user" {
		t.Errorf("parsed %+v", instr)
	}
	if len(instr.Args) != 2 || instr.Args[0] != "alice" {
		t.Errorf("args = %v", instr.Args)
	}

	if _, err := ParseInstruction([]byte("set")); err == nil {
		t.Error("instruction without a key parsed")
	}
}

func TestSetGetDel(t *testing.T) {
	kv := NewKV()

	if out := apply(t, kv, 0, "set name alice"); out != "OK" {
		t.Errorf("set = %v, want OK", out)
	}
	if out := apply(t, kv, 1, "get name"); out != "alice" {
		t.Errorf("get = %v, want alice", out)
	}
	if out := apply(t, kv, 2, "del name"); out != 1 {
		t.Errorf("del = %v, want 1", out)
	}
	if out := apply(t, kv, 3, "del name"); out != 0 {
		t.Errorf("del of missing key = %v, want 0", out)
	}
	if kv.Len() != 0 {
		t.Errorf("Len = %d, want 0", kv.Len())
	}
}

func TestBadCommandsConsumeTheirInstance(t *testing.T) {
	kv := NewKV()

	out := apply(t, kv, 0, "frobnicate x")
	if s, ok := out.(string); !ok || s == "" {
		t.Errorf("unknown command output = %v, want an ERR string", out)
	}
	out = apply(t, kv, 1, "set")
	if s, ok := out.(string); !ok || s == "" {
		t.Errorf("malformed command output = %v, want an ERR string", out)
	}

	// The machine moved past both instances.
	if out := apply(t, kv, 2, "set k v"); out != "OK" {
		t.Errorf("set after bad commands = %v", out)
	}
}

func TestRedriveIsIdempotent(t *testing.T) {
	kv := NewKV()

	apply(t, kv, 0, "set n 1")
	first := apply(t, kv, 1, "del n")

	// Crash recovery re-drives the in-flight instance with identical
	// input; the recorded output is replayed and state is unchanged.
	second := apply(t, kv, 1, "del n")
	if first != second {
		t.Errorf("re-drive output = %v, want %v", second, first)
	}
	if _, ok := kv.Get("n"); ok {
		t.Error("key resurrected by re-drive")
	}
}

func TestGetOutsideApplyPath(t *testing.T) {
	kv := NewKV()
	apply(t, kv, 0, "set city berlin")

	v, ok := kv.Get("city")
	if !ok || v != "berlin" {
		t.Errorf("Get = (%q, %v)", v, ok)
	}
	if _, ok := kv.Get("absent"); ok {
		t.Error("Get reported a missing key as present")
	}
}
