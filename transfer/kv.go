// Package transfer provides a reference StateTransfer implementation: a
// small keyed command machine.
package transfer

import (
	"fmt"
	"strings"
	"sync"

	rsm "github.com/statewise/go-rsm"
)

// Instruction is one parsed command against the key-value machine. These
// objects should be considered immutable once instantiated.
type Instruction struct {
	Cmd  string
	Key  string
	Args []string
}

// ParseInstruction parses a whitespace-separated command line of the form
// "<cmd> <key> [args...]".
func ParseInstruction(content []byte) (Instruction, error) {
	fields := strings.Fields(string(content))
	if len(fields) < 2 {
		return Instruction{}, fmt.Errorf("instruction needs a command and a key, got %q", content)
	}
	return Instruction{
		Cmd:  strings.ToLower(fields[0]),
		Key:  fields[1],
		Args: fields[2:],
	}, nil
}

// KV folds set/get/del instructions into an in-memory map. It implements
// the per-instance idempotence the driver requires: the id and output of
// the most recent application are retained, so re-driving the in-flight
// instance after a crash replays the recorded output instead of mutating
// state twice.
type KV struct {
	mu   sync.RWMutex
	data map[string]string

	lastApplied int64
	lastOutput  any
}

// NewKV creates an empty key-value machine.
func NewKV() *KV {
	return &KV{data: make(map[string]string), lastApplied: -1}
}

// Transform implements the StateTransfer interface
func (k *KV) Transform(in rsm.Input) (any, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if in.ID <= k.lastApplied {
		// Re-drive of an already applied instance. Only the most recent
		// one can legitimately recur (crash recovery re-runs the
		// in-flight id); anything older is a harmless duplicate.
		if in.ID == k.lastApplied {
			return k.lastOutput, nil
		}
		return nil, nil
	}

	// Malformed or unknown commands still consume their instance: a
	// transform error would be retried forever, and the failure is
	// deterministic. The error is the command's output instead.
	var out any
	instr, err := ParseInstruction(in.Content)
	if err != nil {
		out = fmt.Sprintf("ERR %v", err)
	} else {
		switch instr.Cmd {
		case "set":
			k.data[instr.Key] = strings.Join(instr.Args, " ")
			out = "OK"
		case "get":
			out = k.data[instr.Key]
		case "del":
			_, existed := k.data[instr.Key]
			delete(k.data, instr.Key)
			if existed {
				out = 1
			} else {
				out = 0
			}
		default:
			out = fmt.Sprintf("ERR unknown command %q", instr.Cmd)
		}
	}

	k.lastApplied = in.ID
	k.lastOutput = out
	return out, nil
}

// Get reads a key outside the apply path.
func (k *KV) Get(key string) (string, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	v, ok := k.data[key]
	return v, ok
}

// Len reports the number of stored keys.
func (k *KV) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.data)
}

// Compile-time interface check
var _ rsm.StateTransfer = (*KV)(nil)
