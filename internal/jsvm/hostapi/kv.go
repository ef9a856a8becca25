package hostapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"consolevm/internal/bridge"
	"consolevm/internal/storage"
)

const kvPrefix = "jsvm:"

// registerKV registers the kv pool. Keys are namespaced per computer.
func registerKV(r *bridge.Registry, h *Context) error {
	return registerAll(r.Pool("kv"), []named{
		{"get", bridge.VariadicArgs(h.kvGet)},
		{"set", bridge.Proc2(h.kvSet)},
		{"delete", bridge.Proc1(h.kvDelete)},
		{"keys", bridge.Variadic(h.kvKeys)},
	})
}

func (h *Context) kvKey(key string) string {
	return kvPrefix + h.KVPrefix + key
}

// kvGet returns the stored value, decoded when it is JSON, or null.
func (h *Context) kvGet(a *bridge.Args) (any, error) {
	if h.KV == nil {
		return nil, nil
	}
	value, err := h.KV.KVGet(h.Proc.Context(), h.kvKey(a.String(0)))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("kv get failed: %w", err)
	}

	// Try to parse as JSON
	var result any
	if err := json.Unmarshal([]byte(value), &result); err != nil {
		return value, nil
	}
	// Decoded objects become plain script objects, not handles.
	return a.Runtime().ToValue(result), nil
}

func (h *Context) kvSet(key string, v any) error {
	// Serialize value to JSON
	var value string
	switch v := v.(type) {
	case string:
		// Check if it's already valid JSON
		var js json.RawMessage
		if json.Unmarshal([]byte(v), &js) == nil {
			value = v
		} else {
			jsonBytes, _ := json.Marshal(v)
			value = string(jsonBytes)
		}
	case *bridge.Callback:
		return errors.New("kv set failed: functions cannot be stored")
	default:
		jsonBytes, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to serialize value: %w", err)
		}
		value = string(jsonBytes)
	}

	if h.KV == nil {
		return nil
	}
	if err := h.KV.KVSet(h.Proc.Context(), h.kvKey(key), value, 0); err != nil {
		return fmt.Errorf("kv set failed: %w", err)
	}
	return nil
}

func (h *Context) kvDelete(key string) error {
	if h.KV == nil {
		return nil
	}
	err := h.KV.KVDelete(h.Proc.Context(), h.kvKey(key))
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("kv delete failed: %w", err)
	}
	return nil
}

func (h *Context) kvKeys(args []any) (any, error) {
	prefix := h.kvKey(stringArg(args, 0))
	if h.KV == nil {
		return []string{}, nil
	}
	result, err := h.KV.KVList(h.Proc.Context(), prefix)
	if err != nil {
		return nil, fmt.Errorf("kv list failed: %w", err)
	}

	// Strip the namespace from user-facing keys.
	base := h.kvKey("")
	keys := make([]string, 0, len(result))
	for k := range result {
		keys = append(keys, strings.TrimPrefix(k, base))
	}
	return keys, nil
}
