package provider

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/edgewire/mcpgate/internal/bus"
)

// Signature returns the deterministic config signature of a provider:
// a digest over the transport kind, the normalized config blob, and the
// root count. The reconciler reuses a running provider exactly when the
// signatures of the old and new desired records are equal.
func Signature(transport bus.TransportKind, cfg json.RawMessage, rootCount int) string {
	h := sha256.New()
	h.Write([]byte(transport))
	h.Write([]byte{0})
	h.Write(normalizeJSON(cfg))
	h.Write([]byte{0})
	fmt.Fprintf(h, "%d", rootCount)
	return hex.EncodeToString(h.Sum(nil))
}

// normalizeJSON re-encodes a JSON document so that key order and
// insignificant whitespace do not affect the digest. Blobs that fail to
// parse are hashed as-is; they will also fail config validation with a
// better error.
func normalizeJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	norm, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return norm
}
