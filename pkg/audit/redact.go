package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"returnflow/pkg/models"
)

// sensitiveKeys are payload fields that identify a customer.
var sensitiveKeys = map[string]struct{}{
	"customeremail": {},
	"email":         {},
	"customerphone": {},
	"phone":         {},
	"customername":  {},
	"address":       {},
}

func redactRecord(rec Record, salt []byte) Record {
	rec.AgentID = hashString(rec.AgentID, salt)
	rec.Input = redactPayload(rec.Input, salt)
	return rec
}

// redactPayload hashes sensitive fields at any depth. Invalid JSON is
// replaced by its hash.
func redactPayload(raw json.RawMessage, salt []byte) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		b, _ := json.Marshal(map[string]string{"input_hash": hashBytes(raw, salt), "redaction_error": "invalid_json"})
		return b
	}
	out, err := json.Marshal(redactValue(v, salt))
	if err != nil {
		return raw
	}
	return out
}

func redactValue(v interface{}, salt []byte) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, vv := range t {
			if _, ok := sensitiveKeys[strings.ToLower(k)]; ok {
				t[k] = hashJSON(vv, salt)
				continue
			}
			t[k] = redactValue(vv, salt)
		}
		return t
	case []interface{}:
		for i := range t {
			t[i] = redactValue(t[i], salt)
		}
		return t
	default:
		return v
	}
}

func hashJSON(v interface{}, salt []byte) string {
	if s, ok := v.(string); ok {
		return hashString(s, salt)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	canon, err := models.CanonicalJSON(raw)
	if err != nil {
		return hashBytes(raw, salt)
	}
	return hashBytes(canon, salt)
}

func hashString(v string, salt []byte) string {
	if v == "" {
		return ""
	}
	return hashBytes([]byte(v), salt)
}

func hashBytes(b []byte, salt []byte) string {
	h := sha256.New()
	_, _ = h.Write(salt)
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}
