package controlserver

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"returnflow/pkg/models"
)

// Decode unmarshals req.Data into T. Malformed payloads are invalid
// requests; an empty payload yields the zero T.
func Decode[T any](req models.Request) (T, error) {
	var out T
	if len(bytes.TrimSpace(req.Data)) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(req.Data, &out); err != nil {
		return out, models.Wrap(models.KindInvalidRequest, err, "decode "+string(req.Action)+" data")
	}
	return out, nil
}

// Identity carries the fields a caller stamps on every envelope it sends.
type Identity struct {
	AgentID  string
	UserRole string
}

// Call builds an envelope, sends it through c and decodes a successful
// response into out. A failed response comes back as its typed error.
func Call(ctx context.Context, c Caller, id Identity, businessID string, action models.Action, data interface{}, rc models.RequestContext, out interface{}) error {
	if rc.UserRole == "" {
		rc.UserRole = id.UserRole
	}
	req, err := models.NewRequest(uuid.NewString(), id.AgentID, businessID, action, data, rc)
	if err != nil {
		return models.Wrap(models.KindInvalidRequest, err, "encode "+string(action))
	}
	return c.HandleRequest(ctx, req).Decode(out)
}
