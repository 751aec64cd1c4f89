package json

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// maxBodyBytes caps request bodies at 1 MiB. Allocation and challenge
// payloads are small; anything larger is abuse.
const maxBodyBytes = 1 << 20

// DecodeJSON decodes a request body into dst, rejecting unknown fields,
// oversized bodies, and trailing data.
func DecodeJSON(ctx context.Context, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(nil, r.Body, maxBodyBytes)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("invalid json: trailing data after object")
	}

	return nil
}
