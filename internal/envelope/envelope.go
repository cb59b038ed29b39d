// Package envelope implements the message envelope shared by every role on
// the wire (§3/§6): canonical-JSON encoding for signing, and the signed
// dispatch helpers C6/C7 build on.
//
// Grounded on the teacher's internal/network/message.go JSON envelope shape,
// generalized to the closed role set and canonicalization rules this core
// requires.
package envelope

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/diiisco/core/internal/collaborators"
)

// Role is the closed set of envelope discriminators (§6).
type Role string

const (
	RoleListModels         Role = "list-models"
	RoleListModelsResponse Role = "list-models-response"
	RoleQuoteRequest       Role = "quote-request"
	RoleQuoteResponse      Role = "quote-response"
	RoleQuoteAccepted      Role = "quote-accepted"
	RoleContractCreated    Role = "contract-created"
	RoleContractSigned     Role = "contract-signed"
	RoleInferenceResponse  Role = "inference-response"
)

// knownRoles backs IsKnownRole and role-dispatch validation in C7.
var knownRoles = map[Role]bool{
	RoleListModels:         true,
	RoleListModelsResponse: true,
	RoleQuoteRequest:       true,
	RoleQuoteResponse:      true,
	RoleQuoteAccepted:      true,
	RoleContractCreated:    true,
	RoleContractSigned:     true,
	RoleInferenceResponse:  true,
}

// IsKnownRole reports whether role belongs to the closed set in §6.
func IsKnownRole(role Role) bool { return knownRoles[role] }

// DirectPreferred is the closed taxonomy of roles C6 attempts to deliver
// peer-to-peer before falling back to broadcast (§3).
var DirectPreferred = map[Role]bool{
	RoleQuoteAccepted:     true,
	RoleContractCreated:   true,
	RoleContractSigned:    true,
	RoleInferenceResponse: true,
}

// BroadcastOnly is the closed taxonomy of roles that are always published on
// the well-known topic (§3). list-models and quote-request carry no `to`;
// list-models-response and quote-response name the requesting peer in `to`.
var BroadcastOnly = map[Role]bool{
	RoleListModels:         true,
	RoleListModelsResponse: true,
	RoleQuoteRequest:       true,
	RoleQuoteResponse:      true,
}

// Envelope is the wire shape shared by every role (§3/§6). Payload is kept
// as a raw JSON message so canonicalization can operate on it generically
// without each role needing a distinct envelope type.
type Envelope struct {
	Role           Role            `json:"role"`
	ID             string          `json:"id"`
	Timestamp      int64           `json:"timestamp"`
	FromWalletAddr string          `json:"fromWalletAddr"`
	To             string          `json:"to,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Signature      string          `json:"signature,omitempty"`
}

// Canonicalize returns the canonical-JSON encoding of env with the
// signature field removed: object keys sorted lexicographically at every
// depth, arrays kept in source order (§6).
func Canonicalize(env Envelope) ([]byte, error) {
	env.Signature = ""
	asMap, err := toSortableMap(env)
	if err != nil {
		return nil, fmt.Errorf("envelope: canonicalize: %w", err)
	}
	var buf bytes.Buffer
	if err := encodeCanonical(&buf, asMap); err != nil {
		return nil, fmt.Errorf("envelope: canonicalize: %w", err)
	}
	return buf.Bytes(), nil
}

// toSortableMap round-trips env through encoding/json into a
// map[string]interface{} so nested maps can be canonicalized uniformly,
// then drops the empty signature/to/payload keys the way omitempty would.
func toSortableMap(env Envelope) (map[string]interface{}, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	delete(m, "signature")
	return m, nil
}

// encodeCanonical writes v to w as canonical JSON: object keys sorted at
// every depth, arrays in source order, no extraneous whitespace.
func encodeCanonical(w *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		w.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				w.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			w.Write(kb)
			w.WriteByte(':')
			if err := encodeCanonical(w, val[k]); err != nil {
				return err
			}
		}
		w.WriteByte('}')
	case []interface{}:
		w.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				w.WriteByte(',')
			}
			if err := encodeCanonical(w, item); err != nil {
				return err
			}
		}
		w.WriteByte(']')
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return err
		}
		w.Write(b)
	}
	return nil
}

// Sign canonicalizes env (with signature removed), asks ledger to sign the
// resulting bytes, and returns env with Signature populated. Every outbound
// reply is signed exactly this way (§4.7).
func Sign(ctx context.Context, ledger collaborators.Ledger, env Envelope) (Envelope, error) {
	canon, err := Canonicalize(env)
	if err != nil {
		return Envelope{}, err
	}
	sig, err := ledger.SignObject(ctx, canon)
	if err != nil {
		return Envelope{}, fmt.Errorf("envelope: sign: %w", err)
	}
	env.Signature = sig
	return env, nil
}

// Verify canonicalizes env (with signature removed) and checks its
// signature against FromWalletAddr. It never errors on a bad signature —
// that is a false return, not an error — only on collaborator failure.
func Verify(ctx context.Context, ledger collaborators.Ledger, env Envelope) (bool, error) {
	if env.Signature == "" {
		return false, nil
	}
	canon, err := Canonicalize(env)
	if err != nil {
		return false, err
	}
	if _, err := base64.StdEncoding.DecodeString(env.Signature); err != nil {
		return false, nil
	}
	ok, err := ledger.VerifySignature(ctx, canon, env.FromWalletAddr, env.Signature)
	if err != nil {
		return false, fmt.Errorf("envelope: verify: %w", err)
	}
	return ok, nil
}

// DecodePayload unmarshals env.Payload into out.
func DecodePayload(env Envelope, out interface{}) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("envelope: empty payload for role %s", env.Role)
	}
	if err := json.Unmarshal(env.Payload, out); err != nil {
		return fmt.Errorf("envelope: decode payload for role %s: %w", env.Role, err)
	}
	return nil
}

// EncodePayload marshals payload into a new envelope's Payload field.
func EncodePayload(payload interface{}) (json.RawMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("envelope: encode payload: %w", err)
	}
	return raw, nil
}
