package domain

import "errors"

var (
	ErrMalformedPayload   = errors.New("malformed_payload")
	ErrInvalidSignature   = errors.New("invalid_signature")
	ErrUnsupportedGateway = errors.New("unsupported_gateway")
	ErrMissingLineage     = errors.New("missing_lineage_id")
	ErrMissingIdempotency = errors.New("missing_idempotency_key")
	ErrVerifierFailed     = errors.New("purchase_verifier_failed")
)
