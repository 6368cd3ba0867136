// Package proto defines the node's wire formats: the outer transport
// envelope, the decrypted inner payloads, the stable rejection codes, and
// the QR contact/invite codecs. Formats are frozen; deployed peers depend
// on them bit for bit.
package proto

// Stable rejection and failure codes surfaced on the wire and in logs.
const (
	CodeBadRequest           = "BAD_REQUEST"
	CodeUnsupportedVersion   = "UNSUPPORTED_VERSION"
	CodeInvalidType          = "INVALID_TYPE"
	CodeBodyTooLarge         = "BODY_TOO_LARGE"
	CodePayloadTooLarge      = "PAYLOAD_TOO_LARGE"
	CodeMsgIDMismatch        = "MSG_ID_MISMATCH"
	CodeConvIDMismatch       = "CONV_ID_MISMATCH"
	CodeRecipientNotSelf     = "RECIPIENT_NOT_SELF"
	CodeSenderNotAllowed     = "SENDER_NOT_ALLOWED"
	CodeSenderNotVerified    = "SENDER_NOT_VERIFIED"
	CodeSenderUnknown        = "SENDER_UNKNOWN"
	CodeReplayDetected       = "REPLAY_DETECTED"
	CodeRecipientUnknown     = "RECIPIENT_UNKNOWN"
	CodeSelfContactForbidden = "SELF_CONTACT_NOT_ALLOWED"
	CodeLocalIdentityMissing = "LOCAL_IDENTITY_MISSING"
	CodeInviteExpired        = "INVITE_EXPIRED"
	CodeInviteUsed           = "INVITE_USED"
	CodeCryptoDecryptFail    = "CRYPTO_DECRYPT_FAIL"
	CodePGPEncryptFail       = "PGP_ENCRYPT_FAIL"
	CodePlaintextJSONInvalid = "PLAINTEXT_JSON_INVALID"
	CodeNoIdentity           = "NO_IDENTITY"
	CodeNoOnion              = "NO_ONION"
	CodeNotFound             = "NOT_FOUND"
	CodeRateLimited          = "RATE_LIMITED"
)
