// Package secrets provides AES-256-GCM encryption for secret values at
// rest: database credentials, deployment environment variables, and
// workspace secret env. Ciphertext is marked with a versioned prefix
// ("$kc_enc$v1$<base64(nonce|ciphertext)>") so DecryptEnvMap and
// DecryptFields can tell encrypted values apart from plaintext and pass
// the latter through unchanged.
//
// The default encryptor is initialized once at startup from Init, which
// takes a base64-encoded 32-byte primary key plus any number of retired
// keys. Retired keys are tried in order on decrypt failure, which lets a
// key rotation happen without having to re-encrypt every stored row in
// the same step: new writes use the new primary key, old ciphertext
// keeps decrypting against the retired key until it is naturally
// rewritten.
//
// Two encryption surfaces exist:
//
//   - EncryptEnvMap / DecryptEnvMap operate on the flat map[string]string
//     environment maps attached to Deployment and Workspace resources.
//     This is the primary surface: deployment env vars and workspace
//     secret env are the only secret-shaped data the control plane
//     stores.
//   - EncryptFields / DecryptFields (transform.go) walk dot-separated
//     paths into a nested map[string]interface{}, for any config blob
//     that isn't already a flat string map — kept from the original
//     design for that shape of input, but the control plane's own
//     domain types only need the env-map form.
//
// If Init is never called (or called with an empty key), Enabled()
// returns false and every encrypt/decrypt call becomes a passthrough:
// secrets are stored and returned in plaintext. This is the expected
// configuration for local development.
package secrets
