/*
Package security provides encryption at rest for subnet credentials.

Private subnets carry a secret token that authenticates tunnel connections.
The token is returned exactly once at creation time; what lands in storage
is an AES-256-GCM ciphertext so a copied database file does not leak tunnel
credentials.

# Architecture

	┌──────────────┐     EncryptToken      ┌─────────────────────────┐
	│ SecretToken  │ ───────────────────▶  │ enc-v1:<base64 payload> │
	│ (plaintext)  │ ◀───────────────────  │   nonce ‖ ciphertext    │
	└──────────────┘     DecryptToken      └─────────────────────────┘

The encryption key is derived from ACN_SECRETS_PASSWORD:

	key = SHA-256(password)  // 32 bytes for AES-256

# Core Components

SecretsManager:
  - EncryptSecret/DecryptSecret: AES-256-GCM with the nonce prepended to
    the ciphertext
  - EncryptToken/DecryptToken: string form for subnet rows, tagged with
    the enc-v1: prefix

# Usage

	sm, err := security.NewSecretsManagerFromPassword(cfg.SecretsPassword)
	if err != nil {
		return err
	}

	stored, err := sm.EncryptToken(subnet.SecretToken)   // before persisting
	token, err := sm.DecryptToken(subnet.SecretToken)    // before comparing

# Design Notes

Tokens stored before ACN_SECRETS_PASSWORD was configured are untagged
plaintext; DecryptToken passes them through unchanged, so enabling
encryption at rest never locks out existing subnets. New writes are always
encrypted once a manager is configured.

GCM provides authenticated encryption: a wrong password or a tampered row
fails decryption outright rather than yielding garbage that might compare
equal to an attacker-chosen value.

# Integration Points

  - pkg/gateway encrypts tokens when subnets are created and decrypts them
    when tunnel credentials are checked
  - pkg/config supplies the password via ACN_SECRETS_PASSWORD

# See Also

  - pkg/gateway for the subnet auth flow
*/
package security
