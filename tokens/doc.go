// Package tokens implements the stateless bearer token format issued to
// clients.
//
// A bearer token is an AES-256-GCM sealed JSON payload: the upstream
// credentials, tenant binding, and expiry travel inside the token itself,
// encrypted under a process-wide key. Holding the key is what makes a token
// valid; the server keeps no per-token state, so resource requests and
// refresh grants need no storage round trip and horizontal scaling needs no
// shared token database.
//
// # Wire Format
//
//	base64.RawURLEncoding( nonce || ciphertext || GCM tag )
//
// The nonce is freshly random per token, so encoding the same payload twice
// yields different tokens.
//
// # Failure Behavior
//
// Decode collapses every failure mode into the single [ErrInvalidToken]:
// malformed encoding, truncation, a wrong or rotated key, a tampered
// ciphertext, and an expired payload are indistinguishable to the caller.
// Anything else would hand an attacker a padding-oracle style probe.
//
// Decode does not check the payload kind. The token endpoint accepts only
// refresh payloads and the resource middleware only access payloads; each
// caller enforces its own.
//
// # Key Management
//
// Keys are 32 bytes (AES-256), exchanged as standard base64:
//
//	key, _ := tokens.GenerateKey()
//	fmt.Println(tokens.KeyToBase64(key)) // store in secret manager
//
//	key, _ := tokens.KeyFromBase64(os.Getenv("TOKEN_KEY"))
//	codec, _ := tokens.NewCodec(key)
//
// All instances of a deployment must share one key. Rotating the key
// invalidates every outstanding token at once.
package tokens
