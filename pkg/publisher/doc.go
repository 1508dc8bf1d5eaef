// Package publisher implements spec §4.G's Publish half: build the
// index document, sign it with the folder's key, encrypt it under the
// session key the folder's segments were uploaded under (supplied by the
// caller; no new key is generated per share), and post it as a signed
// head article plus its ciphertext chunks. See pkg/resolver for the matching Resolve half.
package publisher
