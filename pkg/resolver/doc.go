// Package resolver implements spec §4.G's Resolve half: decode an access
// credential, fetch the signed head article, verify its signature before
// touching any ciphertext, unlock the session key for the share's mode,
// and decrypt the manifest. See pkg/publisher for the matching Publish
// half.
package resolver
