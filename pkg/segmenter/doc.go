/*
Package segmenter turns a file into fixed-size, content-hashed plaintext
Chunks (chunker.go) and frames a chunk's ciphertext into the printable-safe
article body the Transport posts (yenc.go). Neither half touches
encryption; Crypto and Segmenter compose at the Uploader/Downloader layer.
*/
package segmenter
