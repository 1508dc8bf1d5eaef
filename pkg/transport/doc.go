/*
Package transport owns every raw connection to upstream servers. A Registry
holds one Pool per configured server ordered by priority; Post/Retrieve
fail over across pools on retryable errors with exponential backoff and
jitter, and surface terminal errors immediately. No other package in this
module is permitted to dial a server directly.
*/
package transport
