// Package auth produces outbound credentials for the courier and platform
// APIs from a merchant's decrypted credential set.
//
// Courier calls carry a short-lived HS256 JWT minted per call. Platform calls
// carry a bearer access token obtained with a client-credentials exchange and
// written back to the merchant record when refreshed.
package auth
