// Package credential holds the OAuth access/refresh token pair used to talk
// to Gmail and refreshes it just in time.
//
// The refresh token is provisioned out of band (config, environment or a
// token file written by an earlier consent flow); this package never runs
// the interactive grant.
package credential
