// Package token issues the voice access tokens browser softphones use to
// register with the telephony provider.
package token
