// Package twiml builds the call-control documents served to the telephony
// provider's webhooks: dialing a number, dialing a SIP URI and connecting
// the call audio to the media-stream relay.
package twiml
