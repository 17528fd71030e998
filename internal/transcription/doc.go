// Package transcription implements the HTTP client for the transcription API.
// It sends session audio chunks as multipart form data together with the
// correlation ids of the call, retries transient failures with exponential
// backoff and bounds the number of concurrent requests.
package transcription
