// Package httputil holds the JSON response helpers shared by the API
// handlers. Errors are always written as {"error": "..."} with an optional
// machine-readable "code", and 5xx details are logged, never returned.
package httputil
