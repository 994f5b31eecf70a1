// Package endpoints manages platform endpoints and routes provider
// discovery and validation calls to a worker service able to serve them.
package endpoints
