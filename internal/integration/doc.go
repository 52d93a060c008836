// Package integration holds end-to-end tests that run the full service.
package integration
