// Package httpapi exposes the tool gateway over JSON HTTP endpoints.
package httpapi
