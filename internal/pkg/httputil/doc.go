// Package httputil centralizes JSON response writing and request body
// decoding for the API handlers, so status mapping and the error
// envelope stay uniform across endpoints.
package httputil
