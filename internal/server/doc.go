// Package server exposes the conversion service over HTTP: the /ws
// WebSocket endpoint that feeds the transcode registry, and the
// monitoring endpoints.
package server
