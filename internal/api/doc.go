// Package api wraps the console backend's REST endpoints behind a typed
// client speaking the errcode/errmsg response envelope.
package api
