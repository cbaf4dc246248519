// Package clientinfo assembles the client context snapshot attached to
// login and register requests: host details, network stance, and best-effort
// IP geolocation that degrades to "none" rather than failing the auth flow.
package clientinfo
