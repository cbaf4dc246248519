// Package session coordinates authentication state across the client.
//
// The Coordinator is the single writer for the session token and user
// record. Around every auth transition it drives the other subsystems in
// order: durable storage mirrors the session, the token cache is primed or
// cleared, and the realtime channel is connected or torn down. A 401 from
// any backend endpoint funnels through the coordinator's unauthorized hook
// and forces a full logout, so the rest of the client never observes a
// half-authenticated state.
//
// JWT session tokens are screened locally for a past exp claim before auth
// checks to skip a doomed network call; signatures are never verified here,
// the server stays the authority.
package session
