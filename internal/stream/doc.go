// Package stream runs conversion sessions on the client side.
//
// A Session streams a WAV source over a transport.Channel with a Sender and
// feeds the converted segments that come back into a sink through a
// segment.Controller. The Manager owns at most one live Session and a single
// event loop goroutine; channel events, sink completions and sender progress
// are posted to that loop, so controller, sink and progress state is only
// ever touched from one goroutine. Events carry the generation of the
// Session that produced them and are dropped once that Session is gone.
package stream
