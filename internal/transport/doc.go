// Package transport implements the full-duplex binary frame channel used
// between the conversion client and server.
//
// A Channel moves through Connecting, Open, Closing and Closed, with a side
// transition to Failed on any protocol or network violation. Frame arrivals
// and state transitions are delivered to subscribers as one ordered event
// stream, and the terminal event is delivered exactly once. The closing
// handshake doubles as a half-close: the side that has finished sending
// closes its direction while frames keep flowing the other way.
//
// Two implementations are provided: WebSocket, backed by gorilla/websocket,
// and Pipe, an in-memory connected pair.
package transport
