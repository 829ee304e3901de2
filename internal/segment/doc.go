// Package segment buffers received segments between an asynchronous
// producer and a sink that accepts one append at a time.
//
// A Controller hands a segment to its Sink only while Idle. Arrivals during
// an in-flight append wait in a FIFO Queue and are drained, in arrival order,
// as the sink reports completion. End of stream is signalled to the sink
// once, after the last append completes and the queue is empty.
//
// Controllers are not safe for concurrent use; callers drive them from a
// single goroutine, typically a session event loop.
package segment
