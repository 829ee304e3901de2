// Package transcode runs the server side of a conversion: WAV frames read
// from a transport.Channel are piped into a transcoder process and its
// output is streamed back on the same channel.
package transcode
