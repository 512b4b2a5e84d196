package server

import (
	"net/http"
)

// Frame fragments reused across every write on the streaming hot path, so a
// relay never allocates for framing.
var (
	sseDataPrefix = []byte("data: ")
	sseFrameEnd   = []byte("\n\n")
	sseDone       = []byte("data: [DONE]\n\n")
	sseKeepAlive  = []byte(": keep-alive\n\n")
)

// Header values are assigned into the map directly; Header.Set would build a
// fresh []string per stream.
var (
	sseContentType  = []string{"text/event-stream"}
	sseCacheControl = []string{"no-cache"}
	sseConnection   = []string{"keep-alive"}
	sseAccelBuf     = []string{"no"} // stop nginx from buffering the stream
)

// writeSSEHeaders commits the response to event-stream framing. After this
// point errors can only be reported as frames, not status codes.
func writeSSEHeaders(w http.ResponseWriter) {
	h := w.Header()
	h["Content-Type"] = sseContentType
	h["Cache-Control"] = sseCacheControl
	h["Connection"] = sseConnection
	h["X-Accel-Buffering"] = sseAccelBuf
	w.WriteHeader(http.StatusOK)
}

// writeSSEData writes one data frame: "data: <payload>\n\n".
func writeSSEData(w http.ResponseWriter, data []byte) {
	w.Write(sseDataPrefix)
	w.Write(data)
	w.Write(sseFrameEnd)
}

// writeSSEDone writes the termination sentinel.
func writeSSEDone(w http.ResponseWriter) {
	w.Write(sseDone)
}

// writeSSEKeepAlive writes a comment frame that holds idle connections open
// through proxies.
func writeSSEKeepAlive(w http.ResponseWriter) {
	w.Write(sseKeepAlive)
}
