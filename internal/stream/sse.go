// Package stream implements the streaming side of the cache: recording
// upstream transcripts, fanning chunks out to coalesced followers, and
// replaying cached transcripts with realistic pacing.
//
// All streams — live leader, follower fan-out, replay — use identical SSE
// framing ("data: <json>\n\n" terminated by "data: [DONE]\n\n"), so a
// replayed stream is indistinguishable at the protocol layer from an
// upstream one.
package stream

import (
	"bufio"
	"fmt"
)

// DoneMarker terminates every completed SSE stream.
const DoneMarker = "[DONE]"

// WriteEvent writes one SSE data event and flushes it to the client.
func WriteEvent(w *bufio.Writer, data []byte) error {
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return w.Flush()
}

// WriteDone writes the stream terminator and flushes.
func WriteDone(w *bufio.Writer) error {
	if _, err := fmt.Fprintf(w, "data: %s\n\n", DoneMarker); err != nil {
		return err
	}
	return w.Flush()
}

// WriteError writes an OpenAI-shaped error event. Streams that fail before
// completion end with this event and no [DONE] terminator.
func WriteError(w *bufio.Writer, kind, message string) error {
	payload := fmt.Sprintf(`{"error":{"type":%q,"message":%q}}`, kind, message)
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return err
	}
	return w.Flush()
}
