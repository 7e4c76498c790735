// Package stream decodes the server-sent event body of the streaming agent backend.
//
// Frames are separated by a blank line and carry one or more "data: " lines whose
// payload is a JSON object with an "event" discriminator. The Decoder is fed raw
// bytes as they arrive, keeps any trailing partial frame for the next write and
// accumulates answer text. Read races a Decoder against a wall-clock timeout and
// returns partial text when the backend stalls after having produced some.
package stream
