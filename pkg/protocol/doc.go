// Package protocol defines the wire messages exchanged between the
// evalbridge server and its JavaScript execution clients.
//
// The wire format is one JSON object per WebSocket text frame, self-describing
// via an "op" field. The tag set is closed:
//
//	server -> client   eval-js  {id, code, session}
//	client -> server   result   {id, value}
//	client -> server   print    {value, session}
//	client -> server   ready    {}
//	server -> client   error    {message}
//
// eval-js and result carry a correlation id so several evaluations may be in
// flight concurrently. ready and print carry none: ready is a client-initiated
// handshake announcing a fresh execution environment, print is a stream.
package protocol
