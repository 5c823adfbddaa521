// Package protocol defines the messages exchanged between a robotlink server
// and its clients.
//
// There are two logical channels:
//
//   - Request/Reply: a client sends a ClientRequest and receives exactly one
//     Reply. Query replies carry {error, data}; asynchronous submissions carry
//     {error, handle}.
//   - Broadcast: the server fans out Events to every subscriber. Events are
//     discriminated by their type field ("values" or "operation").
//
// For a given handle the server emits exactly one Start, zero or more Update
// and exactly one End event, in that order.
//
// # Encoding
//
// Messages are encoded with a Codec. JSON is the default; CBOR is available
// for constrained links:
//
//	codec, err := protocol.CodecByName(cfg.Transport.Codec)
//	payload, err := codec.Marshal(protocol.ValuesEvent(values))
package protocol
