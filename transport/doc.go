// Package transport moves frames between peers over the anonymizing
// network. Outbound streams are dialed through a local SOCKS5 proxy,
// normally a Tor daemon, which resolves hidden-service names itself so
// no lookup ever leaves the process. Inbound streams arrive on a
// loopback listener that the hidden service forwards its virtual port
// to; their remote addresses are always loopback and carry no peer
// identity, which only the handshake can establish.
//
// Both directions speak the length-prefixed framing defined in the
// protocol package. The transport enforces deadlines and admission
// rates; it never inspects payloads.
package transport
