// Package probe contains the diagnostic engines behind udpsas-probe:
// a reflector that echoes datagrams back from the address they arrived
// on, a one-shot sender that measures whether a reflector answers from
// the probed address, and a passive watcher that streams the arrival
// address of every datagram on a bind.
//
// The engines exist to exercise source-address selection on real
// multihomed hosts. None of them are part of the library surface.
package probe
