// Package receiver holds the building blocks shared by concrete receivers.
//
// Ownership boundary:
// - receiver identity, placement preference and stop signalling (Base)
// - cutting received records into stored blocks and reporting them (Generator)
// - the register/produce/deregister lifecycle every receiver follows (Run)
// - reaching a tracker endpoint over TCP (RemoteEndpoint)
package receiver
