// Package device defines the vocabulary shared by the RFCOMM connection core and its transports.
//
// This package provides:
//   - Address normalization for remote peripherals
//   - The error taxonomy raised by connection operations
//   - Transport contracts (Adapter, Socket) and connection strategies
//   - Adapter state and bonded device records as reported to the host
//   - Service class UUID expansion from 16- and 32-bit short forms
//
// Platform bindings live in sub-packages (see bluez for Linux).
package device
