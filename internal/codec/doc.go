// Package codec frames commands for devices that speak a checksummed binary
// serial protocol and validates their fixed-size replies.
//
// Outgoing frame:
//
//	[COMMAND...][CRC_L][CRC_H]
//
// Reply frame:
//
//	[DATA...][CRC_L][CRC_H]['\r']['\n']
//
// The CRC is CRC-16/ARC (reflected polynomial 0xA001, seed 0x0000) computed
// over the command bytes or the reply data. Replies carry no length prefix;
// the caller supplies a Layout whose width fixes the size of DATA.
//
// The package is a pure transform over byte slices. It does not read or write
// the transport, retry, or log.
package codec
