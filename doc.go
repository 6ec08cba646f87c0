// Package simwatch provides an embedded diagnostic service for observing and steering
// a running simulation from a browser dashboard.
//
// The service speaks WebSocket without any networking framework: the HTTP upgrade
// handshake, the binary frame codec, the per-connection read loop and the serialized
// write path are all implemented on top of plain TCP sockets.
//
// # Architecture
//
// An acceptor goroutine produces connections. Each connection runs its own read loop
// feeding the command dispatcher, while a broadcast scheduler independently fans out
// snapshots to every connection in the registry:
//
//	acceptor ──► handshake ──► registry ◄── broadcast scheduler ◄── SnapshotSource
//	                              │
//	                         read loop ──► dispatcher ──► CommandSink.Execute
//
// The simulation itself is an external Host. It is read through SnapshotSource and
// mutated only through tasks handed to CommandSink.Execute, which run on the
// simulation's own goroutine.
//
// # Quick Start
//
//	import (
//	    "github.com/luciancaetano/simwatch/ws"
//	)
//
//	cfg := ws.DefaultConfig()
//	cfg.Enabled = true
//	cfg.HTTPPort = 8765 // WebSocket listens on 8766 unless WebSocketPort is set
//
//	server := ws.New(ws.NewConfig(cfg, logger, nil, nil))
//	if err := server.Start(ctx, host); err != nil {
//	    return err
//	}
//	defer server.Stop(context.Background())
//
// # Commands
//
// Observers send minimal JSON objects:
//
//	{"action":"set","target":"alice","level":3}
//	{"action":"add","target":"alice","amount":1}
//	{"action":"clear","target":"alice"}
//
// Empty messages are keepalives. Malformed or unknown commands are logged and
// dropped; they never close the connection.
//
// # Protocol Restrictions
//
//   - Single-frame messages only: fragmented messages close the connection
//   - Text frames only; binary frames close the connection
//   - Server frames are never masked
//   - No extensions, subprotocols or compression
//
// # Important
//
//   - Bind to loopback (the default) unless remote access is really needed
//   - There is no ordering guarantee between a command and the next snapshot
package simwatch
