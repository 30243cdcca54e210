// Package tcp carries protocol envelopes over persistent TCP connections.
//
// Each frame is a 4-byte big-endian length followed by the JSON-encoded
// envelope, capped at MaxFrameSize. A participant opens the connection with a
// hello frame naming itself; the server answers with a hello of its own or an
// error frame when the id is already connected.
//
//	srv, err := tcp.Listen(tcp.ServerConfig{Addr: ":7000", Log: log})
//	coordinator := protocol.NewCoordinator(cfg, srv, provider, observer, log)
//
//	conn, err := tcp.Dial(ctx, tcp.ClientConfig{Addr: "coordinator:7000", ID: "alice"})
//	agent := protocol.NewAgent(protocol.AgentConfig{ID: "alice"}, conn, provider, log)
//
// Client implements protocol.Reconnector: after a dropped connection the
// agent calls Reconnect, which dials again under the RetryPolicy.
package tcp
