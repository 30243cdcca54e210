// Package memory provides an in-memory message transport for tests, examples
// and the single-process demo.
//
// A Network has one coordinator Endpoint and one Conn per participant. Each
// participant link delivers messages in order on its own goroutine, so
// handlers never run on the sender's stack. Disconnect cuts a link and
// notifies both sides after the messages already in flight.
//
//	net := memory.NewNetwork()
//	coordinator := protocol.NewCoordinator(cfg, net.Coordinator(), provider, nil, log)
//	conn, _ := net.Connect("alice")
//	agent := protocol.NewAgent(protocol.AgentConfig{ID: "alice"}, conn, provider, log)
package memory
