// Package cmd holds the secagg command line tools.
//
// # Commands
//
// secagg coordinator: accepts participant connections over TCP, runs rounds
// and serves the admin API, health endpoints and Prometheus metrics.
//
//	go run ./cmd/secagg coordinator --config=coordinator.yaml
//	go run ./cmd/secagg coordinator --listen=:7000 --http-addr=:8080 --open-round
//
// secagg participant: connects to a coordinator, joins a round, contributes
// one vector and prints the published aggregate as JSON.
//
//	go run ./cmd/secagg participant --coordinator=localhost:7000 --id=alice --vector=1,2,3
//
// Without --round the participant waits for the next round announcement.
//
// secagg demo: runs a coordinator and several participants in one process on
// the in-memory transport, optionally dropping some participants after the
// key exchange to exercise mask recovery.
//
//	go run ./cmd/secagg demo --participants=5 --vector-size=3 --tolerance=1 --drop=1
//
// # Configuration
//
// coordinator and participant accept a YAML file through --config; flags that
// are set explicitly override file values. See common.CoordinatorConfig and
// common.ParticipantConfig for the layout.
//
// Rounds are opened through the admin API:
//
//	curl -X POST localhost:8080/api/v1/rounds \
//	  -d '{"vector_size": 3, "min_participants": 5, "dropout_tolerance": 1, "round_timeout": "30s"}'
package cmd
