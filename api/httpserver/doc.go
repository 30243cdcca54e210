// Package httpserver hosts the coordinator's HTTP surface.
//
// BaseServer wraps a chi router with request logging, the health endpoints
// (/livez, /readyz), drain control (/drain, /undrain), optional pprof under
// /debug, and a separate Prometheus listener. Components plug their own routes
// in through RouteRegistrar:
//
//	admin := services.NewAdminAPI(coordinator, log)
//	srv, err := httpserver.New(&httpserver.HTTPServerConfig{
//	    ListenAddr:  ":8080",
//	    MetricsAddr: ":9090",
//	    Log:         log,
//	}, admin)
//	if err != nil {
//	    return err
//	}
//	srv.RunInBackground()
//	defer srv.Shutdown()
//
// The round observer exported by Metrics().Rounds() is meant to be handed to
// protocol.NewCoordinator so the listener reports round lifecycle counters.
//
// Shutdown first flips readiness off and waits DrainDuration so load
// balancers stop routing, then stops both listeners within
// GracefulShutdownDuration.
package httpserver
