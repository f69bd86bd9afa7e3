// Package server is the HTTP control surface of the sync daemon.
//
// Routes:
//
//	GET    /health                  liveness and connection state
//	GET    /state                   connection, trading mode, subscriptions, active-mode data
//	GET    /quotes/:symbol          cached or fetched quote; the symbol is subscribed
//	POST   /connect                 open the stream
//	POST   /disconnect              close the stream, keep subscriptions
//	POST   /logout                  close the stream, clear subscriptions, keep mode channels
//	POST   /mode                    switch trading mode
//	POST   /navigate                report a route change
//	POST   /orders                  submit an order through the safeguard gate
//	GET    /orders/pending          held actions
//	POST   /orders/:id/ack          set one acknowledgement
//	POST   /orders/:id/confirm      execute a held action
//	DELETE /orders/:id              discard a held action
//	GET    /metrics                 Prometheus exposition
package server
