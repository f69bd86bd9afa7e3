// Package api is the REST client for the brokerage backend.
//
// Endpoints used:
//   - GET  /quotes/{symbol}   latest quote for one symbol
//   - POST /orders            place an order (paper or live)
//   - DELETE /orders/{id}     cancel an open order
//
// Requests carry a bearer token. Order placement sends an Idempotency-Key
// header so a retried POST never places the order twice.
package api
