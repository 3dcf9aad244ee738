// Package client provides the Go SDK for driving a checkoutd server over HTTP.
//
// A Client follows one checkout session at a time. CreateSession stores the
// bearer token the server returns and every later call presents it; calls
// that rotate the token (Authenticate, RefreshToken) replace it transparently.
//
// # Quick start
//
//	ctx := context.Background()
//	cli, err := client.New("http://127.0.0.1:9441")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	created, err := cli.CreateSession(ctx, api.CreateSessionRequest{CountryID: "US", NumOfDays: 7})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if _, err := cli.Authenticate(ctx, "user-123"); err != nil {
//	    log.Fatal(err)
//	}
//	if _, err := cli.SetDelivery(ctx, api.DeliveryRequest{Method: "EMAIL", Email: "e@example.com"}); err != nil {
//	    log.Fatal(err)
//	}
//	res, err := cli.Pay(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(created.Session.ID, res.Session.State)
//
// # Endpoints
//
// The base URL scheme selects the transport:
//
//   - https://host:9441 for TLS terminated in front of the server
//   - http://host:9441 for trusted networks or local testing
//   - unix:///path/to/checkoutd.sock when the server listens on a Unix socket
//
// # Retries
//
// Responses the server marks as retryable (lock contention, concurrent
// modification, 503) are retried with exponential backoff that honours the
// Retry-After hint. WithRetries(0) disables this. Every other failure is
// returned as *APIError carrying the decoded error envelope.
//
// # Live updates
//
// Events opens the server-sent event stream for the current session. The
// stream starts with a snapshot and ends once the session completes.
package client
