package swagger

//go:generate go tool swag init --generalInfo swagger.go --output docs --dir .,../internal/httpapi,../api --parseInternal --generatedTime=false
//go:generate go run ./internal/swaggerhtml --spec docs/swagger.json --out docs/swagger.html

// @title           checkoutd API
// @version         0.1
// @description     checkoutd drives an eSIM bundle checkout from bundle pricing through authentication, delivery choice and payment to a fulfilled order.
// @BasePath        /
// @schemes         https http
// @accept          json
// @produce         json
// @tag.name        session
// @tag.description Checkout session lifecycle for the customer-facing client.
// @tag.name        webhook
// @tag.description Payment gateway callbacks.
// @tag.name        admin
// @tag.description Operator maintenance endpoints.
// @tag.name        system
// @tag.description Liveness and readiness.
// @securityDefinitions.apikey  BearerAuth
// @in                          header
// @name                        Authorization
// @description                 "Bearer <token>" as returned by session create, authenticate or token refresh. Admin endpoints take the admin key instead.

// Package swagger holds the go:generate hooks that build the OpenAPI
// document and a static HTML viewer for it.
type Package struct{}
