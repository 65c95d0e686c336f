// Package api implements the HTTP server of mailqueue: the gin engine with
// request logging, JWT admin authentication, rate limiting, the static admin
// dashboard, health, version and Prometheus endpoints. Feature endpoints are
// contributed by APIControllers such as the admin email-queue controller.
package api
