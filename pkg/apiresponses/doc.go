// Package apiresponses provides the JSON error and success helpers shared by the
// HTTP server and the admin controller.
package apiresponses
