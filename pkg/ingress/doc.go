// Package ingress routes external traffic to the serving jail of each
// service through Caddy. Every service owns one site file under
// /usr/local/etc/caddy/conf.d, imported by the main Caddyfile; switching a
// service to a new jail rewrites that file and reloads Caddy.
//
// TLS has three modes: off serves plain http, auto leaves certificate
// management to Caddy, and manual installs a certificate and key supplied by
// the operator.
package ingress
