// Package config loads the YAML description of a service: where it runs,
// how its image is built, its environment, hooks, start commands, data
// directories and reverse proxy route.
package config
