// Package config provides the configuration of torlab: the controller
// settings shared by the CLI and the API server, the optional YAML
// configuration file, and the environment a node agent is started with.
package config
