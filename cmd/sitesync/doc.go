// Command sitesync is the operator CLI for the field photo sync daemon. It
// talks to a running sitesyncd over its loopback HTTP API and can also run
// the daemon in the foreground.
package main
