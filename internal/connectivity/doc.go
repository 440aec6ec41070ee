// Package connectivity tracks whether the device currently has a usable
// network path to the upload service. It probes a lightweight HTTP endpoint,
// debounces flapping links before reporting the online edge, and optionally
// listens for kernel netlink events so interface hotplug triggers an
// immediate re-probe instead of waiting for the next poll.
package connectivity
