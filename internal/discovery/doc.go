// Package discovery delivers dynamic secrets to the providers held by a
// secret.Manager.
//
// A Router subscribes to the manager and tells the channel responsible for
// each config source kind which (type, name) pairs are wanted. Channels
// fetch or watch their backend and hand every decoded secret to an Applier,
// which runs the provider update on the Dispatcher goroutine. All provider
// updates in a process therefore run one at a time and in delivery order.
//
// Channels:
//
//   - File: a YAML document with a resources list, watched with fsnotify.
//   - Vault: KV v2 entries at <mount>/<path>/<name>, polled.
//   - Kubernetes: Secret objects in a namespace, polled.
//   - SPIFFE: X.509 SVIDs and bundles streamed from the Workload API.
package discovery
