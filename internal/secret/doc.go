// Package secret holds TLS secrets behind providers.
//
// A Provider is either static, holding a value fixed at construction, or
// dynamic, updated at runtime by a discovery channel through Set. Consumers
// read the current value and subscribe to updates with OnUpdate; validation
// context consumers can veto an update with OnValidate. Subscriptions are
// revoked through the returned Handle.
//
// Manager deduplicates dynamic providers by (config source, name) and
// reference counts them, so several TLS contexts referencing the same
// secret share one provider.
package secret
