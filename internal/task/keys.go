package task

import "fmt"

// keyspace implements the §6.3 keyspace under a configurable prefix
// (default "concave:tasks:").
type keyspace struct {
	prefix string
}

func newKeyspace(prefix string) keyspace {
	if prefix == "" {
		prefix = "concave:tasks:"
	}
	return keyspace{prefix: prefix}
}

func (k keyspace) data(id string) string           { return k.prefix + "data:" + id }
func (k keyspace) status(status Status) string      { return k.prefix + "status:" + string(status) }
func (k keyspace) name(name string) string          { return k.prefix + "name:" + name }
func (k keyspace) idempotency(key string) string    { return k.prefix + "idempotency:" + key }
func (k keyspace) queue(bucket string) string       { return k.prefix + "queue:" + bucket }
func (k keyspace) lock(id string) string            { return k.prefix + "lock:" + id }
func (k keyspace) dead() string                     { return k.prefix + "dead" }
func (k keyspace) deadData(id string) string        { return k.prefix + "dead:data:" + id }
func (k keyspace) workers() string                  { return k.prefix + "workers" }
func (k keyspace) recurring(id string) string        { return k.prefix + "recurring:" + id }
func (k keyspace) recurringSet() string             { return k.prefix + "recurring" }
func (k keyspace) notifyChannel() string            { return k.prefix + "notify" }

// priorityBucket maps a 0-100 priority into one of a small fixed set of
// ordered-set buckets, scanned high-to-low by workers.
func priorityBucket(priority int) string {
	switch {
	case priority >= 67:
		return "high"
	case priority >= 34:
		return "normal"
	default:
		return "low"
	}
}

var priorityBucketsHighToLow = []string{"high", "normal", "low"}

func validatePriority(p int) error {
	if p < 0 || p > 100 {
		return fmt.Errorf("task: priority must be in [0,100], got %d", p)
	}
	return nil
}
