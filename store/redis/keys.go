package redis

// Redis key naming conventions. All keys are prefixed with "conveyor:"
// to avoid collisions.

const keyPrefix = "conveyor:"

// jobKey returns the key for a job entity: conveyor:job:{id}
func jobKey(id string) string { return keyPrefix + "job:" + id }

// waitingKey returns the Sorted Set of runnable jobs for a queue,
// scored by priority then run time: conveyor:waiting:{queue}
func waitingKey(queue string) string { return keyPrefix + "waiting:" + queue }

// delayedKey returns the Sorted Set of future jobs for a queue, scored
// by run time: conveyor:delayed:{queue}
func delayedKey(queue string) string { return keyPrefix + "delayed:" + queue }

// jobIDsKey is the Set tracking all job IDs for enumeration.
const jobIDsKey = keyPrefix + "job_ids"

// idemIndexKey is the Hash mapping queue+key to the deduplicating job ID.
const idemIndexKey = keyPrefix + "idem"

// pausedKey is the Set of paused queue names.
const pausedKey = keyPrefix + "paused"

// schedKey returns the key for a schedule entry: conveyor:sched:{name}
func schedKey(name string) string { return keyPrefix + "sched:" + name }

// schedLockKey returns the per-entry firing lock: conveyor:sched_lock:{name}
func schedLockKey(name string) string { return keyPrefix + "sched_lock:" + name }

// schedNamesKey is the Set tracking all schedule names for enumeration.
const schedNamesKey = keyPrefix + "sched_names"

// workerKey returns the key for a worker entity: conveyor:worker:{id}
func workerKey(id string) string { return keyPrefix + "worker:" + id }

// workerIDsKey is the Set tracking all worker IDs for enumeration.
const workerIDsKey = keyPrefix + "worker_ids"

// leaderKey stores the current leader worker ID with the lease TTL.
const leaderKey = keyPrefix + "leader"
