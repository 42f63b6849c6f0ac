/*
Package storage persists watchdog state in an embedded BoltDB file,
<state_dir>/watchdog.db.

Three buckets are kept:

	instances   instance id  -> types.InstanceRecord (JSON)
	modules     module name  -> types.ModuleRecord (JSON)
	events      sequence no. -> EventRecord (JSON), trimmed to SetMaxEvents

Nothing in the request path reads the store; it is history for operators.
A Recorder subscribes to the events broker and writes every lifecycle
event together with the record it carries, so the last saved state of an
instance is the one from its most recent event.

	store, err := storage.NewBoltStore(cfg.StateDir)
	if err != nil {
		return err
	}
	defer store.Close()

	rec := storage.NewRecorder(store, broker)
	rec.Start()
	defer rec.Stop()

Reads run in db.View and may proceed concurrently; writes are serialized
by bbolt.
*/
package storage
