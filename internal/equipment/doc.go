// Package equipment defines the equipment unit model and its status state
// machine.
//
// A Unit is one physically distinct, individually tracked item. Its
// status/jobID/locationID triple is only ever mutated through Apply, which
// enforces the transition table. All other packages (engine, conflict
// resolver, sync queue) build on the types and error taxonomy defined here.
package equipment
