// Package serviceworker manages service worker registrations: it fetches
// worker scripts, stores them in SQLite, and drives each worker through
// install and activation by dispatching lifecycle events to a JavaScript
// host.
//
// A Manager owns one registration per scope. Each registration holds at
// most one worker in each of the installing, waiting, active and redundant
// slots. Workers move through the states installing, installed,
// activating, activated and redundant; every change is persisted in one
// transaction before subscribers are notified.
package serviceworker
